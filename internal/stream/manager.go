// Package stream owns the logical connection to the crawl status stream:
// dialing, reconnection with bounded backoff, keepalives, and the liveness
// monitor that recycles silent links.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/realtime-search/crawler-dashboard/internal/metrics"
	"github.com/realtime-search/crawler-dashboard/internal/status"
)

// ConnectionState describes the manager's view of the link.
type ConnectionState string

// Connection states. StateFailed is the terminal condition reached when the
// retry budget is exhausted; only Reconnect leaves it.
const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateClosing      ConnectionState = "closing"
	StateFailed       ConnectionState = "failed"
)

// ErrShuttingDown is returned by Connect after Close has begun.
var ErrShuttingDown = errors.New("stream manager is shutting down")

// Envelope pairs a decoded event with the generation of the physical
// connection that produced it, so consumers can discard stale deliveries
// after a reconnect.
type Envelope struct {
	Generation uint64
	Event      status.Event
}

// Config controls Manager behavior. Zero durations fall back to the defaults
// agreed with the crawl service.
type Config struct {
	// URL is the ws:// endpoint of the status stream.
	URL string
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration
	// Backoff governs automatic reconnects.
	Backoff BackoffPolicy
	// LivenessThreshold is the maximum tolerated message silence.
	LivenessThreshold time.Duration
	// LivenessPoll is how often silence is checked.
	LivenessPoll time.Duration
	// KeepaliveInterval is the outbound ping cadence. It must be shorter
	// than the server's own idle expectation so healthy links never trip
	// the liveness check from inactivity alone.
	KeepaliveInterval time.Duration
	// EventBuffer sizes the delivery channel (default 256).
	EventBuffer int
	// OnStateChange, when set, observes every connection state transition.
	OnStateChange func(ConnectionState)
}

const (
	defaultHandshakeTimeout  = 10 * time.Second
	defaultLivenessThreshold = 30 * time.Second
	defaultLivenessPoll      = 10 * time.Second
	defaultKeepalive         = 25 * time.Second
	defaultEventBuffer       = 256
)

// Manager maintains at most one live connection to the status stream.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	events chan Envelope

	mu             sync.Mutex
	conn           *websocket.Conn
	state          ConnectionState
	generation     uint64
	attempts       int
	lastMessage    time.Time
	shuttingDown   bool
	reconnectTimer *time.Timer

	// wmu serializes writes; the keepalive pump and pong replies share the
	// connection.
	wmu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

// NewManager builds a Manager and starts its liveness monitor. The manager
// does not dial until Connect is called.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.LivenessThreshold <= 0 {
		cfg.LivenessThreshold = defaultLivenessThreshold
	}
	if cfg.LivenessPoll <= 0 {
		cfg.LivenessPoll = defaultLivenessPoll
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepalive
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:    cfg,
		logger: logger,
		events: make(chan Envelope, cfg.EventBuffer),
		state:  StateDisconnected,
		done:   make(chan struct{}),
	}
	go m.livenessLoop()
	return m
}

// Events returns the delivery channel for decoded status events. Keepalives
// are handled inside the manager and never appear here.
func (m *Manager) Events() <-chan Envelope {
	return m.events
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Generation returns the identifier of the most recent connection attempt.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// Attempts returns the current reconnect attempt counter.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// LastMessageAt returns when the link last carried any inbound message.
func (m *Manager) LastMessageAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMessage
}

// Connect opens the connection if none is active. On success the attempt
// counter resets to zero; on dial failure the reconnect schedule takes over.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.generation++
	gen := m.generation
	m.mu.Unlock()
	m.notify(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		m.notify(StateDisconnected)
		m.scheduleRetry()
		return fmt.Errorf("dial status stream: %w", err)
	}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		conn.Close()
		return ErrShuttingDown
	}
	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	m.lastMessage = time.Now()
	m.mu.Unlock()
	m.notify(StateConnected)
	metrics.ObserveStreamConnect("success")

	m.logger.Info("status stream connected",
		zap.String("url", m.cfg.URL),
		zap.Uint64("generation", gen),
	)

	go m.readPump(conn, gen)
	go m.keepalivePump(conn, gen)
	return nil
}

// Reconnect is the explicit manual action that leaves the terminal failed
// state. It resets the attempt counter and dials immediately.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	m.attempts = 0
	if m.state == StateFailed {
		m.state = StateDisconnected
	}
	m.mu.Unlock()
	return m.Connect(ctx)
}

// Close performs a graceful caller-initiated shutdown, suppressing any
// automatic reconnect. It cancels the reconnect timer and the liveness and
// keepalive tickers before releasing the connection.
func (m *Manager) Close(code int, reason string) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil
	}
	m.shuttingDown = true
	m.state = StateClosing
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn := m.conn
	m.mu.Unlock()
	m.notify(StateClosing)

	m.closeOnce.Do(func() { close(m.done) })

	if conn != nil {
		m.sendClose(conn, code, reason)
		conn.Close()
	}

	m.mu.Lock()
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()
	m.notify(StateDisconnected)
	return nil
}

func (m *Manager) notify(s ConnectionState) {
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(s)
	}
}

func (m *Manager) sendClose(conn *websocket.Conn, code int, reason string) {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		m.logger.Debug("close handshake write failed", zap.Error(err))
	}
}

func (m *Manager) write(conn *websocket.Conn, data []byte) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write stream message: %w", err)
	}
	return nil
}

// readPump consumes one connection until it errors, then routes the close
// through the single reconnection decision point.
func (m *Manager) readPump(conn *websocket.Conn, gen uint64) {
	defer m.onClose(gen)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			shutdown := m.shuttingDown
			m.mu.Unlock()
			if !shutdown && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Warn("status stream read failed",
					zap.Uint64("generation", gen),
					zap.Error(err),
				)
			}
			return
		}

		m.touch()

		evt, derr := status.Decode(raw, time.Now())
		if derr != nil {
			// A malformed message is not a fatal protocol error; drop it
			// and keep the connection.
			m.logger.Warn("dropping malformed status message", zap.Error(derr))
			metrics.ObserveDecodeFailure()
			continue
		}

		if evt.Keepalive() {
			if evt.Kind == status.KindPing {
				m.replyPong(conn, evt)
			}
			continue
		}

		select {
		case m.events <- Envelope{Generation: gen, Event: evt}:
		default:
			m.logger.Warn("status event dropped, consumer too slow",
				zap.String("kind", string(evt.Kind)),
			)
		}
	}
}

func (m *Manager) replyPong(conn *websocket.Conn, ping status.Event) {
	data, err := status.EncodePong(ping.Timestamp, time.Now())
	if err != nil {
		return
	}
	if err := m.write(conn, data); err != nil {
		m.logger.Debug("pong write failed", zap.Error(err))
	}
}

// keepalivePump emits outbound pings for one connection generation.
func (m *Manager) keepalivePump(conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(m.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if m.Generation() != gen {
				return
			}
			data, err := status.EncodePing(time.Now())
			if err != nil {
				continue
			}
			if err := m.write(conn, data); err != nil {
				return
			}
		}
	}
}

func (m *Manager) touch() {
	m.mu.Lock()
	m.lastMessage = time.Now()
	m.mu.Unlock()
}

// onClose is the single reconnection decision point. Caller-initiated
// shutdowns stop here; anything else increments the attempt counter and
// either schedules a retry or surfaces terminal failure.
func (m *Manager) onClose(gen uint64) {
	m.mu.Lock()
	if gen != m.generation {
		// A newer connection superseded this one.
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	shutdown := m.shuttingDown
	m.state = StateDisconnected
	m.mu.Unlock()
	m.notify(StateDisconnected)
	if shutdown {
		return
	}
	metrics.ObserveStreamConnect("closed")
	m.scheduleRetry()
}

func (m *Manager) scheduleRetry() {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return
	}
	m.attempts++
	attempt := m.attempts
	if m.cfg.Backoff.Exhausted(attempt) {
		m.state = StateFailed
		m.mu.Unlock()
		m.notify(StateFailed)
		metrics.ObserveStreamConnect("exhausted")
		m.logger.Error("reconnect budget exhausted, manual reconnect required",
			zap.Int("attempts", attempt-1),
		)
		return
	}
	delay := m.cfg.Backoff.Delay(attempt)
	m.reconnectTimer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
		defer cancel()
		if err := m.Connect(ctx); err != nil && !errors.Is(err, ErrShuttingDown) {
			m.logger.Warn("reconnect attempt failed", zap.Error(err))
		}
	})
	m.mu.Unlock()
	m.logger.Info("reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
	)
}

// livenessLoop polls for message silence independent of transport close
// events. A silent link is force-closed and redialed as a fresh attempt; the
// counter reset keeps a liveness recycle from eating into the retry budget.
func (m *Manager) livenessLoop() {
	ticker := time.NewTicker(m.cfg.LivenessPoll)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			silent := m.state == StateConnected &&
				!m.lastMessage.IsZero() &&
				time.Since(m.lastMessage) > m.cfg.LivenessThreshold
			conn := m.conn
			if silent {
				m.attempts = 0
			}
			m.mu.Unlock()
			if !silent || conn == nil {
				continue
			}
			m.logger.Warn("liveness threshold exceeded, recycling connection",
				zap.Duration("threshold", m.cfg.LivenessThreshold),
			)
			metrics.ObserveLivenessTimeout()
			m.sendClose(conn, websocket.CloseGoingAway, "liveness timeout")
			conn.Close()
		}
	}
}
