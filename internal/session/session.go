// Package session runs the dashboard's event loop: it consumes the status
// stream, applies events through the reducer, and publishes every applied
// event to the observability feed. All crawl-state mutation happens on this
// single loop; readers get snapshot copies.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/realtime-search/crawler-dashboard/internal/commands"
	"github.com/realtime-search/crawler-dashboard/internal/feed"
	"github.com/realtime-search/crawler-dashboard/internal/state"
	"github.com/realtime-search/crawler-dashboard/internal/status"
	"github.com/realtime-search/crawler-dashboard/internal/stream"
)

// closeNormal is the websocket close code for a caller-initiated shutdown.
const closeNormal = 1000

// Config wires the session's collaborators.
type Config struct {
	// Stream configures the connection manager the session owns.
	Stream stream.Config
	// RecentCapacity bounds the recently-crawled feed.
	RecentCapacity int
	// Dispatcher, when set, is used to seed the initial snapshot before the
	// stream connects.
	Dispatcher *commands.Dispatcher
	// Feed, when set, receives every applied status event.
	Feed feed.Emitter
}

// Overview is the read-only view handed to the presentation layer.
type Overview struct {
	Connection stream.ConnectionState `json:"connection"`
	Generation uint64                 `json:"generation"`
	Attempts   int                    `json:"reconnect_attempts"`
	LastUpdate time.Time              `json:"last_update"`
	State      state.Snapshot         `json:"state"`
}

// Session owns the status-stream lifecycle for one dashboard instance.
type Session struct {
	manager    *stream.Manager
	reducer    *state.Reducer
	dispatcher *commands.Dispatcher
	hub        feed.Emitter
	logger     *zap.Logger

	mu         sync.RWMutex
	snap       state.Snapshot
	connState  stream.ConnectionState
	lastUpdate time.Time

	stateCh   chan stream.ConnectionState
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
}

// New constructs a Session. The underlying connection manager is created
// here so state transitions are observed on the session loop.
func New(cfg Config, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		reducer:    state.NewReducer(cfg.RecentCapacity),
		dispatcher: cfg.Dispatcher,
		hub:        cfg.Feed,
		logger:     logger,
		snap:       state.Initial(),
		connState:  stream.StateDisconnected,
		stateCh:    make(chan stream.ConnectionState, 8),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	streamCfg := cfg.Stream
	streamCfg.OnStateChange = s.pushState
	s.manager = stream.NewManager(streamCfg, logger.Named("stream"))
	return s
}

// Start seeds the projection from the snapshot endpoint, starts the event
// loop, and dials the stream. A failed initial dial is not fatal; the
// reconnect schedule owns recovery from there.
func (s *Session) Start(ctx context.Context) error {
	if s.dispatcher != nil {
		if stats, err := s.dispatcher.FetchStatus(ctx); err != nil {
			s.logger.Warn("initial snapshot fetch failed", zap.Error(err))
		} else {
			s.applySeed(stats)
		}
	}

	go s.loop()

	if err := s.manager.Connect(ctx); err != nil {
		s.logger.Warn("initial stream connect failed", zap.Error(err))
	}
	return nil
}

// Overview returns the current projection and connection status.
func (s *Session) Overview() Overview {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Overview{
		Connection: s.connState,
		Generation: s.manager.Generation(),
		Attempts:   s.manager.Attempts(),
		LastUpdate: s.lastUpdate,
		State:      s.snap.Copy(),
	}
}

// Snapshot returns a copy of the current crawl projection.
func (s *Session) Snapshot() state.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Copy()
}

// ConnectionState reports the manager's view of the link.
func (s *Session) ConnectionState() stream.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connState
}

// Reconnect is the explicit operator action that leaves terminal failure.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.manager.Reconnect(ctx)
}

// Close stops the loop and releases the connection. Safe on every exit path
// and safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.manager.Close(closeNormal, "dashboard session closed")
		<-s.loopDone
	})
	return err
}

func (s *Session) pushState(cs stream.ConnectionState) {
	select {
	case s.stateCh <- cs:
	default:
		// The loop is behind; newer transitions supersede this one anyway.
	}
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.done:
			return
		case cs := <-s.stateCh:
			s.mu.Lock()
			s.connState = cs
			s.mu.Unlock()
		case env := <-s.manager.Events():
			s.deliver(env)
		}
	}
}

// deliver applies env unless it was produced by a superseded connection. A
// reconnect bumps the generation before anything from the old link can still
// be buffered; the next Connected snapshot resynchronizes the projection.
func (s *Session) deliver(env stream.Envelope) {
	if current := s.manager.Generation(); env.Generation != current {
		s.logger.Debug("discarding stale status event",
			zap.Uint64("event_generation", env.Generation),
			zap.Uint64("current_generation", current),
		)
		return
	}
	s.apply(env.Generation, env.Event)
}

func (s *Session) apply(gen uint64, evt status.Event) {
	s.mu.Lock()
	next := s.reducer.Reduce(s.snap, evt)
	s.snap = next
	s.lastUpdate = time.Now()
	s.mu.Unlock()

	if s.hub != nil {
		s.hub.Emit(feed.FromEvent(evt, gen, next))
	}
}

// applySeed installs the snapshot fetched over HTTP before any stream
// connection exists, as if the server had sent it on connect.
func (s *Session) applySeed(stats status.CrawlStats) {
	evt := status.Event{
		Kind:  status.KindConnected,
		TS:    time.Now(),
		Stats: &stats,
	}
	s.apply(0, evt)
	s.logger.Info("projection seeded from snapshot endpoint",
		zap.String("status", stats.Status),
		zap.Int64("crawled", stats.Crawled),
	)
}
