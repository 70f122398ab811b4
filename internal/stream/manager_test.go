package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/realtime-search/crawler-dashboard/internal/status"
)

var upgrader = websocket.Upgrader{}

// streamServer is a minimal stand-in for the crawl service's status stream.
type streamServer struct {
	srv *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
	msgs  []json.RawMessage
}

func newStreamServer(t *testing.T) *streamServer {
	t.Helper()
	s := &streamServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.msgs = append(s.msgs, append(json.RawMessage(nil), raw...))
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *streamServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *streamServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *streamServer) lastConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

func (s *streamServer) send(t *testing.T, payload string) {
	t.Helper()
	conn := s.lastConn()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

func (s *streamServer) received() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.msgs...)
}

func testConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: 2 * time.Second,
		Backoff: BackoffPolicy{
			Base:        10 * time.Millisecond,
			Growth:      1.5,
			Cap:         50 * time.Millisecond,
			MaxAttempts: 5,
		},
		LivenessThreshold: time.Hour,
		LivenessPoll:      time.Hour,
		KeepaliveInterval: time.Hour,
	}
}

// TestManagerConnectDeliversEvents checks the happy path: dial, receive, and
// deliver typed events tagged with the connection generation.
func TestManagerConnectDeliversEvents(t *testing.T) {
	t.Parallel()

	server := newStreamServer(t)
	m := NewManager(testConfig(server.url()), zap.NewNop())
	defer m.Close(websocket.CloseNormalClosure, "test done")

	require.NoError(t, m.Connect(context.Background()))
	require.Equal(t, StateConnected, m.State())
	require.EqualValues(t, 1, m.Generation())
	require.Zero(t, m.Attempts())

	require.Eventually(t, func() bool { return server.connCount() == 1 }, time.Second, 10*time.Millisecond)
	server.send(t, `{"status":"started","url":"https://example.com"}`)

	select {
	case env := <-m.Events():
		require.EqualValues(t, 1, env.Generation)
		require.Equal(t, status.KindStarted, env.Event.Kind)
		require.Equal(t, "https://example.com", env.Event.URL)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

// TestManagerConnectIdempotent verifies a second Connect on a live link is a
// no-op rather than a redial.
func TestManagerConnectIdempotent(t *testing.T) {
	t.Parallel()

	server := newStreamServer(t)
	m := NewManager(testConfig(server.url()), zap.NewNop())
	defer m.Close(websocket.CloseNormalClosure, "test done")

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))
	require.EqualValues(t, 1, m.Generation())
}

// TestManagerPongReply checks that server pings are answered with pongs
// echoing the ping timestamp and are never delivered as events.
func TestManagerPongReply(t *testing.T) {
	t.Parallel()

	server := newStreamServer(t)
	m := NewManager(testConfig(server.url()), zap.NewNop())
	defer m.Close(websocket.CloseNormalClosure, "test done")

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return server.connCount() == 1 }, time.Second, 10*time.Millisecond)
	server.send(t, `{"type":"ping","timestamp":42.5}`)

	require.Eventually(t, func() bool { return len(server.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	var pong struct {
		Type     string  `json:"type"`
		Received float64 `json:"received"`
	}
	require.NoError(t, json.Unmarshal(server.received()[0], &pong))
	require.Equal(t, "pong", pong.Type)
	require.InDelta(t, 42.5, pong.Received, 1e-9)

	select {
	case env := <-m.Events():
		t.Fatalf("keepalive leaked to consumer: %v", env.Event.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestManagerKeepalivePings verifies the outbound keepalive cadence: the
// server periodically receives ping frames carrying a client timestamp.
func TestManagerKeepalivePings(t *testing.T) {
	t.Parallel()

	server := newStreamServer(t)
	cfg := testConfig(server.url())
	cfg.KeepaliveInterval = 20 * time.Millisecond
	m := NewManager(cfg, zap.NewNop())
	defer m.Close(websocket.CloseNormalClosure, "test done")

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(server.received()) >= 2 }, 2*time.Second, 10*time.Millisecond)

	var ping struct {
		Type      string  `json:"type"`
		Timestamp float64 `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(server.received()[0], &ping))
	require.Equal(t, "ping", ping.Type)
	require.Greater(t, ping.Timestamp, 0.0)
}

// TestManagerMalformedMessageKeepsConnection verifies a bad payload is dropped
// without recycling the link.
func TestManagerMalformedMessageKeepsConnection(t *testing.T) {
	t.Parallel()

	server := newStreamServer(t)
	m := NewManager(testConfig(server.url()), zap.NewNop())
	defer m.Close(websocket.CloseNormalClosure, "test done")

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return server.connCount() == 1 }, time.Second, 10*time.Millisecond)

	server.send(t, `{"status":`)
	server.send(t, `{"status":"test","message":"still here"}`)

	select {
	case env := <-m.Events():
		require.Equal(t, status.KindTest, env.Event.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not survive malformed payload")
	}
	require.Equal(t, 1, server.connCount())
}

// TestManagerReconnectAfterServerClose checks that a dropped connection is
// redialed automatically with a fresh generation.
func TestManagerReconnectAfterServerClose(t *testing.T) {
	t.Parallel()

	server := newStreamServer(t)
	m := NewManager(testConfig(server.url()), zap.NewNop())
	defer m.Close(websocket.CloseNormalClosure, "test done")

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return server.connCount() == 1 }, time.Second, 10*time.Millisecond)

	server.lastConn().Close()

	require.Eventually(t, func() bool {
		return server.connCount() == 2 && m.State() == StateConnected
	}, 3*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 2, m.Generation())
	require.Zero(t, m.Attempts())
}

// TestManagerExhaustsRetryBudget verifies terminal failure after the attempt
// budget, and that only an explicit Reconnect leaves it.
func TestManagerExhaustsRetryBudget(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	states := []ConnectionState{}
	cfg := testConfig("ws://127.0.0.1:1/ws/crawler")
	cfg.OnStateChange = func(s ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}
	m := NewManager(cfg, zap.NewNop())
	defer m.Close(websocket.CloseNormalClosure, "test done")

	require.Error(t, m.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return m.State() == StateFailed
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	sawFailed := false
	for _, s := range states {
		if s == StateFailed {
			sawFailed = true
		}
	}
	mu.Unlock()
	require.True(t, sawFailed)

	// Automatic retries have stopped; the state stays failed.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, StateFailed, m.State())

	// Manual reconnect resets the budget and dials a now-live server.
	server := newStreamServer(t)
	m.cfg.URL = server.url()
	require.NoError(t, m.Reconnect(context.Background()))
	require.Equal(t, StateConnected, m.State())
	require.Zero(t, m.Attempts())
}

// TestManagerLivenessRecycle verifies a silent link is closed and redialed
// without consuming the retry budget.
func TestManagerLivenessRecycle(t *testing.T) {
	t.Parallel()

	server := newStreamServer(t)
	cfg := testConfig(server.url())
	cfg.LivenessThreshold = 100 * time.Millisecond
	cfg.LivenessPoll = 20 * time.Millisecond
	m := NewManager(cfg, zap.NewNop())
	defer m.Close(websocket.CloseNormalClosure, "test done")

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return server.connCount() == 1 }, time.Second, 10*time.Millisecond)

	// Send nothing; the liveness monitor must recycle the connection.
	require.Eventually(t, func() bool {
		return server.connCount() >= 2 && m.State() == StateConnected
	}, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, m.Attempts())
}

// TestManagerCloseSuppressesReconnect checks a caller-initiated shutdown does
// not trigger the retry schedule.
func TestManagerCloseSuppressesReconnect(t *testing.T) {
	t.Parallel()

	server := newStreamServer(t)
	m := NewManager(testConfig(server.url()), zap.NewNop())

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return server.connCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, m.Close(websocket.CloseNormalClosure, "operator shutdown"))
	require.Equal(t, StateDisconnected, m.State())

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 1, server.connCount())
	require.ErrorIs(t, m.Connect(context.Background()), ErrShuttingDown)
}
