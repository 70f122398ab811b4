package commands

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordedRequest struct {
	Method string
	Path   string
	Form   map[string]string
	Query  map[string]string
}

// commandServer captures incoming requests and replies with canned payloads.
type commandServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
	replies  map[string]string
}

func newCommandServer(t *testing.T) *commandServer {
	t.Helper()
	s := &commandServer{replies: map[string]string{}}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		rec := recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Form:   map[string]string{},
			Query:  map[string]string{},
		}
		for k := range r.PostForm {
			rec.Form[k] = r.PostForm.Get(k)
		}
		for k := range r.URL.Query() {
			rec.Query[k] = r.URL.Query().Get(k)
		}
		s.mu.Lock()
		s.requests = append(s.requests, rec)
		reply, ok := s.replies[r.URL.Path]
		s.mu.Unlock()
		if !ok {
			reply = `{"status":"success","message":"ok"}`
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *commandServer) reply(path, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[path] = payload
}

func (s *commandServer) last(t *testing.T) recordedRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.requests)
	return s.requests[len(s.requests)-1]
}

// TestStartCrawlFormEncoding verifies the command is a form-encoded POST with
// the url, depth, and force fields.
func TestStartCrawlFormEncoding(t *testing.T) {
	t.Parallel()

	server := newCommandServer(t)
	d := New(server.srv.URL, time.Second, zap.NewNop())

	resp, err := d.StartCrawl(context.Background(), "https://example.com", 3, true)
	require.NoError(t, err)
	require.Equal(t, "success", resp.Status)
	require.NoError(t, resp.Err())

	req := server.last(t)
	require.Equal(t, http.MethodPost, req.Method)
	require.Equal(t, "/api/crawl", req.Path)
	require.Equal(t, "https://example.com", req.Form["url"])
	require.Equal(t, "3", req.Form["depth"])
	require.Equal(t, "true", req.Form["force"])
}

// TestCommandPaths checks each command hits its endpoint.
func TestCommandPaths(t *testing.T) {
	t.Parallel()

	server := newCommandServer(t)
	d := New(server.srv.URL, time.Second, zap.NewNop())
	ctx := context.Background()

	cases := []struct {
		name string
		call func() (Response, error)
		path string
	}{
		{"resume", func() (Response, error) { return d.Resume(ctx, 2) }, "/api/crawler/resume"},
		{"stop", func() (Response, error) { return d.Stop(ctx) }, "/api/crawler/stop"},
		{"test", func() (Response, error) { return d.SendTest(ctx) }, "/api/crawler/test"},
		{"save index", func() (Response, error) { return d.SaveIndex(ctx) }, "/api/save_index"},
		{"load index", func() (Response, error) { return d.LoadIndex(ctx) }, "/api/load_index"},
		{"clear index", func() (Response, error) { return d.ClearIndex(ctx) }, "/api/clear_index"},
		{"clear cache", func() (Response, error) { return d.ClearCache(ctx, true) }, "/api/cache/clear"},
	}
	for _, tc := range cases {
		resp, err := tc.call()
		require.NoError(t, err, tc.name)
		require.Equal(t, "success", resp.Status, tc.name)
		require.Equal(t, tc.path, server.last(t).Path, tc.name)
	}
}

// TestErrorReplyIsNotTransportError verifies an application-level error reply
// comes back as a Response, not a Go error, and surfaces through Err.
func TestErrorReplyIsNotTransportError(t *testing.T) {
	t.Parallel()

	server := newCommandServer(t)
	server.reply("/api/crawler/stop", `{"status":"error","message":"no crawl in progress"}`)
	d := New(server.srv.URL, time.Second, zap.NewNop())

	resp, err := d.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, "error", resp.Status)
	require.ErrorContains(t, resp.Err(), "no crawl in progress")
}

// TestTransportFailure verifies unreachable services surface as errors.
func TestTransportFailure(t *testing.T) {
	t.Parallel()

	d := New("http://127.0.0.1:1", 200*time.Millisecond, zap.NewNop())
	_, err := d.Stop(context.Background())
	require.Error(t, err)
}

// TestMalformedReply verifies non-JSON replies surface as protocol errors.
func TestMalformedReply(t *testing.T) {
	t.Parallel()

	server := newCommandServer(t)
	server.reply("/api/crawler/test", `<html>gateway error</html>`)
	d := New(server.srv.URL, time.Second, zap.NewNop())

	_, err := d.SendTest(context.Background())
	require.Error(t, err)
}

// TestFetchStatus verifies the snapshot endpoint decodes the stats shape.
func TestFetchStatus(t *testing.T) {
	t.Parallel()

	server := newCommandServer(t)
	server.reply("/api/crawler/status", `{
		"crawled": 12, "queued": 4, "indexed": 11, "errors": 1,
		"status": "running", "current_url": "https://example.com/x",
		"recent_urls": [{"url": "https://example.com/x", "title": "X"}]
	}`)
	d := New(server.srv.URL, time.Second, zap.NewNop())

	stats, err := d.FetchStatus(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 12, stats.Crawled)
	require.Equal(t, "running", stats.Status)
	require.Len(t, stats.RecentURLs, 1)
	require.Equal(t, http.MethodGet, server.last(t).Method)
}

// TestFetchSitemap verifies the domain filter rides the query string.
func TestFetchSitemap(t *testing.T) {
	t.Parallel()

	server := newCommandServer(t)
	sitemap := map[string]any{
		"status":  "success",
		"message": "2 urls",
		"sitemap": map[string][]string{"example.com": {"https://example.com/a", "https://example.com/b"}},
	}
	payload, err := json.Marshal(sitemap)
	require.NoError(t, err)
	server.reply("/api/crawler/sitemap", string(payload))
	d := New(server.srv.URL, time.Second, zap.NewNop())

	resp, err := d.FetchSitemap(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, resp.Sitemap["example.com"], 2)
	require.Equal(t, "example.com", server.last(t).Query["domain"])
}
