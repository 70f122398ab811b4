// Package api exposes the dashboard's local HTTP surface: the reduced crawl
// state, the persisted event feed, and pass-through crawl commands.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/realtime-search/crawler-dashboard/internal/commands"
	"github.com/realtime-search/crawler-dashboard/internal/history"
	"github.com/realtime-search/crawler-dashboard/internal/metrics"
	"github.com/realtime-search/crawler-dashboard/internal/session"
)

const defaultFeedLimit = 50

// Server wires HTTP handlers to the session, dispatcher, and history store.
type Server struct {
	router     chi.Router
	session    *session.Session
	dispatcher *commands.Dispatcher
	store      *history.Store
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The history store
// may be nil when journaling is disabled.
func NewServer(
	sess *session.Session,
	dispatcher *commands.Dispatcher,
	store *history.Store,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		session:    sess,
		dispatcher: dispatcher,
		store:      store,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.getState)
		r.Get("/feed/recent", s.getRecentFeed)

		r.Post("/crawl", s.startCrawl)
		r.Route("/crawler", func(r chi.Router) {
			r.Post("/resume", s.resumeCrawl)
			r.Post("/stop", s.stopCrawl)
			r.Post("/test", s.sendTest)
			r.Get("/status", s.getUpstreamStatus)
			r.Get("/sitemap", s.getSitemap)
		})

		r.Post("/save_index", s.command("save_index", func(ctx context.Context, _ *http.Request) (commands.Response, error) {
			return s.dispatcher.SaveIndex(ctx)
		}))
		r.Post("/load_index", s.command("load_index", func(ctx context.Context, _ *http.Request) (commands.Response, error) {
			return s.dispatcher.LoadIndex(ctx)
		}))
		r.Post("/clear_index", s.command("clear_index", func(ctx context.Context, _ *http.Request) (commands.Response, error) {
			return s.dispatcher.ClearIndex(ctx)
		}))
		r.Post("/cache/clear", s.command("cache_clear", func(ctx context.Context, r *http.Request) (commands.Response, error) {
			all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
			return s.dispatcher.ClearCache(ctx, all)
		}))

		r.Post("/stream/reconnect", s.reconnectStream)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	// Ready once the session loop exists; the stream itself may still be
	// reconnecting, which the state endpoint reports.
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, s.session.Overview())
}

func (s *Server) getRecentFeed(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(s.logger, w, http.StatusNotFound, "event history disabled")
		return
	}
	limit := defaultFeedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(s.logger, w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "fetch feed history failed")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"entries": records})
}

type crawlRequest struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
	Force bool   `json:"force"`
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(s.logger, w, http.StatusBadRequest, "url required")
		return
	}
	if req.Depth <= 0 {
		req.Depth = 2
	}
	resp, err := s.dispatcher.StartCrawl(r.Context(), req.URL, req.Depth, req.Force)
	s.writeCommandReply(w, resp, err)
}

type resumeRequest struct {
	Depth int `json:"depth"`
}

func (s *Server) resumeCrawl(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Depth <= 0 {
		req.Depth = 2
	}
	resp, err := s.dispatcher.Resume(r.Context(), req.Depth)
	s.writeCommandReply(w, resp, err)
}

func (s *Server) stopCrawl(w http.ResponseWriter, r *http.Request) {
	resp, err := s.dispatcher.Stop(r.Context())
	s.writeCommandReply(w, resp, err)
}

func (s *Server) sendTest(w http.ResponseWriter, r *http.Request) {
	resp, err := s.dispatcher.SendTest(r.Context())
	s.writeCommandReply(w, resp, err)
}

func (s *Server) getUpstreamStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.dispatcher.FetchStatus(r.Context())
	if err != nil {
		writeError(s.logger, w, http.StatusBadGateway, "crawl service unreachable")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, stats)
}

func (s *Server) getSitemap(w http.ResponseWriter, r *http.Request) {
	resp, err := s.dispatcher.FetchSitemap(r.Context(), r.URL.Query().Get("domain"))
	if err != nil {
		writeError(s.logger, w, http.StatusBadGateway, "crawl service unreachable")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, resp)
}

func (s *Server) reconnectStream(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Reconnect(r.Context()); err != nil {
		writeError(s.logger, w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}

// command adapts a dispatcher call into a handler with the shared reply shape.
func (s *Server) command(name string, fn func(context.Context, *http.Request) (commands.Response, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := fn(r.Context(), r)
		if err != nil {
			s.logger.Warn("command failed", zap.String("command", name), zap.Error(err))
		}
		s.writeCommandReply(w, resp, err)
	}
}

// writeCommandReply maps a dispatcher result onto HTTP. Transport failures are
// gateway errors; application-level "error" replies pass through verbatim so
// the operator sees the service's own message.
func (s *Server) writeCommandReply(w http.ResponseWriter, resp commands.Response, err error) {
	if err != nil {
		writeError(s.logger, w, http.StatusBadGateway, "crawl service unreachable")
		return
	}
	code := http.StatusOK
	if resp.Status == "error" {
		code = http.StatusConflict
	}
	writeJSON(s.logger, w, code, resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestIDFrom(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(logger, w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
