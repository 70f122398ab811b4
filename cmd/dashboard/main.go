// Command dashboard runs the crawl status dashboard backend: it mirrors the
// crawl service's status stream into a local projection and exposes it, along
// with crawl commands, over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/realtime-search/crawler-dashboard/internal/api"
	"github.com/realtime-search/crawler-dashboard/internal/commands"
	"github.com/realtime-search/crawler-dashboard/internal/config"
	"github.com/realtime-search/crawler-dashboard/internal/feed"
	"github.com/realtime-search/crawler-dashboard/internal/feed/sinks"
	"github.com/realtime-search/crawler-dashboard/internal/history"
	"github.com/realtime-search/crawler-dashboard/internal/logging"
	"github.com/realtime-search/crawler-dashboard/internal/metrics"
	"github.com/realtime-search/crawler-dashboard/internal/session"
	"github.com/realtime-search/crawler-dashboard/internal/stream"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "dashboard:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics.Init()

	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.Open(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		defer store.Close()
	}

	feedSinks := []feed.Sink{sinks.NewLogSink(logger.Named("feed"))}
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("init prometheus sink: %w", err)
	}
	feedSinks = append(feedSinks, promSink)
	if store != nil {
		feedSinks = append(feedSinks, sinks.NewHistorySink(store))
	}

	hub := feed.NewHub(feed.Config{
		BufferSize:      cfg.Feed.BufferSize,
		MaxBatchEntries: cfg.Feed.MaxBatchEntries,
		MaxBatchWait:    time.Duration(cfg.Feed.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:     time.Duration(cfg.Feed.SinkTimeoutSec) * time.Second,
		Logger:          logger.Named("feed"),
	}, feedSinks...)

	dispatcher := commands.New(cfg.Upstream.BaseURL, cfg.CommandTimeout(), logger.Named("commands"))

	sess := session.New(session.Config{
		Stream: stream.Config{
			URL:              cfg.Upstream.StreamURL,
			HandshakeTimeout: time.Duration(cfg.Stream.HandshakeTimeoutSec) * time.Second,
			Backoff: stream.BackoffPolicy{
				Base:        time.Duration(cfg.Stream.BackoffBaseMs) * time.Millisecond,
				Growth:      cfg.Stream.BackoffGrowth,
				Cap:         time.Duration(cfg.Stream.BackoffCapMs) * time.Millisecond,
				MaxAttempts: cfg.Stream.MaxReconnectAttempts,
			},
			LivenessThreshold: time.Duration(cfg.Stream.LivenessThresholdSec) * time.Second,
			LivenessPoll:      time.Duration(cfg.Stream.LivenessPollSec) * time.Second,
			KeepaliveInterval: time.Duration(cfg.Stream.KeepaliveIntervalSec) * time.Second,
			EventBuffer:       cfg.Stream.EventBuffer,
		},
		RecentCapacity: cfg.State.RecentCapacity,
		Dispatcher:     dispatcher,
		Feed:           hub,
	}, logger.Named("session"))

	startCtx, cancelStart := context.WithTimeout(context.Background(), cfg.CommandTimeout())
	err = sess.Start(startCtx)
	cancelStart()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	server := api.NewServer(sess, dispatcher, store, logger.Named("api"))
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dashboard listening",
			zap.String("addr", cfg.Server.ListenAddr),
			zap.String("upstream", cfg.Upstream.BaseURL),
			zap.String("stream", cfg.Upstream.StreamURL),
		)
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case serveErr := <-errCh:
		logger.Error("http server failed", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := sess.Close(); err != nil {
		logger.Warn("session close failed", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("feed hub close failed", zap.Error(err))
	}

	logger.Info("dashboard stopped")
	return nil
}
