// Package sinks provides feed.Sink implementations for the observability feed.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/realtime-search/crawler-dashboard/internal/feed"
)

// LogSink emits structured logs for the status feed. It is the default
// observability surface during development.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each entry in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []feed.Entry) error {
	for _, e := range batch {
		s.logger.Info("crawl status event",
			zap.String("kind", string(e.Kind)),
			zap.String("phase", string(e.Phase)),
			zap.Uint64("generation", e.Generation),
			zap.String("url", e.URL),
			zap.String("message", e.Message),
			zap.Int64("crawled", e.Crawled),
			zap.Int64("queued", e.Queued),
			zap.Float64("progress", e.Progress),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
