package sinks

import (
	"context"

	"github.com/realtime-search/crawler-dashboard/internal/feed"
	"github.com/realtime-search/crawler-dashboard/internal/history"
)

// HistorySink persists feed entries through the history journal.
type HistorySink struct {
	store *history.Store
}

// NewHistorySink constructs a HistorySink for the provided store.
func NewHistorySink(store *history.Store) *HistorySink {
	return &HistorySink{store: store}
}

// Consume converts the batch into history records and appends them. It
// respects ctx deadlines and returns store errors verbatim.
func (s *HistorySink) Consume(ctx context.Context, batch []feed.Entry) error {
	if s == nil || s.store == nil {
		return nil
	}
	records := make([]history.Record, 0, len(batch))
	for _, e := range batch {
		records = append(records, history.Record{
			ID:         e.ID.String(),
			TS:         e.TS,
			Generation: e.Generation,
			Kind:       string(e.Kind),
			Phase:      string(e.Phase),
			URL:        e.URL,
			Message:    e.Message,
			Crawled:    e.Crawled,
			Queued:     e.Queued,
			Indexed:    e.Indexed,
			Errors:     e.ErrCount,
			Progress:   e.Progress,
		})
	}
	return s.store.Append(ctx, records)
}

// Close implements the Sink interface; the store is owned by the caller.
func (s *HistorySink) Close(context.Context) error {
	return nil
}
