// Package feed fans decoded status events out to observability sinks.
package feed

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/realtime-search/crawler-dashboard/internal/state"
	"github.com/realtime-search/crawler-dashboard/internal/status"
)

// Entry is one observability record: a status event plus the projection it
// produced. Keepalives never become entries.
type Entry struct {
	// ID uniquely identifies the record for downstream stores.
	ID uuid.UUID
	// TS is when the event was applied.
	TS time.Time
	// Generation identifies the connection that delivered the event.
	Generation uint64
	// Kind is the event discriminator.
	Kind status.Kind
	// Phase is the derived crawl phase after applying the event.
	Phase state.Phase
	// URL is the subject URL, when the event carries one.
	URL string
	// Message is the server-provided text, when present.
	Message string
	// Counters snapshot the projection at the time of the event.
	Crawled  int64
	Queued   int64
	Indexed  int64
	ErrCount int64
	Progress float64
}

// Validate performs coarse validation on entries.
func (e Entry) Validate() error {
	if e.Kind == "" {
		return errors.New("entry kind is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

// FromEvent builds an Entry for evt and the snapshot it reduced to.
func FromEvent(evt status.Event, gen uint64, snap state.Snapshot) Entry {
	e := Entry{
		ID:         uuid.New(),
		TS:         evt.TS,
		Generation: gen,
		Kind:       evt.Kind,
		Phase:      snap.Phase,
		URL:        evt.URL,
		Message:    evt.Message,
		Crawled:    snap.Stats.Crawled,
		Queued:     snap.Stats.Queued,
		Indexed:    snap.Stats.Indexed,
		ErrCount:   snap.Stats.Errors,
		Progress:   snap.Progress,
	}
	if e.URL == "" {
		e.URL = snap.CurrentURL
	}
	return e
}
