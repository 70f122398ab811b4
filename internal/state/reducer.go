// Package state holds the authoritative client-side view of crawl progress.
// All mutation is funneled through Reducer.Reduce, a pure function of
// (snapshot, event), so any event sequence can be replayed deterministically.
package state

import (
	"github.com/realtime-search/crawler-dashboard/internal/status"
)

// Phase is the derived crawl lifecycle stage. It is never transmitted; it is
// computed solely from the sequence of status events applied so far.
type Phase string

// Crawl phases.
const (
	PhaseIdle      Phase = "idle"
	PhaseStarting  Phase = "starting"
	PhaseRunning   Phase = "running"
	PhaseStopping  Phase = "stopping"
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
)

// Terminal reports whether the phase is a resting state that only a new
// Started event can exit.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError
}

// Snapshot is the reduced projection consumed by the presentation layer.
// Values are plain data; readers receive copies and never mutate in place.
type Snapshot struct {
	Phase        Phase              `json:"phase"`
	Stats        status.CrawlStats  `json:"stats"`
	Recent       []status.RecentURL `json:"recent_urls"`
	Progress     float64            `json:"progress"`
	ElapsedSec   float64            `json:"elapsed"`
	CurrentURL   string             `json:"current_url"`
	LastError    string             `json:"last_error,omitempty"`
	StartEnabled bool               `json:"start_enabled"`
}

// Copy deep-copies the snapshot so reducer outputs and reader views never
// alias shared slices. Recent URLs live only in Recent; Stats.RecentURLs is
// always cleared so the feed is never duplicated inside the counters block.
func (s Snapshot) Copy() Snapshot {
	out := s
	out.Recent = append([]status.RecentURL(nil), s.Recent...)
	out.Stats.RecentURLs = nil
	if s.Stats.Index != nil {
		idx := *s.Stats.Index
		out.Stats.Index = &idx
	}
	if s.Stats.Storage != nil {
		st := *s.Stats.Storage
		out.Stats.Storage = &st
	}
	return out
}

// Reducer applies status events to snapshots.
type Reducer struct {
	recentCapacity int
}

// DefaultRecentCapacity bounds the recently-crawled feed.
const DefaultRecentCapacity = 15

// NewReducer builds a Reducer with the given recent-URL capacity.
func NewReducer(recentCapacity int) *Reducer {
	if recentCapacity <= 0 {
		recentCapacity = DefaultRecentCapacity
	}
	return &Reducer{recentCapacity: recentCapacity}
}

// Initial returns the entry snapshot.
func Initial() Snapshot {
	return Snapshot{Phase: PhaseIdle, StartEnabled: true}
}

// Reduce returns the snapshot after applying evt. Events that do not match a
// legal transition for the current phase leave the snapshot unchanged, which
// makes re-application idempotent. Keepalives and Welcome acknowledgments
// never alter crawl state.
func (r *Reducer) Reduce(s Snapshot, evt status.Event) Snapshot {
	switch evt.Kind {
	case status.KindConnected:
		return r.resync(evt)
	case status.KindStarted:
		if s.Phase == PhaseIdle || s.Phase.Terminal() {
			next := Snapshot{
				Phase:        PhaseStarting,
				CurrentURL:   evt.URL,
				StartEnabled: false,
			}
			return next
		}
	case status.KindCrawling:
		if s.Phase == PhaseStarting || s.Phase == PhaseRunning {
			next := s.Copy()
			next.Phase = PhaseRunning
			next.CurrentURL = evt.URL
			next.Stats.CurrentURL = evt.URL
			next.StartEnabled = false
			return next
		}
	case status.KindProgress:
		if s.Phase == PhaseRunning || s.Phase == PhaseStarting {
			next := r.merge(s, evt)
			next.Phase = PhaseRunning
			next.StartEnabled = false
			return next
		}
	case status.KindStopping:
		if s.Phase == PhaseRunning || s.Phase == PhaseStopping {
			next := s.Copy()
			next.Phase = PhaseStopping
			next.StartEnabled = false
			return next
		}
	case status.KindCompleted:
		if s.Phase == PhaseRunning || s.Phase == PhaseStopping || s.Phase == PhaseStarting {
			next := r.merge(s, evt)
			next.Phase = PhaseCompleted
			next.Progress = 100
			next.StartEnabled = true
			return next
		}
	case status.KindError:
		next := s.Copy()
		next.Phase = PhaseError
		next.LastError = evt.Message
		next.StartEnabled = true
		return next
	}
	return s
}

// resync rebuilds the whole snapshot from the authoritative Connected event.
// Server state replaces local state wholesale; stale deltas are never merged.
func (r *Reducer) resync(evt status.Event) Snapshot {
	stats := status.CrawlStats{}
	if evt.Stats != nil {
		stats = *evt.Stats
	}
	next := Snapshot{
		Phase:      PhaseFromStatus(stats.Status),
		Stats:      stats,
		Recent:     dedupeRecent(nil, stats.RecentURLs, r.recentCapacity),
		ElapsedSec: stats.Elapsed,
		CurrentURL: stats.CurrentURL,
	}
	next.Stats.RecentURLs = nil
	next.Progress = ProgressPercent(stats.Crawled, stats.Queued)
	next.StartEnabled = next.Phase != PhaseRunning && next.Phase != PhaseStarting && next.Phase != PhaseStopping
	return next
}

// merge replaces counters from the event snapshot and folds new recent URLs
// into the bounded feed.
func (r *Reducer) merge(s Snapshot, evt status.Event) Snapshot {
	next := s.Copy()
	if evt.Stats != nil {
		recent := next.Recent
		next.Stats = *evt.Stats
		next.Stats.RecentURLs = nil
		next.Recent = dedupeRecent(recent, evt.Stats.RecentURLs, r.recentCapacity)
		if evt.Stats.CurrentURL != "" {
			next.CurrentURL = evt.Stats.CurrentURL
		}
	}
	if evt.Elapsed > 0 {
		next.ElapsedSec = evt.Elapsed
	} else if evt.Stats != nil && evt.Stats.Elapsed > 0 {
		next.ElapsedSec = evt.Stats.Elapsed
	}
	next.Progress = ProgressPercent(next.Stats.Crawled, next.Stats.Queued)
	return next
}

// ProgressPercent computes 100*crawled/(crawled+queued), defined as 0 when
// both counters are zero and clamped to [0, 100].
func ProgressPercent(crawled, queued int64) float64 {
	total := crawled + queued
	if total < 1 {
		total = 1
	}
	pct := 100 * float64(crawled) / float64(total)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// PhaseFromStatus maps a transmitted snapshot status string onto a Phase.
func PhaseFromStatus(s string) Phase {
	switch s {
	case "running", "crawling":
		return PhaseRunning
	case "starting", "started":
		return PhaseStarting
	case "stopping":
		return PhaseStopping
	case "completed", "terminated", "force_stopped":
		return PhaseCompleted
	case "error":
		return PhaseError
	default:
		return PhaseIdle
	}
}

// dedupeRecent prepends incoming entries (most-recent-first) onto the
// existing feed, deduplicating by URL and capping the result. Re-applying an
// identical batch yields an identical feed.
func dedupeRecent(existing, incoming []status.RecentURL, capacity int) []status.RecentURL {
	out := make([]status.RecentURL, 0, capacity)
	seen := make(map[string]struct{}, capacity)
	for _, lst := range [][]status.RecentURL{incoming, existing} {
		for _, entry := range lst {
			if entry.URL == "" {
				continue
			}
			if _, dup := seen[entry.URL]; dup {
				continue
			}
			seen[entry.URL] = struct{}{}
			out = append(out, entry)
			if len(out) == capacity {
				return out
			}
		}
	}
	return out
}
