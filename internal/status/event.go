// Package status defines the typed events carried by the crawl status stream.
package status

import (
	"encoding/json"
	"errors"
	"time"
)

// Kind discriminates the status events the crawl service emits.
type Kind string

// Supported event kinds.
const (
	KindWelcome   Kind = "welcome"
	KindConnected Kind = "connected"
	KindStarted   Kind = "started"
	KindCrawling  Kind = "crawling"
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindStopping  Kind = "stopping"
	KindError     Kind = "error"
	KindTest      Kind = "test"
	KindPing      Kind = "ping"
	KindPong      Kind = "pong"
	KindUnknown   Kind = "unknown"
)

// RecentURL is one entry of the most-recent-first crawl feed.
type RecentURL struct {
	URL       string  `json:"url"`
	Title     string  `json:"title"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// IndexStats reports the size of the search index backing the crawl.
type IndexStats struct {
	Documents int64  `json:"documents"`
	Keywords  int64  `json:"keywords"`
	Size      string `json:"size,omitempty"`
}

// StorageStats reports page-store compression figures.
type StorageStats struct {
	OriginalSize   int64   `json:"original_size"`
	CompressedSize int64   `json:"compressed_size"`
	SavingsPercent float64 `json:"savings_percent"`
}

// CrawlStats is the authoritative statistics snapshot. The same shape is sent
// inside Connected events, Progress events, and by the snapshot endpoint.
type CrawlStats struct {
	Crawled           int64         `json:"crawled"`
	Queued            int64         `json:"queued"`
	Indexed           int64         `json:"indexed"`
	Errors            int64         `json:"errors"`
	SkippedDuplicates int64         `json:"skipped_duplicates,omitempty"`
	DomainsCrawled    int64         `json:"domains_crawled,omitempty"`
	RobotsBlocked     int64         `json:"robots_blocked,omitempty"`
	Status            string        `json:"status,omitempty"`
	CurrentURL        string        `json:"current_url,omitempty"`
	Elapsed           float64       `json:"elapsed,omitempty"`
	QueueSize         int64         `json:"queue_size,omitempty"`
	RecentURLs        []RecentURL   `json:"recent_urls,omitempty"`
	Index             *IndexStats   `json:"index_stats,omitempty"`
	Storage           *StorageStats `json:"storage_stats,omitempty"`
}

// Event is one decoded status-stream message.
type Event struct {
	// Kind identifies the variant; exactly the fields that variant carries
	// are populated.
	Kind Kind
	// TS is the wall-clock time the event was decoded.
	TS time.Time
	// URL is set for Started and Crawling events.
	URL string
	// Depth is set for Started events.
	Depth int
	// Message carries human-readable server text (errors, stopping notices).
	Message string
	// Stats is set for Connected, Progress and Completed events.
	Stats *CrawlStats
	// Elapsed is the crawl runtime in seconds for Progress/Completed events.
	Elapsed float64
	// ClientID is the server-assigned id from the Welcome acknowledgment.
	ClientID int64
	// Timestamp is the server-side send time (unix seconds) when present.
	Timestamp float64
	// Received echoes the client timestamp on Pong keepalives.
	Received float64
	// Raw preserves the full payload for Unknown kinds so nothing is lost.
	Raw json.RawMessage
}

// Keepalive reports whether the event belongs to the transport keepalive
// exchange rather than the UI-facing status flow.
func (e Event) Keepalive() bool {
	return e.Kind == KindPing || e.Kind == KindPong
}

// Validate performs coarse validation on decoded events.
func (e Event) Validate() error {
	if e.Kind == "" {
		return errors.New("event kind is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindStarted, KindCrawling:
		if e.URL == "" {
			return errors.New("url is required")
		}
	case KindConnected, KindProgress, KindCompleted:
		if e.Stats == nil {
			return errors.New("stats snapshot is required")
		}
	}
	return nil
}
