package status

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelope mirrors the union of fields the crawl service puts on the wire.
// Status messages are keyed by "status"; keepalives by "type".
type envelope struct {
	Status    string      `json:"status"`
	Type      string      `json:"type"`
	URL       string      `json:"url"`
	Depth     int         `json:"depth"`
	Message   string      `json:"message"`
	Stats     *CrawlStats `json:"stats"`
	Elapsed   float64     `json:"elapsed"`
	ClientID  int64       `json:"clientId"`
	Timestamp float64     `json:"timestamp"`
	Received  float64     `json:"received"`
}

// The service reports several terminal statuses for one logical outcome; the
// crawl either ran out of work or was shut down mid-flight.
var completedStatuses = map[string]struct{}{
	"completed":     {},
	"terminated":    {},
	"force_stopped": {},
}

// Decode classifies one raw inbound payload into an Event. A malformed
// payload returns an error; the caller drops that single message and keeps
// the connection open. Unrecognized discriminators decode to KindUnknown with
// the payload preserved in Raw.
func Decode(raw []byte, now time.Time) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("decode status payload: %w", err)
	}

	evt := Event{
		TS:        now,
		URL:       env.URL,
		Depth:     env.Depth,
		Message:   env.Message,
		Stats:     env.Stats,
		Elapsed:   env.Elapsed,
		ClientID:  env.ClientID,
		Timestamp: env.Timestamp,
		Received:  env.Received,
	}

	// Keepalives carry a "type" discriminator instead of "status". The
	// original service also pings over the status field, so accept both.
	switch env.Type {
	case "ping":
		evt.Kind = KindPing
		return evt, nil
	case "pong":
		evt.Kind = KindPong
		return evt, nil
	}

	switch env.Status {
	case "welcome":
		evt.Kind = KindWelcome
	case "connected":
		evt.Kind = KindConnected
	case "started":
		evt.Kind = KindStarted
	case "crawling":
		evt.Kind = KindCrawling
	case "progress":
		evt.Kind = KindProgress
	case "stopping":
		evt.Kind = KindStopping
	case "error":
		evt.Kind = KindError
	case "test":
		evt.Kind = KindTest
	case "ping":
		evt.Kind = KindPing
	case "pong":
		evt.Kind = KindPong
	case "":
		evt.Kind = KindUnknown
		evt.Raw = append(json.RawMessage(nil), raw...)
	default:
		if _, ok := completedStatuses[env.Status]; ok {
			evt.Kind = KindCompleted
			if evt.Stats == nil {
				evt.Stats = &CrawlStats{Status: env.Status}
			}
			break
		}
		evt.Kind = KindUnknown
		evt.Raw = append(json.RawMessage(nil), raw...)
	}

	// Progress and Completed may arrive without a nested snapshot when the
	// service reports a final state transition only; synthesize an empty one
	// so downstream code can rely on Stats being present.
	if (evt.Kind == KindProgress || evt.Kind == KindConnected) && evt.Stats == nil {
		evt.Stats = &CrawlStats{Status: env.Status}
	}

	return evt, nil
}

// EncodePing builds the outbound keepalive payload. The server echoes the
// timestamp back in its pong so round-trip latency can be measured.
func EncodePing(now time.Time) ([]byte, error) {
	payload := map[string]any{
		"type":      "ping",
		"timestamp": float64(now.UnixNano()) / float64(time.Second),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode ping: %w", err)
	}
	return data, nil
}

// EncodePong answers a server-initiated ping, echoing its timestamp.
func EncodePong(received float64, now time.Time) ([]byte, error) {
	payload := map[string]any{
		"type":      "pong",
		"timestamp": float64(now.UnixNano()) / float64(time.Second),
		"received":  received,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode pong: %w", err)
	}
	return data, nil
}
