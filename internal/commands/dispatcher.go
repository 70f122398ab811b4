// Package commands issues operator commands to the crawl service over HTTP.
// Commands are decoupled from the status stream: a command reply never
// mutates crawl state, which only changes via stream events.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/realtime-search/crawler-dashboard/internal/metrics"
	"github.com/realtime-search/crawler-dashboard/internal/status"
)

// Command endpoints exposed by the crawl service.
const (
	pathCrawlStart    = "/api/crawl"
	pathCrawlResume   = "/api/crawler/resume"
	pathCrawlStop     = "/api/crawler/stop"
	pathCrawlTest     = "/api/crawler/test"
	pathCrawlStatus   = "/api/crawler/status"
	pathCrawlSitemap  = "/api/crawler/sitemap"
	pathIndexSave     = "/api/save_index"
	pathIndexLoad     = "/api/load_index"
	pathIndexClear    = "/api/clear_index"
	pathCacheClear    = "/api/cache/clear"
	defaultCmdTimeout = 15 * time.Second
)

// Response is the structured reply every command returns.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Err converts an application-level error reply into a Go error. Transport
// success with status "error" is the server telling the operator something;
// it is surfaced, not retried.
func (r Response) Err() error {
	if r.Status == "error" {
		return fmt.Errorf("crawl service: %s", r.Message)
	}
	return nil
}

// Dispatcher translates user actions into outbound requests. Each command
// issues exactly one request and awaits exactly one structured response.
type Dispatcher struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New constructs a Dispatcher for the crawl service at baseURL. The limiter
// guards against accidental command floods from double-submitted UI actions.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultCmdTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		logger:  logger,
	}
}

// StartCrawl requests a new crawl of url to the given depth.
func (d *Dispatcher) StartCrawl(ctx context.Context, crawlURL string, depth int, forceRecrawl bool) (Response, error) {
	form := url.Values{
		"url":   {crawlURL},
		"depth": {strconv.Itoa(depth)},
		"force": {strconv.FormatBool(forceRecrawl)},
	}
	return d.post(ctx, "crawl_start", pathCrawlStart, form)
}

// Resume continues a previously stopped crawl from saved state.
func (d *Dispatcher) Resume(ctx context.Context, depth int) (Response, error) {
	form := url.Values{"depth": {strconv.Itoa(depth)}}
	return d.post(ctx, "crawl_resume", pathCrawlResume, form)
}

// Stop halts the running crawl, preserving state for Resume.
func (d *Dispatcher) Stop(ctx context.Context) (Response, error) {
	return d.post(ctx, "crawl_stop", pathCrawlStop, url.Values{})
}

// SendTest asks the service to emit a test message on the status stream.
func (d *Dispatcher) SendTest(ctx context.Context) (Response, error) {
	return d.post(ctx, "crawl_test", pathCrawlTest, url.Values{})
}

// SaveIndex persists the search index on the service side.
func (d *Dispatcher) SaveIndex(ctx context.Context) (Response, error) {
	return d.post(ctx, "index_save", pathIndexSave, url.Values{})
}

// LoadIndex restores the search index from its saved form.
func (d *Dispatcher) LoadIndex(ctx context.Context) (Response, error) {
	return d.post(ctx, "index_load", pathIndexLoad, url.Values{})
}

// ClearIndex empties the search index.
func (d *Dispatcher) ClearIndex(ctx context.Context) (Response, error) {
	return d.post(ctx, "index_clear", pathIndexClear, url.Values{})
}

// ClearCache removes cache entries; all=false clears only expired ones.
func (d *Dispatcher) ClearCache(ctx context.Context, all bool) (Response, error) {
	form := url.Values{"all": {strconv.FormatBool(all)}}
	return d.post(ctx, "cache_clear", pathCacheClear, form)
}

// FetchStatus retrieves the authoritative stats snapshot. It serves the
// initial page load before any stream connection exists and returns the same
// shape carried by Connected events.
func (d *Dispatcher) FetchStatus(ctx context.Context) (status.CrawlStats, error) {
	var stats status.CrawlStats
	if err := d.getJSON(ctx, pathCrawlStatus, nil, &stats); err != nil {
		return status.CrawlStats{}, err
	}
	return stats, nil
}

// SitemapResponse is the reply of the sitemap endpoint.
type SitemapResponse struct {
	Status  string              `json:"status"`
	Message string              `json:"message"`
	Sitemap map[string][]string `json:"sitemap"`
}

// FetchSitemap lists crawled URLs grouped by domain, optionally filtered.
func (d *Dispatcher) FetchSitemap(ctx context.Context, domain string) (SitemapResponse, error) {
	query := url.Values{}
	if domain != "" {
		query.Set("domain", domain)
	}
	var out SitemapResponse
	if err := d.getJSON(ctx, pathCrawlSitemap, query, &out); err != nil {
		return SitemapResponse{}, err
	}
	return out, nil
}

func (d *Dispatcher) post(ctx context.Context, name, path string, form url.Values) (Response, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("command throttle: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return Response{}, fmt.Errorf("build %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.ObserveCommand(name, "transport_error")
		return Response{}, fmt.Errorf("%s request: %w", name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, fmt.Errorf("read %s response: %w", name, err)
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		metrics.ObserveCommand(name, "protocol_error")
		return Response{}, fmt.Errorf("decode %s response: %w", name, err)
	}

	metrics.ObserveCommand(name, out.Status)
	if out.Status == "error" {
		d.logger.Warn("command rejected by crawl service",
			zap.String("command", name),
			zap.String("message", out.Message),
		)
	} else {
		d.logger.Info("command dispatched",
			zap.String("command", name),
			zap.String("message", out.Message),
		)
	}
	return out, nil
}

func (d *Dispatcher) getJSON(ctx context.Context, path string, query url.Values, dest any) error {
	target := d.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
