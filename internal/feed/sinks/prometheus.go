package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/realtime-search/crawler-dashboard/internal/feed"
	"github.com/realtime-search/crawler-dashboard/internal/state"
)

// PrometheusSink exports crawl progress metrics. It owns all collectors for
// the event counters and the phase/progress gauges.
type PrometheusSink struct {
	eventsTotal *prometheus.CounterVec
	phase       *prometheus.GaugeVec
	progress    prometheus.Gauge
	crawled     prometheus.Gauge
	queued      prometheus.Gauge
	indexed     prometheus.Gauge
	errCount    prometheus.Gauge
}

var phases = []state.Phase{
	state.PhaseIdle,
	state.PhaseStarting,
	state.PhaseRunning,
	state.PhaseStopping,
	state.PhaseCompleted,
	state.PhaseError,
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_status_events_total",
			Help: "Status events observed on the stream, partitioned by kind.",
		}, []string{"kind"}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawl_phase",
			Help: "Current crawl phase; exactly one label holds 1.",
		}, []string{"phase"}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_progress_percent",
			Help: "Crawl completion percentage derived from crawled and queued counts.",
		}),
		crawled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_pages_crawled",
			Help: "Pages crawled per the latest snapshot.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_pages_queued",
			Help: "Pages queued per the latest snapshot.",
		}),
		indexed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_pages_indexed",
			Help: "Pages indexed per the latest snapshot.",
		}),
		errCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_errors",
			Help: "Crawl errors per the latest snapshot.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.eventsTotal,
		s.phase,
		s.progress,
		s.crawled,
		s.queued,
		s.indexed,
		s.errCount,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register feed collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch. The gauges always
// reflect the last entry, which carries the newest projection.
func (s *PrometheusSink) Consume(_ context.Context, batch []feed.Entry) error {
	if len(batch) == 0 {
		return nil
	}
	for _, e := range batch {
		s.eventsTotal.WithLabelValues(string(e.Kind)).Inc()
	}
	last := batch[len(batch)-1]
	for _, p := range phases {
		val := 0.0
		if p == last.Phase {
			val = 1
		}
		s.phase.WithLabelValues(string(p)).Set(val)
	}
	s.progress.Set(last.Progress)
	s.crawled.Set(float64(last.Crawled))
	s.queued.Set(float64(last.Queued))
	s.indexed.Set(float64(last.Indexed))
	s.errCount.Set(float64(last.ErrCount))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
