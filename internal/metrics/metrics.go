// Package metrics exposes Prometheus collectors for the dashboard client.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	streamConnectsTotal   *prometheus.CounterVec
	livenessTimeoutsTotal prometheus.Counter
	decodeFailuresTotal   prometheus.Counter
	commandsTotal         *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		streamConnectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashboard_stream_connects_total",
				Help: "Status stream connection outcomes, labeled by result.",
			},
			[]string{"result"},
		)

		livenessTimeoutsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dashboard_liveness_timeouts_total",
				Help: "Connections recycled because the link went silent.",
			},
		)

		decodeFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dashboard_decode_failures_total",
				Help: "Inbound status messages dropped as malformed.",
			},
		)

		commandsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashboard_commands_total",
				Help: "Crawl commands issued, labeled by command and result.",
			},
			[]string{"command", "result"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveStreamConnect records a connection outcome (success, closed,
// exhausted).
func ObserveStreamConnect(result string) {
	if streamConnectsTotal == nil {
		return
	}
	streamConnectsTotal.WithLabelValues(result).Inc()
}

// ObserveLivenessTimeout counts a silent-link recycle.
func ObserveLivenessTimeout() {
	if livenessTimeoutsTotal == nil {
		return
	}
	livenessTimeoutsTotal.Inc()
}

// ObserveDecodeFailure counts a dropped malformed message.
func ObserveDecodeFailure() {
	if decodeFailuresTotal == nil {
		return
	}
	decodeFailuresTotal.Inc()
}

// ObserveCommand records a dispatched command and its reply status.
func ObserveCommand(command, result string) {
	if commandsTotal == nil {
		return
	}
	commandsTotal.WithLabelValues(command, result).Inc()
}
