package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/realtime-search/crawler-dashboard/internal/feed"
	"github.com/realtime-search/crawler-dashboard/internal/state"
	"github.com/realtime-search/crawler-dashboard/internal/status"
)

// TestPrometheusSinkRecordsMetrics ensures counters and gauges follow the
// consumed batch.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	batch := []feed.Entry{
		{
			ID:    uuid.New(),
			TS:    time.Now(),
			Kind:  status.KindStarted,
			Phase: state.PhaseStarting,
			URL:   "https://example.com",
		},
		{
			ID:       uuid.New(),
			TS:       time.Now().Add(time.Second),
			Kind:     status.KindProgress,
			Phase:    state.PhaseRunning,
			Crawled:  30,
			Queued:   70,
			Indexed:  28,
			ErrCount: 2,
			Progress: 30,
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.eventsTotal.WithLabelValues("started")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.eventsTotal.WithLabelValues("progress")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.phase.WithLabelValues("running")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.phase.WithLabelValues("starting")))
	require.InDelta(t, 30.0, testutil.ToFloat64(sink.progress), 1e-9)
	require.InDelta(t, 30.0, testutil.ToFloat64(sink.crawled), 1e-9)
	require.InDelta(t, 70.0, testutil.ToFloat64(sink.queued), 1e-9)
	require.InDelta(t, 2.0, testutil.ToFloat64(sink.errCount), 1e-9)
}

// TestPrometheusSinkEmptyBatch verifies an empty batch leaves gauges alone.
func TestPrometheusSinkEmptyBatch(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	require.NoError(t, sink.Consume(context.Background(), nil))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.progress))
}

// TestPrometheusSinkDuplicateRegistration verifies the constructor surfaces
// registry conflicts.
func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
