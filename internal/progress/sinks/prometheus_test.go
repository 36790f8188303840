package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/firescrape/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now().UTC()
	batch := []progress.Event{
		{RunID: "r1", TS: now, Stage: progress.StageRunCreated},
		{RunID: "r1", TS: now, Stage: progress.StageRunStart},
		{RunID: "r1", TS: now, Stage: progress.StageRunDone, Dur: 2 * time.Second},
		{RunID: "r2", TS: now, Stage: progress.StageRunError, Code: "TIMEOUT"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.runsCreated), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.runsStarted), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.runsFinished.WithLabelValues("success")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.runsFinished.WithLabelValues("error")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "firescrape_lifecycle_run_duration_seconds"))

	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
