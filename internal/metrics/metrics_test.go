package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	require.NotNil(t, httpRequestsTotal)
	require.NotNil(t, runsTotal)
	require.NotNil(t, externalCallSeconds)
}

func TestObserveRun(t *testing.T) {
	Init()
	before := testutil.ToFloat64(runsTotal.WithLabelValues("FAILED", "TIMEOUT_TEST"))
	ObserveRun("FAILED", "TIMEOUT_TEST")
	require.InDelta(t, before+1, testutil.ToFloat64(runsTotal.WithLabelValues("FAILED", "TIMEOUT_TEST")), 0.001)
}

func TestRunsInFlightGauge(t *testing.T) {
	Init()
	before := testutil.ToFloat64(runsInFlight)
	IncRunsInFlight()
	require.InDelta(t, before+1, testutil.ToFloat64(runsInFlight), 0.001)
	DecRunsInFlight()
	require.InDelta(t, before, testutil.ToFloat64(runsInFlight), 0.001)
}

func TestStreamOpenedReleasesOnce(t *testing.T) {
	Init()
	before := testutil.ToFloat64(openStreams)
	release := StreamOpened()
	require.InDelta(t, before+1, testutil.ToFloat64(openStreams), 0.001)
	release()
	release()
	require.InDelta(t, before, testutil.ToFloat64(openStreams), 0.001)
}

func TestObserveExternalCall(t *testing.T) {
	Init()
	ObserveExternalCall("success", 250*time.Millisecond)
	ObserveRateLimitDelay(10 * time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(externalCallSeconds))
}
