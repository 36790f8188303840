// Package metrics exposes Prometheus collectors for the firescrape service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	runsTotal                  *prometheus.CounterVec
	runsInFlight               prometheus.Gauge
	externalCallSeconds        *prometheus.HistogramVec
	rateLimitDelaySeconds      prometheus.Histogram
	openStreams                prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "firescrape_runs_total",
				Help: "Runs that reached a terminal state, labeled by status and error code.",
			},
			[]string{"status", "code"},
		)

		runsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "firescrape_runs_in_flight",
				Help: "Runs currently in PROCESSING on this replica.",
			},
		)

		externalCallSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "firescrape_external_call_seconds",
				Help:    "Latency of the Firecrawl scrape call, labeled by outcome.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "firescrape_rate_limit_delay_seconds",
				Help:    "Histogram of per-owner rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		openStreams = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "firescrape_open_streams",
				Help: "Number of SSE status streams currently open.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRun counts a terminal run. code is empty for successful runs.
func ObserveRun(status, code string) {
	Init()
	runsTotal.WithLabelValues(status, code).Inc()
}

// IncRunsInFlight increments the in-flight gauge.
func IncRunsInFlight() {
	Init()
	runsInFlight.Inc()
}

// DecRunsInFlight decrements the in-flight gauge.
func DecRunsInFlight() {
	Init()
	runsInFlight.Dec()
}

// ObserveExternalCall records the latency of one Firecrawl call.
func ObserveExternalCall(outcome string, duration time.Duration) {
	Init()
	externalCallSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// StreamOpened increments the open streams gauge and returns its release func.
func StreamOpened() func() {
	Init()
	openStreams.Inc()
	var release sync.Once
	return func() {
		release.Do(openStreams.Dec)
	}
}
