package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/firescrape/internal/progress"
)

// PrometheusSink derives lifecycle counters from progress events.
type PrometheusSink struct {
	runsCreated  prometheus.Counter
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "firescrape_lifecycle_runs_created_total",
			Help: "Runs accepted by the API.",
		}),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "firescrape_lifecycle_runs_started_total",
			Help: "Runs claimed for dispatch.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firescrape_lifecycle_runs_finished_total",
			Help: "Runs that reached a terminal state, partitioned by result.",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "firescrape_lifecycle_run_duration_seconds",
			Help:    "Start-to-finish wall time per run.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"result"}),
	}
	for _, collector := range []prometheus.Collector{s.runsCreated, s.runsStarted, s.runsFinished, s.runDuration} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register lifecycle collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunCreated:
			s.runsCreated.Inc()
		case progress.StageRunStart:
			s.runsStarted.Inc()
		case progress.StageRunDone:
			s.finish("success", evt)
		case progress.StageRunError:
			s.finish("error", evt)
		}
	}
	return nil
}

func (s *PrometheusSink) finish(result string, evt progress.Event) {
	s.runsFinished.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
