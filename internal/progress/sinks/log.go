package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/firescrape/internal/progress"
)

// LogSink writes one structured log line per lifecycle event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("lifecycle")}
}

// Consume logs each event. Failures log at warn so they stand out.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("owner_id", evt.OwnerID),
			zap.String("stage", string(evt.Stage)),
			zap.Time("at", evt.TS),
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Stage == progress.StageRunError {
			fields = append(fields, zap.String("code", evt.Code), zap.String("note", evt.Note))
			s.logger.Warn("run event", fields...)
			continue
		}
		s.logger.Info("run event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
