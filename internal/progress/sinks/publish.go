package sinks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/firescrape/internal/progress"
	"github.com/JakeFAU/firescrape/internal/scrape"
)

// Notification is the payload published when a run reaches a terminal state.
type Notification struct {
	RunID      string           `json:"runId"`
	OwnerID    string           `json:"ownerId"`
	Status     scrape.RunStatus `json:"status"`
	URL        string           `json:"url,omitempty"`
	DurationMs int64            `json:"durationMs"`
	ErrorCode  string           `json:"errorCode,omitempty"`
	Error      string           `json:"error,omitempty"`
	At         time.Time        `json:"at"`
}

// PublishSink forwards terminal lifecycle events to a publisher topic.
// Non-terminal stages are ignored.
type PublishSink struct {
	publisher scrape.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublishSink constructs a PublishSink.
func NewPublishSink(publisher scrape.Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, topic: topic, logger: logger.Named("publish_sink")}
}

// Consume publishes one notification per terminal event. A failed publish is
// logged and skipped so one bad message does not hold back the batch.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s.publisher == nil {
		return nil
	}
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		note := Notification{
			RunID:      evt.RunID,
			OwnerID:    evt.OwnerID,
			Status:     scrape.RunStatusComplete,
			URL:        evt.URL,
			DurationMs: evt.Dur.Milliseconds(),
			At:         evt.TS,
		}
		if evt.Stage == progress.StageRunError {
			note.Status = scrape.RunStatusFailed
			note.ErrorCode = evt.Code
			note.Error = evt.Note
		}
		id, err := s.publisher.Publish(ctx, s.topic, note)
		if err != nil {
			s.logger.Warn("publish run notification", zap.String("run_id", evt.RunID), zap.Error(err))
			continue
		}
		s.logger.Debug("published run notification", zap.String("run_id", evt.RunID), zap.String("message_id", id))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
