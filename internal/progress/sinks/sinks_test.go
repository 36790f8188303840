package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/firescrape/internal/progress"
	"github.com/JakeFAU/firescrape/internal/publisher/memory"
	"github.com/JakeFAU/firescrape/internal/scrape"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Now().UTC()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: "r1", TS: now, Stage: progress.StageRunStart, URL: "https://example.com"},
		{RunID: "r1", TS: now, Stage: progress.StageRunError, Code: "PROCESSING_ERROR", Note: "boom"},
	}))
	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zap.InfoLevel, entries[0].Level)
	require.Equal(t, zap.WarnLevel, entries[1].Level)
	require.Equal(t, "PROCESSING_ERROR", entries[1].ContextMap()["code"])
}

func TestPublishSinkForwardsTerminalEvents(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublishSink(pub, "runs", nil)
	now := time.Now().UTC()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: "r1", OwnerID: "o", TS: now, Stage: progress.StageRunStart},
		{RunID: "r1", OwnerID: "o", TS: now, Stage: progress.StageRunDone, Dur: 1500 * time.Millisecond},
		{RunID: "r2", OwnerID: "o", TS: now, Stage: progress.StageRunError, Code: "INVALID_URL", Note: "bad"},
	}))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "runs", msgs[0].Topic)
	first := msgs[0].Payload.(Notification)
	require.Equal(t, scrape.RunStatusComplete, first.Status)
	require.Equal(t, int64(1500), first.DurationMs)
	second := msgs[1].Payload.(Notification)
	require.Equal(t, scrape.RunStatusFailed, second.Status)
	require.Equal(t, "INVALID_URL", second.ErrorCode)
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, string, any) (string, error) {
	f.calls++
	return "", errors.New("unavailable")
}

func TestPublishSinkContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	pub := &failingPublisher{}
	sink := NewPublishSink(pub, "runs", nil)
	now := time.Now().UTC()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: "r1", TS: now, Stage: progress.StageRunDone},
		{RunID: "r2", TS: now, Stage: progress.StageRunDone},
	}))
	require.Equal(t, 2, pub.calls)
}
