package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
	block   chan struct{}
}

func (s *stubSink) Consume(ctx context.Context, batch []Event) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func (s *stubSink) Total() int {
	n := 0
	for _, b := range s.Batches() {
		n += len(b)
	}
	return n
}

func sampleEvent(stage Stage) Event {
	evt := Event{RunID: "run-1", OwnerID: "owner-1", TS: time.Now().UTC(), Stage: stage}
	if stage == StageRunError {
		evt.Code = "PROCESSING_ERROR"
	}
	return evt
}

func TestHubFlushesBySize(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatch: 2, FlushInterval: time.Minute}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(sampleEvent(StageRunStart))
	hub.Emit(sampleEvent(StageRunDone))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubFlushesByInterval(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{MaxBatch: 10, FlushInterval: 20 * time.Millisecond}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(sampleEvent(StageRunCreated))
	require.Eventually(t, func() bool { return sink.Total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	sink := &stubSink{block: make(chan struct{})}
	hub := NewHub(Config{BufferSize: 1, MaxBatch: 1, FlushInterval: time.Minute, SinkTimeout: time.Second}, sink)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Emit(sampleEvent(StageRunStart))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked")
	}
	close(sink.block)
	require.NoError(t, hub.Close(context.Background()))
}

func TestHubCloseDrainsAndClosesSinks(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{MaxBatch: 100, FlushInterval: time.Hour}, sink)
	for i := 0; i < 5; i++ {
		hub.Emit(sampleEvent(StageRunStart))
	}
	require.NoError(t, hub.Close(context.Background()))
	require.Equal(t, 5, sink.Total())
	require.True(t, sink.closed)

	hub.Emit(sampleEvent(StageRunDone))
	require.NoError(t, hub.Close(context.Background()))
	require.Equal(t, 5, sink.Total())
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{MaxBatch: 1}, sink)
	hub.Emit(Event{Stage: StageRunStart})
	hub.Emit(Event{RunID: "r", TS: time.Now(), Stage: StageRunError})
	require.NoError(t, hub.Close(context.Background()))
	require.Zero(t, sink.Total())
}

func TestNilHubIsSafe(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(sampleEvent(StageRunStart))
	require.NoError(t, hub.Close(context.Background()))
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, sampleEvent(StageRunError).Validate())
	require.Error(t, Event{RunID: "r", TS: time.Now(), Stage: "BOGUS"}.Validate())
	bad := sampleEvent(StageRunDone)
	bad.Dur = -time.Second
	require.Error(t, bad.Validate())
	require.True(t, StageRunError.Terminal())
	require.False(t, StageRunStart.Terminal())
}
