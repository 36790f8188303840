package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/firescrape/internal/scrape"
)

func decodeFrames(t *testing.T, body string) []Event {
	t.Helper()
	var events []Event
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		require.True(t, strings.HasPrefix(line, "data: "), line)
		var evt Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt))
		events = append(events, evt)
	}
	return events
}

func TestWriterHeadersAndSingleComplete(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	require.Equal(t, "keep-alive", rec.Header().Get("Connection"))

	run := scrape.Run{ID: "r1", Status: scrape.RunStatusComplete, Result: &scrape.Result{Markdown: "# Example"}}
	require.NoError(t, w.Send(Connected("r1")))
	require.NoError(t, w.Send(Progress("r1", "Calling Firecrawl API...")))
	require.NoError(t, w.Send(Complete(run)))
	require.ErrorIs(t, w.Send(Complete(run)), ErrClosed)
	require.True(t, w.Completed())

	events := decodeFrames(t, rec.Body.String())
	require.Len(t, events, 3)
	require.Equal(t, EventConnected, events[0].Type)
	require.Equal(t, EventComplete, events[2].Type)
	require.Equal(t, StatusSuccess, events[2].Status)
	require.Equal(t, "# Example", events[2].Result.Markdown)
	require.True(t, strings.HasSuffix(rec.Body.String(), "\n\n"))
	require.True(t, strings.HasPrefix(rec.Body.String(), `data: {"type":"connected"`), rec.Body.String())
}

func TestWriterReleaseStopsWrites(t *testing.T) {
	t.Parallel()

	w, err := NewWriter(httptest.NewRecorder())
	require.NoError(t, err)
	w.Release()
	w.Release()
	require.ErrorIs(t, w.Send(Connected("r1")), ErrClosed)
}

func TestCompleteErrorFrame(t *testing.T) {
	t.Parallel()

	evt := Complete(scrape.Run{ID: "r1", Status: scrape.RunStatusFailed, Error: &scrape.RunError{Message: "Invalid URL", Code: "INVALID_URL"}})
	require.Equal(t, StatusError, evt.Status)
	require.Equal(t, "Invalid URL", evt.Error)
	require.Equal(t, "INVALID_URL", evt.ErrorCode)
	require.Nil(t, evt.Result)
}

func TestMemoryBusFanOut(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus(4, nil)
	ctx := context.Background()
	a, cancelA, err := bus.Subscribe(ctx, "r1")
	require.NoError(t, err)
	b, cancelB, err := bus.Subscribe(ctx, "r1")
	require.NoError(t, err)
	other, cancelOther, err := bus.Subscribe(ctx, "r2")
	require.NoError(t, err)
	defer cancelOther()

	require.NoError(t, bus.Publish(ctx, "r1", Progress("r1", "hello")))
	require.Equal(t, "hello", (<-a).Message)
	require.Equal(t, "hello", (<-b).Message)
	select {
	case <-other:
		t.Fatal("event leaked across runs")
	default:
	}

	cancelA()
	cancelA()
	_, open := <-a
	require.False(t, open)
	require.Equal(t, 1, bus.Subscribers("r1"))
	cancelB()
	require.Zero(t, bus.Subscribers("r1"))
}

func TestMemoryBusDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus(1, nil)
	_, cancel, err := bus.Subscribe(context.Background(), "r1")
	require.NoError(t, err)
	defer cancel()
	require.NoError(t, bus.Publish(context.Background(), "r1", Progress("r1", "1")))
	require.NoError(t, bus.Publish(context.Background(), "r1", Progress("r1", "2")))
	require.Equal(t, int64(1), bus.Dropped())
}

func TestMemoryBusContextCancelReleases(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch, release, err := bus.Subscribe(ctx, "r1")
	require.NoError(t, err)
	defer release()
	cancel()
	require.Eventually(t, func() bool { return bus.Subscribers("r1") == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-ch
	require.False(t, open)

	require.NoError(t, bus.Close())
	_, _, err = bus.Subscribe(context.Background(), "r1")
	require.Error(t, err)
}

func TestRedisBusRoundTrip(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus := NewRedisBus(client, "test:runs", 4, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, release, err := bus.Subscribe(ctx, "r1")
	require.NoError(t, err)
	defer release()

	run := scrape.Run{ID: "r1", Status: scrape.RunStatusComplete, Result: &scrape.Result{Markdown: "# Hi"}}
	require.NoError(t, bus.Publish(ctx, "r1", Complete(run)))

	select {
	case evt := <-ch:
		require.Equal(t, EventComplete, evt.Type)
		require.Equal(t, "# Hi", evt.Result.Markdown)
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	release()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 5*time.Millisecond)
}

func TestNewRedisClientPings(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = NewRedisClient(context.Background(), RedisConfig{})
	require.Error(t, err)
}

func TestChannel(t *testing.T) {
	t.Parallel()

	require.Equal(t, "firescrape:runs:abc", Channel("", "abc"))
	require.Equal(t, "x:abc", Channel("x", "abc"))
}
