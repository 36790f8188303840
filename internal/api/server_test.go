package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/firescrape/internal/auth"
	"github.com/JakeFAU/firescrape/internal/clock/system"
	"github.com/JakeFAU/firescrape/internal/dispatcher"
	"github.com/JakeFAU/firescrape/internal/id/uuid"
	"github.com/JakeFAU/firescrape/internal/scrape"
	"github.com/JakeFAU/firescrape/internal/storage/memory"
	"github.com/JakeFAU/firescrape/internal/stream"
)

type fakeScraper struct {
	calls atomic.Int64
	fn    func(ctx context.Context, p scrape.Params) (scrape.Result, error)
}

func (f *fakeScraper) Scrape(ctx context.Context, p scrape.Params) (scrape.Result, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, p)
	}
	return scrape.Result{Markdown: "# Hello", HTML: "<h1>Hello</h1>"}, nil
}

type testEnv struct {
	server  *Server
	store   *memory.RunStore
	bus     *stream.MemoryBus
	scraper *fakeScraper
}

func newTestEnv(t *testing.T, scraper *fakeScraper, ready func(context.Context) error) testEnv {
	t.Helper()
	if scraper == nil {
		scraper = &fakeScraper{}
	}
	store := memory.NewRunStore(uuid.New(), system.New())
	bus := stream.NewMemoryBus(16, nil)
	t.Cleanup(func() { _ = bus.Close() })
	d, err := dispatcher.New(dispatcher.Config{DefaultTimeout: time.Second}, dispatcher.Deps{
		Store:   store,
		Scraper: scraper,
		Clock:   system.New(),
		Bus:     bus,
	})
	require.NoError(t, err)
	authn, err := auth.New(auth.Config{Mode: auth.ModeHeader})
	require.NoError(t, err)
	srv, err := NewServer(Deps{
		Store:      store,
		Dispatcher: d,
		Auth:       authn,
		Bus:        bus,
		Ready:      ready,
	}, Options{
		Limits:              scrape.Limits{MaxTimeoutMs: 60000},
		ObservePollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	return testEnv{server: srv, store: store, bus: bus, scraper: scraper}
}

func do(t *testing.T, h http.Handler, method, target, owner, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if owner != "" {
		req.Header.Set(auth.DefaultOwnerHeader, owner)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func readFrames(t *testing.T, body string) []stream.Event {
	t.Helper()
	var out []stream.Event
	for _, chunk := range strings.Split(body, "\n\n") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		require.True(t, strings.HasPrefix(chunk, "data: "), chunk)
		var evt stream.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(chunk, "data: ")), &evt))
		out = append(out, evt)
	}
	return out
}

func frameTypes(events []stream.Event) []stream.EventType {
	out := make([]stream.EventType, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.Type)
	}
	return out
}

func createRun(t *testing.T, env testEnv, owner string) string {
	t.Helper()
	rec := do(t, env.server.Handler(), http.MethodPost, "/v1/runs", owner, `{"url":"https://example.com","formats":["markdown"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp createRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, scrape.RunStatusPending, resp.Status)
	return resp.ID
}

func TestNewServerRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Deps{}, Options{})
	require.Error(t, err)
}

func TestCreateRun(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil)
	id := createRun(t, env, "alice")
	run, err := env.store.GetRun(context.Background(), "alice", id)
	require.NoError(t, err)
	require.Equal(t, []scrape.Format{scrape.FormatMarkdown}, run.Formats)
	require.Zero(t, env.scraper.calls.Load(), "creating a run does not dispatch it")
}

func TestCreateRunRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil)
	h := env.server.Handler()

	rec := do(t, h, http.MethodPost, "/v1/runs", "alice", `{invalid`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/runs", "alice", `{"url":"ftp://example.com"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), `"field":"url"`)

	rec = do(t, h, http.MethodPost, "/v1/runs", "alice", `{"url":"https://example.com","formats":["pdf"]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/runs", "alice", `{"url":"https://example.com","options":{"timeout":999999}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	runs, err := env.store.ListRuns(context.Background(), "alice", scrape.ListFilter{})
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestRunsRequireIdentity(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil)
	h := env.server.Handler()
	require.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/v1/runs", "", `{"url":"https://example.com"}`).Code)
	require.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v1/runs", "", "").Code)
	require.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v1/runs/abc/stream", "", "").Code)
}

func TestGetRunIsOwnerScoped(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil)
	h := env.server.Handler()
	id := createRun(t, env, "alice")

	rec := do(t, h, http.MethodGet, "/v1/runs/"+id, "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Run scrape.Run `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, id, resp.Run.ID)
	require.Equal(t, scrape.RunStatusPending, resp.Run.Status)

	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/runs/"+id, "mallory", "").Code)
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/runs/missing", "alice", "").Code)
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil)
	h := env.server.Handler()
	first := createRun(t, env, "alice")
	createRun(t, env, "alice")
	createRun(t, env, "bob")
	_, err := env.store.TransitionToProcessing(context.Background(), first, time.Now().UTC())
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/v1/runs", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Runs []scrape.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, 2)

	rec = do(t, h, http.MethodGet, "/v1/runs?status=processing&sort=asc", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp.Runs = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, 1)
	require.Equal(t, first, resp.Runs[0].ID)

	rec = do(t, h, http.MethodGet, "/v1/runs", "carol", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"runs":[]}`, rec.Body.String())

	for _, q := range []string{"status=bogus", "limit=0", "offset=-1", "from=yesterday", "sort=sideways"} {
		require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/runs?"+q, "alice", "").Code, q)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil)
	h := env.server.Handler()
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "", "").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "", "").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", "", "").Code)

	down := newTestEnv(t, nil, func(context.Context) error { return errors.New("db down") })
	require.Equal(t, http.StatusServiceUnavailable, do(t, down.server.Handler(), http.MethodGet, "/readyz", "", "").Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	require.NotPanics(t, func() { h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil)) })
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil)
	rec := do(t, env.server.Handler(), http.MethodGet, "/healthz", "", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

func TestStreamDrivesPendingRun(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil)
	id := createRun(t, env, "alice")

	rec := do(t, env.server.Handler(), http.MethodGet, "/v1/runs/"+id+"/stream", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	require.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	frames := readFrames(t, rec.Body.String())
	require.Equal(t, []stream.EventType{
		stream.EventConnected,
		stream.EventStatus,
		stream.EventProgress,
		stream.EventProgress,
		stream.EventComplete,
	}, frameTypes(frames))
	require.Equal(t, id, frames[0].RunID)
	require.Equal(t, stream.StatusProcessing, frames[1].Status)
	last := frames[len(frames)-1]
	require.Equal(t, stream.StatusSuccess, last.Status)
	require.Equal(t, "# Hello", last.Result.Markdown)
	require.Empty(t, last.Result.HTML)

	run, err := env.store.GetRun(context.Background(), "alice", id)
	require.NoError(t, err)
	require.Equal(t, scrape.RunStatusComplete, run.Status)
}

func TestStreamFailedRunReportsError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeScraper{fn: func(context.Context, scrape.Params) (scrape.Result, error) {
		return scrape.Result{}, errors.New("connection reset")
	}}, nil)
	id := createRun(t, env, "alice")

	frames := readFrames(t, do(t, env.server.Handler(), http.MethodGet, "/v1/runs/"+id+"/stream", "alice", "").Body.String())
	last := frames[len(frames)-1]
	require.Equal(t, stream.EventComplete, last.Type)
	require.Equal(t, stream.StatusError, last.Status)
	require.Equal(t, scrape.ErrorCodeProcessing, last.ErrorCode)
	require.Contains(t, last.Error, "connection reset")
}

func TestStreamTerminalRunReplaysComplete(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil)
	id := createRun(t, env, "alice")
	h := env.server.Handler()
	do(t, h, http.MethodGet, "/v1/runs/"+id+"/stream", "alice", "")

	frames := readFrames(t, do(t, h, http.MethodGet, "/v1/runs/"+id+"/stream", "alice", "").Body.String())
	require.Equal(t, []stream.EventType{stream.EventConnected, stream.EventComplete}, frameTypes(frames))
	require.EqualValues(t, 1, env.scraper.calls.Load())
}

func TestStreamNotFoundBeforeStreaming(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil)
	id := createRun(t, env, "alice")
	rec := do(t, env.server.Handler(), http.MethodGet, "/v1/runs/"+id+"/stream", "mallory", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Zero(t, env.scraper.calls.Load())
}

func openStream(t *testing.T, srv *httptest.Server, id, owner string) (*bufio.Reader, func()) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/runs/"+id+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set(auth.DefaultOwnerHeader, owner)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return bufio.NewReader(resp.Body), func() { _ = resp.Body.Close() }
}

func nextFrame(t *testing.T, r *bufio.Reader) stream.Event {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var evt stream.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &evt))
		return evt
	}
}

func TestStreamObservesProcessingRunViaStore(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil)
	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)
	id := createRun(t, env, "alice")
	startedAt := time.Now().UTC().Truncate(time.Millisecond)
	_, err := env.store.TransitionToProcessing(context.Background(), id, startedAt)
	require.NoError(t, err)

	r, closeBody := openStream(t, srv, id, "alice")
	defer closeBody()
	require.Equal(t, stream.EventConnected, nextFrame(t, r).Type)
	status := nextFrame(t, r)
	require.Equal(t, stream.EventStatus, status.Type)
	require.Equal(t, stream.StatusProcessing, status.Status)

	_, err = env.store.RecordFailure(context.Background(), id, "upstream unavailable", "SCRAPE_FAILED", startedAt)
	require.NoError(t, err)

	done := nextFrame(t, r)
	require.Equal(t, stream.EventComplete, done.Type)
	require.Equal(t, "SCRAPE_FAILED", done.ErrorCode)
	require.Zero(t, env.scraper.calls.Load(), "observers never dispatch")
}

func TestStreamObserverRelaysBusEvents(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	env := newTestEnv(t, &fakeScraper{fn: func(ctx context.Context, _ scrape.Params) (scrape.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return scrape.Result{}, ctx.Err()
		}
		return scrape.Result{Markdown: "# Shared"}, nil
	}}, nil)
	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)
	id := createRun(t, env, "alice")

	driver, closeDriver := openStream(t, srv, id, "alice")
	defer closeDriver()
	require.Equal(t, stream.EventConnected, nextFrame(t, driver).Type)
	require.Equal(t, stream.EventStatus, nextFrame(t, driver).Type)
	require.Eventually(t, func() bool { return env.scraper.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	observer, closeObserver := openStream(t, srv, id, "alice")
	defer closeObserver()
	require.Equal(t, stream.EventConnected, nextFrame(t, observer).Type)
	require.Equal(t, stream.EventStatus, nextFrame(t, observer).Type)
	require.Eventually(t, func() bool { return env.bus.Subscribers(id) == 1 }, time.Second, 5*time.Millisecond)

	close(release)

	for _, r := range []*bufio.Reader{driver, observer} {
		for {
			evt := nextFrame(t, r)
			if evt.Terminal() {
				require.Equal(t, stream.StatusSuccess, evt.Status)
				require.Equal(t, "# Shared", evt.Result.Markdown)
				break
			}
		}
	}
	require.EqualValues(t, 1, env.scraper.calls.Load())
}

type brokenDispatcher struct {
	err error
}

func (b brokenDispatcher) Dispatch(_ context.Context, _, runID string, emit dispatcher.EmitFunc) (scrape.Run, error) {
	emit(stream.Event{Type: stream.EventStatus, RunID: runID, Status: stream.StatusProcessing})
	return scrape.Run{}, b.err
}

func TestStreamDispatchErrorSendsInternalFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil)
	id := createRun(t, env, "alice")
	authn, err := auth.New(auth.Config{Mode: auth.ModeHeader})
	require.NoError(t, err)
	srv, err := NewServer(Deps{
		Store:      env.store,
		Dispatcher: brokenDispatcher{err: errors.New("record failure: connection refused")},
		Auth:       authn,
	}, Options{Limits: scrape.Limits{MaxTimeoutMs: 60000}})
	require.NoError(t, err)

	rec := do(t, srv.Handler(), http.MethodGet, "/v1/runs/"+id+"/stream", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	frames := readFrames(t, rec.Body.String())
	require.Equal(t, []stream.EventType{
		stream.EventConnected,
		stream.EventStatus,
		stream.EventComplete,
	}, frameTypes(frames))
	last := frames[len(frames)-1]
	require.Equal(t, stream.StatusError, last.Status)
	require.Equal(t, "internal error", last.Error)
	require.Equal(t, scrape.ErrorCodeProcessing, last.ErrorCode)
	require.NotContains(t, rec.Body.String(), "connection refused")
}

type resultRejectingStore struct {
	*memory.RunStore
}

func (resultRejectingStore) RecordSuccess(context.Context, string, scrape.Result, time.Time) (scrape.Run, error) {
	return scrape.Run{}, errors.New("unsupported Unicode escape sequence")
}

func TestStreamRejectedResultEndsFailed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil)
	store := resultRejectingStore{RunStore: env.store}
	d, err := dispatcher.New(dispatcher.Config{DefaultTimeout: time.Second}, dispatcher.Deps{
		Store:   store,
		Scraper: env.scraper,
		Clock:   system.New(),
	})
	require.NoError(t, err)
	authn, err := auth.New(auth.Config{Mode: auth.ModeHeader})
	require.NoError(t, err)
	srv, err := NewServer(Deps{Store: store, Dispatcher: d, Auth: authn}, Options{
		Limits:              scrape.Limits{MaxTimeoutMs: 60000},
		ObservePollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	id := createRun(t, env, "alice")

	frames := readFrames(t, do(t, srv.Handler(), http.MethodGet, "/v1/runs/"+id+"/stream", "alice", "").Body.String())
	last := frames[len(frames)-1]
	require.Equal(t, stream.EventComplete, last.Type)
	require.Equal(t, stream.StatusError, last.Status)
	require.Equal(t, scrape.ErrorCodeProcessing, last.ErrorCode)

	// A reconnecting client sees the recorded failure instead of waiting forever.
	frames = readFrames(t, do(t, srv.Handler(), http.MethodGet, "/v1/runs/"+id+"/stream", "alice", "").Body.String())
	require.Equal(t, []stream.EventType{stream.EventConnected, stream.EventComplete}, frameTypes(frames))
	require.Equal(t, stream.StatusError, frames[1].Status)
}
