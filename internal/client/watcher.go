package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/firescrape/internal/scrape"
	"github.com/JakeFAU/firescrape/internal/stream"
)

// DefaultPollInterval is used when WatcherConfig leaves PollInterval unset.
const DefaultPollInterval = 2 * time.Second

// WatcherConfig tunes a Watcher.
type WatcherConfig struct {
	PollInterval time.Duration
}

// Watcher follows a run until it reaches a terminal state, merging stream
// frames and poll results into one Cache.
type Watcher struct {
	client       *Client
	cache        *Cache
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewWatcher constructs a Watcher. cache may be shared between watchers.
func NewWatcher(c *Client, cache *Cache, cfg WatcherConfig, logger *zap.Logger) *Watcher {
	if cache == nil {
		cache = NewCache()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{client: c, cache: cache, pollInterval: cfg.PollInterval, logger: logger.Named("watcher")}
}

// Cache returns the watcher's cache.
func (w *Watcher) Cache() *Cache {
	return w.cache
}

// Watch opens the run's stream and polls the run concurrently. onEvent, when
// set, sees every stream frame. Watch returns the terminal run; polling stops
// and the stream is closed as soon as either source reports it.
func (w *Watcher) Watch(ctx context.Context, runID string, onEvent func(stream.Event)) (scrape.Run, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var once sync.Once
	finish := func() { once.Do(cancel) }

	g, gctx := errgroup.WithContext(watchCtx)
	g.Go(func() error {
		return w.follow(gctx, runID, onEvent, finish)
	})
	g.Go(func() error {
		return w.poll(gctx, runID, finish)
	})
	err := g.Wait()

	if run, ok := w.cache.Get(runID); ok && run.Status.Terminal() {
		return run, nil
	}
	if err != nil {
		return scrape.Run{}, err
	}
	if ctx.Err() != nil {
		return scrape.Run{}, fmt.Errorf("watch run: %w", ctx.Err())
	}
	return scrape.Run{}, errors.New("watch ended before run finished")
}

// follow relays stream frames. Stream trouble is not fatal; polling carries
// on. Auth and lookup failures end the watch.
func (w *Watcher) follow(ctx context.Context, runID string, onEvent func(stream.Event), finish func()) error {
	es, err := w.client.Stream(ctx, runID)
	if err != nil {
		if fatal(err) {
			return err
		}
		if ctx.Err() == nil {
			w.logger.Warn("stream unavailable, polling only", zap.String("run_id", runID), zap.Error(err))
		}
		return nil
	}
	go func() {
		<-ctx.Done()
		_ = es.Close()
	}()
	defer es.Close()

	for {
		evt, err := es.Next()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				w.logger.Warn("stream interrupted, polling only", zap.String("run_id", runID), zap.Error(err))
			}
			return nil
		}
		if onEvent != nil {
			onEvent(evt)
		}
		w.cache.Apply(evt)
		if evt.Terminal() {
			finish()
			return nil
		}
	}
}

func (w *Watcher) poll(ctx context.Context, runID string, finish func()) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		if run, ok := w.cache.Get(runID); ok && run.Status.Terminal() {
			finish()
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		run, err := w.client.GetRun(ctx, runID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if fatal(err) {
				return err
			}
			w.logger.Debug("poll failed", zap.String("run_id", runID), zap.Error(err))
			continue
		}
		w.cache.Merge(run)
	}
}

func fatal(err error) bool {
	if errors.Is(err, scrape.ErrNotFound) {
		return true
	}
	var httpErr *HTTPError
	return errors.As(err, &httpErr) &&
		(httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden)
}
