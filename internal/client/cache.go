package client

import (
	"sync"

	"github.com/JakeFAU/firescrape/internal/scrape"
	"github.com/JakeFAU/firescrape/internal/stream"
)

// Cache holds the latest known state of each run. Updates from the stream
// and from polling may arrive in any order; Merge keeps only those that move
// a run forward.
type Cache struct {
	mu   sync.RWMutex
	runs map[string]scrape.Run
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{runs: make(map[string]scrape.Run)}
}

// Get returns the cached run.
func (c *Cache) Get(runID string) (scrape.Run, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	run, ok := c.runs[runID]
	return run, ok
}

// Merge stores run unless it would move the cached entry backwards. A
// terminal entry is never replaced; an update at the same non-terminal rank
// refreshes the entry. It reports whether run was stored.
func (c *Cache) Merge(run scrape.Run) bool {
	if run.ID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.runs[run.ID]
	if ok && !accepts(current, run) {
		return false
	}
	c.runs[run.ID] = run
	return true
}

func accepts(current, next scrape.Run) bool {
	if current.Status.Terminal() {
		return false
	}
	return next.Status.Rank() >= current.Status.Rank()
}

// Apply folds a stream event into the cache. Frames that carry the run are
// merged directly; a complete frame without one marks the cached entry
// terminal. It reports whether the cache changed.
func (c *Cache) Apply(evt stream.Event) bool {
	if evt.Run != nil {
		return c.Merge(*evt.Run)
	}
	if !evt.Terminal() {
		return false
	}
	current, ok := c.Get(evt.RunID)
	if !ok {
		current = scrape.Run{ID: evt.RunID}
	}
	next := current
	if evt.Status == stream.StatusError {
		next.Status = scrape.RunStatusFailed
		next.Error = &scrape.RunError{Message: evt.Error, Code: evt.ErrorCode}
	} else {
		next.Status = scrape.RunStatusComplete
		next.Result = evt.Result
	}
	return c.Merge(next)
}
