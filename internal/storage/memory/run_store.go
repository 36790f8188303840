// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/firescrape/internal/scrape"
)

// RunStore keeps runs in a mutex-guarded map. The mutex makes every
// transition a compare-and-swap.
type RunStore struct {
	mu    sync.RWMutex
	runs  map[string]scrape.Run
	ids   scrape.IDGenerator
	clock scrape.Clock
}

// NewRunStore constructs a RunStore.
func NewRunStore(ids scrape.IDGenerator, clock scrape.Clock) *RunStore {
	return &RunStore{
		runs:  make(map[string]scrape.Run),
		ids:   ids,
		clock: clock,
	}
}

// CreateRun stores a new PENDING run.
func (s *RunStore) CreateRun(_ context.Context, ownerID string, params scrape.Params) (scrape.Run, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return scrape.Run{}, fmt.Errorf("new run id: %w", err)
	}
	run := scrape.Run{
		ID:        id,
		OwnerID:   ownerID,
		URL:       params.URL,
		Formats:   append([]scrape.Format(nil), params.Formats...),
		Options:   params.Options,
		Status:    scrape.RunStatusPending,
		CreatedAt: s.clock.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[id]; exists {
		return scrape.Run{}, fmt.Errorf("run %s already exists", id)
	}
	s.runs[id] = run
	return cloneRun(run), nil
}

// TransitionToProcessing claims a PENDING run.
func (s *RunStore) TransitionToProcessing(_ context.Context, runID string, startedAt time.Time) (scrape.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return scrape.Run{}, scrape.ErrNotFound
	}
	if !scrape.CanTransition(run.Status, scrape.RunStatusProcessing) {
		return scrape.Run{}, &scrape.TransitionError{RunID: runID, From: run.Status, To: scrape.RunStatusProcessing}
	}
	run.Status = scrape.RunStatusProcessing
	run.StartedAt = pointerTime(startedAt)
	s.runs[runID] = run
	return cloneRun(run), nil
}

// RecordSuccess moves a PROCESSING run to COMPLETE.
func (s *RunStore) RecordSuccess(
	_ context.Context,
	runID string,
	result scrape.Result,
	startedAt time.Time,
) (scrape.Run, error) {
	return s.finish(runID, scrape.RunStatusComplete, startedAt, func(run *scrape.Run) {
		res := result
		run.Result = &res
	})
}

// RecordFailure moves a PROCESSING run to FAILED.
func (s *RunStore) RecordFailure(
	_ context.Context,
	runID, message, code string,
	startedAt time.Time,
) (scrape.Run, error) {
	return s.finish(runID, scrape.RunStatusFailed, startedAt, func(run *scrape.Run) {
		run.Error = &scrape.RunError{Message: message, Code: code}
	})
}

func (s *RunStore) finish(
	runID string,
	to scrape.RunStatus,
	startedAt time.Time,
	apply func(*scrape.Run),
) (scrape.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return scrape.Run{}, scrape.ErrNotFound
	}
	if !scrape.CanTransition(run.Status, to) {
		return scrape.Run{}, &scrape.TransitionError{RunID: runID, From: run.Status, To: to}
	}
	completedAt := s.clock.Now()
	// StartedAt was fixed by the claim; the argument only backfills it.
	if run.StartedAt == nil {
		run.StartedAt = pointerTime(startedAt)
	}
	run.Status = to
	run.CompletedAt = pointerTime(completedAt)
	run.DurationMs = scrape.Duration(run.StartedAt, run.CompletedAt)
	apply(&run)
	s.runs[runID] = run
	return cloneRun(run), nil
}

// GetRun fetches a run owned by ownerID.
func (s *RunStore) GetRun(_ context.Context, ownerID, runID string) (scrape.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok || run.OwnerID != ownerID {
		return scrape.Run{}, scrape.ErrNotFound
	}
	return cloneRun(run), nil
}

// ListRuns returns the owner's runs matching filter.
func (s *RunStore) ListRuns(_ context.Context, ownerID string, filter scrape.ListFilter) ([]scrape.Run, error) {
	s.mu.RLock()
	out := make([]scrape.Run, 0)
	for _, run := range s.runs {
		if run.OwnerID != ownerID || !matches(run, filter) {
			continue
		}
		out = append(out, cloneRun(run))
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			if filter.Sort == scrape.SortOldest {
				return out[i].ID < out[j].ID
			}
			return out[i].ID > out[j].ID
		}
		if filter.Sort == scrape.SortOldest {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []scrape.Run{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matches(run scrape.Run, filter scrape.ListFilter) bool {
	if filter.Status != nil && run.Status != *filter.Status {
		return false
	}
	if filter.From != nil && run.CreatedAt.Before(*filter.From) {
		return false
	}
	if filter.To != nil && run.CreatedAt.After(*filter.To) {
		return false
	}
	return true
}

func cloneRun(run scrape.Run) scrape.Run {
	out := run
	out.Formats = append([]scrape.Format(nil), run.Formats...)
	if run.Result != nil {
		res := *run.Result
		out.Result = &res
	}
	if run.Error != nil {
		e := *run.Error
		out.Error = &e
	}
	return out
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
