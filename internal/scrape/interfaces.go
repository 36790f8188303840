package scrape

import (
	"context"
	"io"
	"time"
)

// RunStore persists runs and enforces the forward-only lifecycle.
type RunStore interface {
	CreateRun(ctx context.Context, ownerID string, params Params) (Run, error)
	// TransitionToProcessing is the single compare-and-swap claim on a run.
	// It returns ErrInvalidTransition when the run is no longer PENDING.
	TransitionToProcessing(ctx context.Context, runID string, startedAt time.Time) (Run, error)
	RecordSuccess(ctx context.Context, runID string, result Result, startedAt time.Time) (Run, error)
	RecordFailure(ctx context.Context, runID, message, code string, startedAt time.Time) (Run, error)
	GetRun(ctx context.Context, ownerID, runID string) (Run, error)
	ListRuns(ctx context.Context, ownerID string, filter ListFilter) ([]Run, error)
}

// Scraper performs the external scrape call for a single run.
type Scraper interface {
	Scrape(ctx context.Context, params Params) (Result, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Limiter throttles external calls per owner.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Hasher computes digests for archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
