package scrape

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals the run does not exist or is not owned by the caller.
	ErrNotFound = errors.New("run not found")
	// ErrInvalidTransition signals a lifecycle step from an unexpected state.
	// It indicates a bug such as a double dispatch and is never user-facing.
	ErrInvalidTransition = errors.New("invalid run transition")
)

// ValidationError describes malformed run-creation input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// TransitionError wraps ErrInvalidTransition with the offending states.
type TransitionError struct {
	RunID string
	From  RunStatus
	To    RunStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("run %s: cannot transition %s -> %s", e.RunID, e.From, e.To)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
