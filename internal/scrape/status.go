package scrape

import (
	"fmt"
	"strings"
	"time"
)

// Rank orders statuses so that later lifecycle states compare greater.
// COMPLETE and FAILED share the terminal rank.
func (s RunStatus) Rank() int {
	switch s {
	case RunStatusPending:
		return 0
	case RunStatusProcessing:
		return 1
	case RunStatusComplete, RunStatusFailed:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusComplete || s == RunStatusFailed
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	return s.Rank() >= 0
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to RunStatus) bool {
	switch from {
	case RunStatusPending:
		return to == RunStatusProcessing
	case RunStatusProcessing:
		return to == RunStatusComplete || to == RunStatusFailed
	default:
		return false
	}
}

// ParseStatus accepts case-insensitive status names.
func ParseStatus(input string) (RunStatus, error) {
	status := RunStatus(strings.ToUpper(strings.TrimSpace(input)))
	if !status.Valid() {
		return "", fmt.Errorf("invalid status %q", input)
	}
	return status, nil
}

// Duration returns completed-started in milliseconds, or nil when either
// timestamp is missing.
func Duration(startedAt, completedAt *time.Time) *int64 {
	if startedAt == nil || completedAt == nil {
		return nil
	}
	ms := completedAt.Sub(*startedAt).Milliseconds()
	return &ms
}
