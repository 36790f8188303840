package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported run stages.
const (
	StageRunCreated Stage = "RUN_CREATED"
	StageRunStart   Stage = "RUN_START"
	StageRunDone    Stage = "RUN_DONE"
	StageRunError   Stage = "RUN_ERROR"
)

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	return s == StageRunDone || s == StageRunError
}

// Event captures a single run lifecycle milestone.
type Event struct {
	RunID   string
	OwnerID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// URL is the scrape target; it should not contain credentials.
	URL string
	// Dur is the run duration on terminal stages.
	Dur time.Duration
	// Code is the error classification on RUN_ERROR.
	Code string
	// Note carries low-volume context such as the error message.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunCreated, StageRunStart, StageRunDone:
	case StageRunError:
		if e.Code == "" {
			return errors.New("run error requires code")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
