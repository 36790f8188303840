// Package stream defines the per-run live status events, the SSE frame
// writer, and the run event bus that lets several streams observe one run.
package stream

import (
	"github.com/JakeFAU/firescrape/internal/scrape"
)

// EventType discriminates stream frames.
type EventType string

// Stream frame types, in the order a run's stream emits them.
const (
	EventConnected EventType = "connected"
	EventStatus    EventType = "status"
	EventProgress  EventType = "progress"
	EventComplete  EventType = "complete"
)

// Status values carried by status and complete frames.
const (
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusError      = "error"
)

// Event is one frame on a run's stream.
type Event struct {
	Type      EventType      `json:"type"`
	RunID     string         `json:"runId,omitempty"`
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Result    *scrape.Result `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode string         `json:"errorCode,omitempty"`
	Run       *scrape.Run    `json:"run,omitempty"`
}

// Connected builds the first frame of every stream.
func Connected(runID string) Event {
	return Event{Type: EventConnected, RunID: runID}
}

// Processing builds the status frame for a claimed run.
func Processing(run scrape.Run) Event {
	return Event{Type: EventStatus, RunID: run.ID, Status: StatusProcessing, Run: &run}
}

// Progress builds a free-text milestone frame.
func Progress(runID, message string) Event {
	return Event{Type: EventProgress, RunID: runID, Message: message}
}

// Complete builds the terminal frame for a terminal run.
func Complete(run scrape.Run) Event {
	evt := Event{Type: EventComplete, RunID: run.ID, Run: &run}
	if run.Status == scrape.RunStatusFailed {
		evt.Status = StatusError
		if run.Error != nil {
			evt.Error = run.Error.Message
			evt.ErrorCode = run.Error.Code
		}
		return evt
	}
	evt.Status = StatusSuccess
	evt.Result = run.Result
	return evt
}

// Terminal reports whether evt closes the stream.
func (e Event) Terminal() bool {
	return e.Type == EventComplete
}
