// Package system provides the wall clock used for run timestamps.
package system

import "time"

// Clock implements scrape.Clock using time.Now.
// Readings are UTC and truncated to the millisecond so durations derived from
// stored timestamps match the recorded duration exactly.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time at millisecond precision.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
