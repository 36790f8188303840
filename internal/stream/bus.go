package stream

import (
	"context"
)

// Bus fans run events out to every stream observing the run, possibly on
// other replicas. Delivery is best effort; observers re-read the store.
type Bus interface {
	Publish(ctx context.Context, runID string, evt Event) error
	// Subscribe returns a channel of events for runID and a cancel func that
	// must be called to release the subscription. The channel is closed after
	// cancel or when ctx ends.
	Subscribe(ctx context.Context, runID string) (<-chan Event, func(), error)
	Close() error
}

// Channel names the pub/sub channel carrying a run's events.
func Channel(prefix, runID string) string {
	if prefix == "" {
		prefix = "firescrape:runs"
	}
	return prefix + ":" + runID
}
