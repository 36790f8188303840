package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 64

// MemoryBus is an in-process Bus: per-run topics with buffered subscriber
// channels. A full subscriber drops the event rather than stall the publisher.
type MemoryBus struct {
	mu      sync.Mutex
	topics  map[string]map[uint64]*subscriber
	nextID  uint64
	buffer  int
	closed  bool
	dropped atomic.Int64
	logger  *zap.Logger
}

type subscriber struct {
	ch   chan Event
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewMemoryBus constructs a MemoryBus. buffer <= 0 uses DefaultSubscriberBuffer.
func NewMemoryBus(buffer int, logger *zap.Logger) *MemoryBus {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBus{
		topics: make(map[string]map[uint64]*subscriber),
		buffer: buffer,
		logger: logger.Named("bus"),
	}
}

// Publish delivers evt to current subscribers of runID.
func (b *MemoryBus) Publish(_ context.Context, runID string, evt Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("bus closed")
	}
	for _, sub := range b.topics[runID] {
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
			b.logger.Debug("dropped run event for slow subscriber",
				zap.String("run_id", runID),
				zap.String("type", string(evt.Type)),
			)
		}
	}
	return nil
}

// Subscribe registers a subscriber on runID.
func (b *MemoryBus) Subscribe(ctx context.Context, runID string) (<-chan Event, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, errors.New("bus closed")
	}
	b.nextID++
	id := b.nextID
	sub := &subscriber{ch: make(chan Event, b.buffer)}
	if b.topics[runID] == nil {
		b.topics[runID] = make(map[uint64]*subscriber)
	}
	b.topics[runID][id] = sub
	b.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.topics[runID]; subs != nil {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.topics, runID)
				}
			}
			b.mu.Unlock()
			sub.close()
		})
	}
	stop := context.AfterFunc(ctx, release)
	cancel := func() {
		stop()
		release()
	}
	return sub.ch, cancel, nil
}

// Subscribers reports how many subscribers runID has.
func (b *MemoryBus) Subscribers(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[runID])
}

// Dropped reports the number of events dropped for slow subscribers.
func (b *MemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for runID, subs := range b.topics {
		for _, sub := range subs {
			sub.close()
		}
		delete(b.topics, runID)
	}
	return nil
}
