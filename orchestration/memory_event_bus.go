package orchestration

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/strandflow/strand/core"
)

// DefaultEventBuffer is the per-subscriber channel capacity for the
// in-memory bus. A subscriber that falls more than this many events behind
// starts losing the oldest ones.
const DefaultEventBuffer = 256

// InMemoryEventBus is a process-local EventBus for tests and single-node
// deployments. Publish holds the bus mutex while fanning out, which gives
// every subscriber the same per-topic ordering the redis bus provides.
type InMemoryEventBus struct {
	mu          sync.Mutex
	subscribers map[string]*memorySubscription
	bufferSize  int
	logger      core.Logger
	closed      bool
}

type memorySubscription struct {
	pattern string
	ch      chan Event
	done    chan struct{}
	once    sync.Once
}

func (s *memorySubscription) close() {
	s.once.Do(func() {
		close(s.done)
		close(s.ch)
	})
}

// NewInMemoryEventBus creates an in-memory event bus. A nil logger falls
// back to the no-op logger.
func NewInMemoryEventBus(logger core.Logger) *InMemoryEventBus {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &InMemoryEventBus{
		subscribers: make(map[string]*memorySubscription),
		bufferSize:  DefaultEventBuffer,
		logger:      logger,
	}
}

var _ EventBus = (*InMemoryEventBus)(nil)

// Publish delivers the event to every subscriber whose pattern matches the
// topic. Slow subscribers lose their oldest buffered event rather than
// blocking the orchestrator.
func (b *InMemoryEventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return core.ErrEventBusUnavailable
	}

	for id, sub := range b.subscribers {
		if !topicMatches(sub.pattern, event.Topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Buffer full: drop the oldest event to make room.
			select {
			case dropped := <-sub.ch:
				b.logger.Warn("Dropping event for slow subscriber", map[string]interface{}{
					"operation":     "event_publish",
					"subscriber":    id,
					"pattern":       sub.pattern,
					"dropped_topic": dropped.Topic,
					"dropped_type":  string(dropped.Type),
				})
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
	return nil
}

// Subscribe registers for events matching the pattern. The returned cancel
// function is idempotent; the channel closes once cancelled.
func (b *InMemoryEventBus) Subscribe(ctx context.Context, pattern string) (<-chan Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, core.ErrEventBusUnavailable
	}

	id := uuid.New().String()
	sub := &memorySubscription{
		pattern: pattern,
		ch:      make(chan Event, b.bufferSize),
		done:    make(chan struct{}),
	}
	b.subscribers[id] = sub

	cancel := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		sub.close()
	}

	// Release the subscription when the caller's context ends.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()

	return sub.ch, cancel, nil
}

// Close shuts the bus down and closes every subscriber channel.
func (b *InMemoryEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*memorySubscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[string]*memorySubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
