package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/strandflow/strand/core"
)

// DefaultEventChannelPrefix namespaces event channels so several
// deployments can share one redis without crosstalk.
const DefaultEventChannelPrefix = "strand:events:"

// RedisEventBus is an EventBus over redis pub/sub. Per-topic ordering rides
// on redis delivering channel messages FIFO to each subscriber.
type RedisEventBus struct {
	client        *redis.Client
	channelPrefix string
	bufferSize    int
	logger        core.Logger
}

// RedisEventBusOptions configures NewRedisEventBus.
type RedisEventBusOptions struct {
	// RedisURL is the connection string, e.g. redis://localhost:6379.
	RedisURL string

	// ChannelPrefix namespaces channels. Defaults to DefaultEventChannelPrefix.
	ChannelPrefix string

	// BufferSize is the subscriber channel capacity. Defaults to DefaultEventBuffer.
	BufferSize int

	// Logger for connection and delivery diagnostics.
	Logger core.Logger
}

// NewRedisEventBus connects to redis and returns an event bus. The
// connection is verified with a ping before any publish happens.
func NewRedisEventBus(opts RedisEventBusOptions) (*RedisEventBus, error) {
	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL: opts.RedisURL,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating event bus client: %w", err)
	}
	return NewRedisEventBusWithClient(client, opts), nil
}

// NewRedisEventBusWithClient wraps an existing client, used when the
// storage provider and event bus share one connection pool.
func NewRedisEventBusWithClient(client *redis.Client, opts RedisEventBusOptions) *RedisEventBus {
	prefix := opts.ChannelPrefix
	if prefix == "" {
		prefix = DefaultEventChannelPrefix
	}
	buffer := opts.BufferSize
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisEventBus{
		client:        client,
		channelPrefix: prefix,
		bufferSize:    buffer,
		logger:        logger,
	}
}

var _ EventBus = (*RedisEventBus)(nil)

func (b *RedisEventBus) channelFor(topic string) string {
	return b.channelPrefix + topic
}

// Publish marshals the event and publishes it on the topic's channel.
func (b *RedisEventBus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	channel := b.channelFor(event.Topic)
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		b.logger.ErrorWithContext(ctx, "Failed to publish event", map[string]interface{}{
			"operation":    "event_publish",
			"topic":        event.Topic,
			"event_type":   string(event.Type),
			"execution_id": event.ExecutionID,
			"error":        err.Error(),
		})
		return fmt.Errorf("publishing event: %w: %v", core.ErrEventBusUnavailable, err)
	}
	return nil
}

// Subscribe registers for events matching the pattern. Exact topics use
// SUBSCRIBE; a trailing-star pattern uses PSUBSCRIBE. The subscription is
// confirmed before Subscribe returns, so an immediately following Publish
// is observed.
func (b *RedisEventBus) Subscribe(ctx context.Context, pattern string) (<-chan Event, func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	channel := b.channelFor(pattern)

	var pubsub *redis.PubSub
	if strings.ContainsRune(pattern, '*') {
		pubsub = b.client.PSubscribe(subCtx, channel)
	} else {
		pubsub = b.client.Subscribe(subCtx, channel)
	}

	// Wait for subscription confirmation.
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribing to %s: %w: %v", pattern, core.ErrEventBusUnavailable, err)
	}

	events := make(chan Event, b.bufferSize)

	go func() {
		defer func() {
			_ = pubsub.Close()
			close(events)
		}()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn("Failed to unmarshal event", map[string]interface{}{
						"operation": "event_receive",
						"pattern":   pattern,
						"channel":   msg.Channel,
						"error":     err.Error(),
					})
					continue
				}

				select {
				case events <- event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return events, cancel, nil
}

// Close releases the underlying redis client.
func (b *RedisEventBus) Close() error {
	return b.client.Close()
}
