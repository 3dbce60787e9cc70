package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClientOptions configures the shared redis client.
type RedisClientOptions struct {
	RedisURL string
	DB       int    // Redis DB number for isolation (0-15)
	Logger   Logger // Optional logger
}

// NewRedisClient parses the URL, connects, and verifies the connection with
// a bounded ping. Both the redis storage provider and the redis event bus
// build their clients through this helper so connection handling stays in
// one place.
func NewRedisClient(opts RedisClientOptions) (*redis.Client, error) {
	if opts.RedisURL == "" {
		if opts.Logger != nil {
			opts.Logger.Error("Failed to initialize Redis client", map[string]interface{}{
				"operation": "redis_client_init",
				"error":     "Redis URL is required",
			})
		}
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		if opts.Logger != nil {
			opts.Logger.Error("Failed to parse Redis URL", map[string]interface{}{
				"operation": "redis_client_init",
				"error":     err.Error(),
			})
		}
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	if opts.DB >= 0 && opts.DB <= 15 {
		redisOpt.DB = opts.DB
	}

	client := redis.NewClient(redisOpt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		if opts.Logger != nil {
			opts.Logger.Error("Failed to connect to Redis", map[string]interface{}{
				"operation": "redis_client_init",
				"error":     err.Error(),
				"db":        redisOpt.DB,
			})
		}
		return nil, fmt.Errorf("failed to connect to Redis DB %d: %w", redisOpt.DB, ErrStoreUnavailable)
	}

	if opts.Logger != nil {
		opts.Logger.Info("Redis client connected", map[string]interface{}{
			"operation": "redis_client_init",
			"db":        redisOpt.DB,
		})
	}

	return client, nil
}
