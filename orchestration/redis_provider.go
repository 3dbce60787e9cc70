package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/strandflow/strand/core"
)

// RedisStorageProvider implements StorageProvider over go-redis. Sorted
// indexes map onto redis sorted sets. Every failure wraps
// core.ErrStoreUnavailable so the store layer can classify infrastructure
// trouble without inspecting redis error strings.
type RedisStorageProvider struct {
	client *redis.Client
}

// NewRedisStorageProvider connects to redis and verifies the connection.
func NewRedisStorageProvider(redisURL string, logger core.Logger) (*RedisStorageProvider, error) {
	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL: redisURL,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating storage provider: %w", err)
	}
	return &RedisStorageProvider{client: client}, nil
}

// NewRedisStorageProviderWithClient wraps an existing client.
func NewRedisStorageProviderWithClient(client *redis.Client) *RedisStorageProvider {
	return &RedisStorageProvider{client: client}
}

var _ StorageProvider = (*RedisStorageProvider)(nil)

func (p *RedisStorageProvider) wrap(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %v", op, core.ErrStoreUnavailable, err)
}

func (p *RedisStorageProvider) Get(ctx context.Context, key string) (string, error) {
	value, err := p.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", p.wrap("get", err)
	}
	return value, nil
}

func (p *RedisStorageProvider) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := p.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return p.wrap("set", err)
	}
	return nil
}

func (p *RedisStorageProvider) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	ok, err := p.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, p.wrap("setnx", err)
	}
	return ok, nil
}

func (p *RedisStorageProvider) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := p.client.Del(ctx, keys...).Err(); err != nil {
		return p.wrap("del", err)
	}
	return nil
}

func (p *RedisStorageProvider) Exists(ctx context.Context, key string) (bool, error) {
	n, err := p.client.Exists(ctx, key).Result()
	if err != nil {
		return false, p.wrap("exists", err)
	}
	return n > 0, nil
}

func (p *RedisStorageProvider) AddToIndex(ctx context.Context, key string, score float64, member string) error {
	err := p.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
	if err != nil {
		return p.wrap("zadd", err)
	}
	return nil
}

func (p *RedisStorageProvider) ListByScoreDesc(ctx context.Context, key string, limit int64) ([]string, error) {
	opt := &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "+inf",
		Count: limit,
	}
	members, err := p.client.ZRevRangeByScore(ctx, key, opt).Result()
	if err != nil {
		return nil, p.wrap("zrevrangebyscore", err)
	}
	return members, nil
}

func (p *RedisStorageProvider) RemoveFromIndex(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := p.client.ZRem(ctx, key, args...).Err(); err != nil {
		return p.wrap("zrem", err)
	}
	return nil
}

func (p *RedisStorageProvider) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return p.wrap("ping", err)
	}
	return nil
}

// Close releases the underlying redis client.
func (p *RedisStorageProvider) Close() error {
	return p.client.Close()
}

// Client exposes the raw connection so the event bus can share the pool.
func (p *RedisStorageProvider) Client() *redis.Client {
	return p.client
}
