package orchestration

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStorageProvider is an in-process StorageProvider for tests and
// zero-config deployments. Expiry is evaluated lazily on read.
type MemoryStorageProvider struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	indexes map[string]map[string]float64
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryStorageProvider creates an empty in-memory provider.
func NewMemoryStorageProvider() *MemoryStorageProvider {
	return &MemoryStorageProvider{
		entries: make(map[string]memoryEntry),
		indexes: make(map[string]map[string]float64),
	}
}

var _ StorageProvider = (*MemoryStorageProvider)(nil)

func (p *MemoryStorageProvider) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.RLock()
	entry, ok := p.entries[key]
	p.mu.RUnlock()

	if !ok {
		return "", nil
	}
	if entry.expired(time.Now()) {
		p.mu.Lock()
		delete(p.entries, key)
		p.mu.Unlock()
		return "", nil
	}
	return entry.value, nil
}

func (p *MemoryStorageProvider) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	p.mu.Lock()
	p.entries[key] = entry
	p.mu.Unlock()
	return nil
}

func (p *MemoryStorageProvider) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.entries[key]; ok && !existing.expired(time.Now()) {
		return false, nil
	}

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	p.entries[key] = entry
	return true, nil
}

func (p *MemoryStorageProvider) Del(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	for _, key := range keys {
		delete(p.entries, key)
	}
	p.mu.Unlock()
	return nil
}

func (p *MemoryStorageProvider) Exists(ctx context.Context, key string) (bool, error) {
	value, err := p.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return value != "", nil
}

func (p *MemoryStorageProvider) AddToIndex(ctx context.Context, key string, score float64, member string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	idx, ok := p.indexes[key]
	if !ok {
		idx = make(map[string]float64)
		p.indexes[key] = idx
	}
	idx[member] = score
	p.mu.Unlock()
	return nil
}

func (p *MemoryStorageProvider) ListByScoreDesc(ctx context.Context, key string, limit int64) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	idx := p.indexes[key]
	type scored struct {
		member string
		score  float64
	}
	members := make([]scored, 0, len(idx))
	for member, score := range idx {
		members = append(members, scored{member, score})
	}
	p.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool {
		if members[i].score != members[j].score {
			return members[i].score > members[j].score
		}
		return members[i].member > members[j].member
	})

	if limit > 0 && int64(len(members)) > limit {
		members = members[:limit]
	}

	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.member
	}
	return out, nil
}

func (p *MemoryStorageProvider) RemoveFromIndex(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if idx, ok := p.indexes[key]; ok {
		for _, member := range members {
			delete(idx, member)
		}
	}
	p.mu.Unlock()
	return nil
}

func (p *MemoryStorageProvider) Ping(ctx context.Context) error {
	return ctx.Err()
}
