package orchestration

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// TenantLimiter caps how many executions a single tenant may run at once.
// Each tenant gets its own weighted semaphore created on first use. A limit
// of zero disables the cap entirely.
type TenantLimiter struct {
	limit int64

	mu         sync.Mutex
	semaphores map[string]*semaphore.Weighted
}

// NewTenantLimiter creates a limiter with the given per-tenant cap.
func NewTenantLimiter(limit int64) *TenantLimiter {
	return &TenantLimiter{
		limit:      limit,
		semaphores: make(map[string]*semaphore.Weighted),
	}
}

func (l *TenantLimiter) tenantSemaphore(tenantID string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.semaphores[tenantID]
	if !ok {
		sem = semaphore.NewWeighted(l.limit)
		l.semaphores[tenantID] = sem
	}
	return sem
}

// Acquire blocks until the tenant has a free slot or ctx is done. The
// returned release function must be called exactly once when the execution
// finishes; it is safe to call after the limiter handed out further slots.
func (l *TenantLimiter) Acquire(ctx context.Context, tenantID string) (func(), error) {
	if l == nil || l.limit <= 0 {
		return func() {}, nil
	}
	sem := l.tenantSemaphore(tenantID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}, nil
}

// TryAcquire takes a slot without blocking. It reports false when the
// tenant is at its cap.
func (l *TenantLimiter) TryAcquire(tenantID string) (func(), bool) {
	if l == nil || l.limit <= 0 {
		return func() {}, true
	}
	sem := l.tenantSemaphore(tenantID)
	if !sem.TryAcquire(1) {
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}, true
}

// Limit returns the configured per-tenant cap, zero meaning unlimited.
func (l *TenantLimiter) Limit() int64 {
	if l == nil {
		return 0
	}
	return l.limit
}
