package orchestration

import (
	"context"
	"testing"
	"time"
)

// =============================================================================
// Tenant Limiter Tests
// =============================================================================

func TestTenantLimiter_TryAcquireAtCap(t *testing.T) {
	limiter := NewTenantLimiter(2)

	release1, ok := limiter.TryAcquire("tenant-1")
	if !ok {
		t.Fatal("TryAcquire() first slot = false, want true")
	}
	release2, ok := limiter.TryAcquire("tenant-1")
	if !ok {
		t.Fatal("TryAcquire() second slot = false, want true")
	}

	if _, ok := limiter.TryAcquire("tenant-1"); ok {
		t.Error("TryAcquire() beyond cap = true, want false")
	}

	// Releasing frees a slot.
	release1()
	release3, ok := limiter.TryAcquire("tenant-1")
	if !ok {
		t.Error("TryAcquire() after release = false, want true")
	}

	// Double release must not free a second slot.
	release1()
	if _, ok := limiter.TryAcquire("tenant-1"); ok {
		t.Error("TryAcquire() after double release = true, release must be once-only")
	}

	release2()
	release3()
}

func TestTenantLimiter_TenantsAreIndependent(t *testing.T) {
	limiter := NewTenantLimiter(1)

	releaseA, ok := limiter.TryAcquire("tenant-a")
	if !ok {
		t.Fatal("TryAcquire(tenant-a) = false, want true")
	}
	defer releaseA()

	// tenant-a being at cap must not starve tenant-b.
	releaseB, ok := limiter.TryAcquire("tenant-b")
	if !ok {
		t.Fatal("TryAcquire(tenant-b) = false, want independent caps")
	}
	defer releaseB()

	if _, ok := limiter.TryAcquire("tenant-a"); ok {
		t.Error("TryAcquire(tenant-a) beyond cap = true, want false")
	}
}

func TestTenantLimiter_AcquireBlocksUntilRelease(t *testing.T) {
	limiter := NewTenantLimiter(1)
	ctx := context.Background()

	release, err := limiter.Acquire(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		slot, err := limiter.Acquire(ctx, "tenant-1")
		if err != nil {
			t.Errorf("blocked Acquire() error = %v", err)
			close(acquired)
			return
		}
		close(acquired)
		slot()
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire() returned while the slot was held")
	case <-time.After(20 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second Acquire() still blocked after release")
	}
}

func TestTenantLimiter_AcquireHonorsContext(t *testing.T) {
	limiter := NewTenantLimiter(1)

	release, err := limiter.Acquire(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := limiter.Acquire(ctx, "tenant-1"); err == nil {
		t.Error("Acquire() with expired context error = nil, want context error")
	}
}

func TestTenantLimiter_ZeroLimitIsUnlimited(t *testing.T) {
	limiter := NewTenantLimiter(0)

	for i := 0; i < 100; i++ {
		release, ok := limiter.TryAcquire("tenant-1")
		if !ok {
			t.Fatalf("TryAcquire() #%d = false on unlimited limiter", i)
		}
		release()
	}

	release, err := limiter.Acquire(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	release()

	if got := limiter.Limit(); got != 0 {
		t.Errorf("Limit() = %d, want 0", got)
	}
}

func TestTenantLimiter_NilIsUnlimited(t *testing.T) {
	var limiter *TenantLimiter

	release, err := limiter.Acquire(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("nil limiter Acquire() error = %v", err)
	}
	release()

	if _, ok := limiter.TryAcquire("tenant-1"); !ok {
		t.Error("nil limiter TryAcquire() = false, want true")
	}
	if got := limiter.Limit(); got != 0 {
		t.Errorf("nil limiter Limit() = %d, want 0", got)
	}
}
