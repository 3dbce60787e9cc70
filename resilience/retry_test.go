package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/strandflow/strand/core"
)

// TestRetryBasicSuccess tests successful execution on first attempt
func TestRetryBasicSuccess(t *testing.T) {
	config := &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		BackoffFactor: 2.0,
		JitterEnabled: false,
	}

	attempts := 0
	err := Retry(context.Background(), config, func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}

	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

// TestRetryEventualSuccess tests success after multiple attempts
func TestRetryEventualSuccess(t *testing.T) {
	config := &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		BackoffFactor: 2.0,
		JitterEnabled: false,
	}

	attempts := 0
	err := Retry(context.Background(), config, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected eventual success, got error: %v", err)
	}

	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

// TestRetryMaxAttemptsExceeded tests failure after all retries exhausted
func TestRetryMaxAttemptsExceeded(t *testing.T) {
	config := &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		BackoffFactor: 2.0,
		JitterEnabled: false,
	}

	attempts := 0
	testErr := errors.New("persistent error")

	err := Retry(context.Background(), config, func() error {
		attempts++
		return testErr
	})

	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Errorf("Expected ErrMaxRetriesExceeded, got: %v", err)
	}

	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

// TestRetryContextCancellation tests context cancellation during retry
func TestRetryContextCancellation(t *testing.T) {
	config := &RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		BackoffFactor: 2.0,
		JitterEnabled: false,
	}

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, config, func() error {
		attempts++
		return errors.New("keep failing")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}

	if attempts >= 5 {
		t.Errorf("Expected cancellation before all attempts, got %d attempts", attempts)
	}
}

// TestRetryNilConfigUsesDefaults tests that a nil config falls back to defaults
func TestRetryNilConfigUsesDefaults(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), nil, func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected success with nil config, got: %v", err)
	}

	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

// TestRetryClassifierStopsPermanentErrors tests that classified permanent
// errors short-circuit the retry loop
func TestRetryClassifierStopsPermanentErrors(t *testing.T) {
	config := &RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 2.0,
		Classifier:    DefaultErrorClassifier,
	}

	attempts := 0
	err := Retry(context.Background(), config, func() error {
		attempts++
		return fmt.Errorf("lookup failed: %w", core.ErrToolNotFound)
	})

	if !errors.Is(err, core.ErrToolNotFound) {
		t.Errorf("Expected ErrToolNotFound, got: %v", err)
	}
	if errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Errorf("Permanent error should not be wrapped as retries exceeded: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt for permanent error, got %d", attempts)
	}
}

// TestRetryClassifierAllowsTransientErrors tests that infrastructure errors
// keep retrying under the default classifier
func TestRetryClassifierAllowsTransientErrors(t *testing.T) {
	config := &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 2.0,
		Classifier:    DefaultErrorClassifier,
	}

	attempts := 0
	err := Retry(context.Background(), config, func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("redis ping: %w", core.ErrStoreUnavailable)
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected eventual success, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

// TestRetryWithCircuitBreakerOpenCircuit tests that an open breaker blocks
// the wrapped function entirely
func TestRetryWithCircuitBreakerOpenCircuit(t *testing.T) {
	cb, err := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             "test-open",
		ErrorThreshold:   0.5,
		VolumeThreshold:  2,
		SleepWindow:      time.Minute,
		HalfOpenRequests: 1,
		SuccessThreshold: 0.5,
		WindowSize:       time.Minute,
		BucketCount:      10,
	})
	if err != nil {
		t.Fatalf("NewCircuitBreaker failed: %v", err)
	}

	// Trip the breaker
	cb.RecordFailure()
	cb.RecordFailure()
	if got := cb.GetState(); got != "open" {
		t.Fatalf("Expected open state, got %s", got)
	}

	config := &RetryConfig{
		MaxAttempts:   2,
		InitialDelay:  time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 2.0,
	}

	calls := 0
	err = RetryWithCircuitBreaker(context.Background(), config, cb, func() error {
		calls++
		return nil
	})

	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Errorf("Expected ErrMaxRetriesExceeded after rejected attempts, got: %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected function not to run with open breaker, got %d calls", calls)
	}
}

// TestRetryWithCircuitBreakerRecordsOutcomes tests that outcomes feed the
// breaker's window
func TestRetryWithCircuitBreakerRecordsOutcomes(t *testing.T) {
	cb, err := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             "test-record",
		ErrorThreshold:   0.5,
		VolumeThreshold:  100,
		SleepWindow:      time.Minute,
		HalfOpenRequests: 1,
		SuccessThreshold: 0.5,
		WindowSize:       time.Minute,
		BucketCount:      10,
	})
	if err != nil {
		t.Fatalf("NewCircuitBreaker failed: %v", err)
	}

	attempts := 0
	err = RetryWithCircuitBreaker(context.Background(), &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 2.0,
	}, cb, func() error {
		attempts++
		if attempts < 2 {
			return errors.New("flaky")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected success, got: %v", err)
	}

	success, failure := cb.window.GetCounts()
	if success != 1 || failure != 1 {
		t.Errorf("Expected 1 success and 1 failure recorded, got %d/%d", success, failure)
	}
}
