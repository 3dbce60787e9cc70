package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/strandflow/strand/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited requests for testing
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorClassifier determines which errors count toward circuit breaker thresholds
type ErrorClassifier func(error) bool

// DefaultErrorClassifier only counts infrastructure errors, not caller errors.
// A misconfigured workflow or a missing tool says nothing about the health of
// the dependency behind the breaker.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}

	// Configuration errors - caller error, don't count
	if core.IsConfigurationError(err) {
		return false
	}

	// Not found errors - caller error, don't count
	if core.IsNotFound(err) {
		return false
	}

	// Mandate integrity failures - data error, don't count
	if core.IsIntegrityError(err) {
		return false
	}

	// Context cancellation - client gave up, don't count
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Everything else counts (network, timeout, connection issues)
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker
	Name string

	// ErrorThreshold is the error rate (0.0 to 1.0) that triggers opening
	ErrorThreshold float64

	// VolumeThreshold is the minimum number of requests before evaluation
	VolumeThreshold int

	// SleepWindow is how long to wait before entering half-open state
	SleepWindow time.Duration

	// HalfOpenRequests is the number of test requests in half-open state
	HalfOpenRequests int

	// SuccessThreshold is the success rate needed to close from half-open
	SuccessThreshold float64

	// WindowSize is the sliding window duration for metrics
	WindowSize time.Duration

	// BucketCount is the number of buckets in the sliding window
	BucketCount int

	// ErrorClassifier determines which errors count as failures
	ErrorClassifier ErrorClassifier

	// Metrics receives call outcomes and state transitions
	Metrics MetricsCollector

	// Logger for circuit breaker events
	Logger core.Logger
}

// DefaultConfig returns a production-ready default configuration
func DefaultConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "default",
		ErrorThreshold:   0.5, // 50% error rate
		VolumeThreshold:  10,  // Need 10 requests minimum
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 5,
		SuccessThreshold: 0.6, // 60% success to recover
		WindowSize:       60 * time.Second,
		BucketCount:      10,
		ErrorClassifier:  DefaultErrorClassifier,
		Metrics:          NoOpMetrics{},
		Logger:           &core.NoOpLogger{},
	}
}

// Validate checks the configuration for invalid values
func (c *CircuitBreakerConfig) Validate() error {
	if c.ErrorThreshold < 0 || c.ErrorThreshold > 1 {
		return fmt.Errorf("error threshold must be between 0.0 and 1.0, got %f: %w",
			c.ErrorThreshold, core.ErrInvalidConfiguration)
	}
	if c.SuccessThreshold < 0 || c.SuccessThreshold > 1 {
		return fmt.Errorf("success threshold must be between 0.0 and 1.0, got %f: %w",
			c.SuccessThreshold, core.ErrInvalidConfiguration)
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("window size must be positive, got %v: %w",
			c.WindowSize, core.ErrInvalidConfiguration)
	}
	if c.SleepWindow <= 0 {
		return fmt.Errorf("sleep window must be positive, got %v: %w",
			c.SleepWindow, core.ErrInvalidConfiguration)
	}
	return nil
}

// CircuitBreaker protects a dependency from repeated calls while it is
// failing. State transitions follow the usual closed -> open -> half-open
// cycle driven by the error rate observed in a sliding window.
type CircuitBreaker struct {
	config *CircuitBreakerConfig
	window *SlidingWindow

	mu               sync.Mutex
	state            CircuitState
	stateChangedAt   time.Time
	halfOpenTotal    int
	halfOpenSuccess  int
	halfOpenFailures int
}

// NewCircuitBreaker creates a circuit breaker with the given configuration
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Metrics == nil {
		config.Metrics = NoOpMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}

	return &CircuitBreaker{
		config:         config,
		window:         NewSlidingWindow(config.WindowSize, config.BucketCount),
		state:          StateClosed,
		stateChangedAt: time.Now(),
	}, nil
}

// Execute runs fn under circuit breaker protection. When the circuit is
// open the call is rejected with core.ErrCircuitBreakerOpen without
// invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !cb.CanExecute() {
		cb.config.Metrics.RecordRejection(cb.config.Name)
		cb.config.Logger.Warn("Circuit breaker rejected request", map[string]interface{}{
			"operation": "circuit_breaker_rejection",
			"name":      cb.config.Name,
			"state":     cb.GetState(),
		})
		return fmt.Errorf("%s: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
	}

	err := fn()
	if err == nil {
		cb.RecordSuccess()
		cb.config.Metrics.RecordSuccess(cb.config.Name)
		return nil
	}

	// Errors that say nothing about dependency health are passed through
	// without touching the window
	if cb.config.ErrorClassifier(err) {
		cb.RecordFailure()
		cb.config.Metrics.RecordFailure(cb.config.Name, core.ErrorKind(err))
	}
	return err
}

// CanExecute reports whether the circuit breaker allows another request.
// An open circuit transitions to half-open once the sleep window elapses.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.stateChangedAt) > cb.config.SleepWindow {
			cb.transitionToLocked(StateHalfOpen)
			return true
		}
		return false
	default:
		// Half-open: admit up to the configured number of test requests
		if cb.halfOpenTotal < cb.config.HalfOpenRequests {
			cb.halfOpenTotal++
			return true
		}
		return false
	}
}

// RecordSuccess records a successful operation
func (cb *CircuitBreaker) RecordSuccess() {
	cb.window.RecordSuccess()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.halfOpenSuccess++
	}
	cb.evaluateStateLocked()
}

// RecordFailure records a failed operation
func (cb *CircuitBreaker) RecordFailure() {
	cb.window.RecordFailure()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.halfOpenFailures++
	}
	cb.evaluateStateLocked()
}

// GetState returns the current state as a string
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// GetMetrics returns a snapshot of the breaker's counters for diagnostics
func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	success, failure := cb.window.GetCounts()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"name":       cb.config.Name,
		"state":      cb.state.String(),
		"successes":  success,
		"failures":   failure,
		"error_rate": cb.window.GetErrorRate(),
	}
}

// Reset returns the breaker to the closed state and clears its window
func (cb *CircuitBreaker) Reset() {
	cb.window.reset()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionToLocked(StateClosed)
}

// evaluateStateLocked applies the threshold rules. Must be called with
// cb.mu held.
func (cb *CircuitBreaker) evaluateStateLocked() {
	switch cb.state {
	case StateClosed:
		errorRate := cb.window.GetErrorRate()
		total := cb.window.GetTotal()
		if cb.config.VolumeThreshold > 0 && total >= uint64(cb.config.VolumeThreshold) && errorRate >= cb.config.ErrorThreshold {
			cb.config.Logger.Info("Circuit breaker opening due to error threshold", map[string]interface{}{
				"operation":        "circuit_breaker_opening",
				"name":             cb.config.Name,
				"error_rate":       errorRate,
				"error_threshold":  cb.config.ErrorThreshold,
				"total_requests":   total,
				"volume_threshold": cb.config.VolumeThreshold,
			})
			cb.transitionToLocked(StateOpen)
		}

	case StateHalfOpen:
		completed := cb.halfOpenSuccess + cb.halfOpenFailures
		if cb.config.HalfOpenRequests > 0 && completed >= cb.config.HalfOpenRequests {
			successRate := float64(cb.halfOpenSuccess) / float64(completed)
			if successRate >= cb.config.SuccessThreshold {
				cb.transitionToLocked(StateClosed)
			} else {
				cb.transitionToLocked(StateOpen)
			}
		}
	}
}

// transitionToLocked changes state. Must be called with cb.mu held.
func (cb *CircuitBreaker) transitionToLocked(newState CircuitState) {
	oldState := cb.state
	if oldState == newState {
		return
	}

	cb.state = newState
	cb.stateChangedAt = time.Now()

	if newState == StateHalfOpen {
		cb.halfOpenTotal = 0
		cb.halfOpenSuccess = 0
		cb.halfOpenFailures = 0
	}

	cb.config.Metrics.RecordStateChange(cb.config.Name, oldState.String(), newState.String())
	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation":  "circuit_breaker_transition",
		"name":       cb.config.Name,
		"from":       oldState.String(),
		"to":         newState.String(),
		"error_rate": cb.window.GetErrorRate(),
	})

	// Entering closed starts from a clean window so failures recorded
	// before the outage cannot immediately re-trip the breaker
	if newState == StateClosed {
		cb.window.reset()
	}
}

// bucket is one time slice of the sliding window
type bucket struct {
	timestamp time.Time
	success   uint64
	failure   uint64
}

// SlidingWindow tracks success and failure counts over a rolling time
// window divided into fixed-size buckets.
type SlidingWindow struct {
	buckets      []bucket
	windowSize   time.Duration
	bucketSize   time.Duration
	currentIdx   int
	lastRotation time.Time
	mu           sync.RWMutex
}

// NewSlidingWindow creates a sliding window over windowSize split into
// bucketCount buckets.
func NewSlidingWindow(windowSize time.Duration, bucketCount int) *SlidingWindow {
	if bucketCount <= 0 {
		bucketCount = 10
	}

	bucketSize := windowSize / time.Duration(bucketCount)
	buckets := make([]bucket, bucketCount)
	now := time.Now()
	for i := range buckets {
		buckets[i].timestamp = now
	}

	return &SlidingWindow{
		buckets:      buckets,
		windowSize:   windowSize,
		bucketSize:   bucketSize,
		lastRotation: now,
	}
}

// rotateBuckets advances the current bucket pointer. Must be called with
// sw.mu held for writing.
func (sw *SlidingWindow) rotateBuckets() {
	now := time.Now()
	elapsed := now.Sub(sw.lastRotation)

	// If the clock jumped backward, start over rather than serving
	// counts from the future
	if elapsed < 0 {
		sw.resetLocked(now)
		return
	}

	if elapsed >= sw.bucketSize {
		bucketsToRotate := int(elapsed / sw.bucketSize)
		if bucketsToRotate > len(sw.buckets) {
			bucketsToRotate = len(sw.buckets)
		}

		for i := 0; i < bucketsToRotate; i++ {
			sw.currentIdx = (sw.currentIdx + 1) % len(sw.buckets)
			sw.buckets[sw.currentIdx] = bucket{timestamp: now}
		}

		sw.lastRotation = now
	}
}

func (sw *SlidingWindow) reset() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.resetLocked(time.Now())
}

func (sw *SlidingWindow) resetLocked(now time.Time) {
	for i := range sw.buckets {
		sw.buckets[i] = bucket{timestamp: now}
	}
	sw.currentIdx = 0
	sw.lastRotation = now
}

// RecordSuccess records a successful operation
func (sw *SlidingWindow) RecordSuccess() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotateBuckets()
	sw.buckets[sw.currentIdx].success++
}

// RecordFailure records a failed operation
func (sw *SlidingWindow) RecordFailure() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotateBuckets()
	sw.buckets[sw.currentIdx].failure++
}

// GetCounts returns success and failure counts inside the window
func (sw *SlidingWindow) GetCounts() (success, failure uint64) {
	sw.mu.RLock()
	defer sw.mu.RUnlock()

	cutoff := time.Now().Add(-sw.windowSize)
	for i := range sw.buckets {
		b := &sw.buckets[i]
		if b.timestamp.After(cutoff) {
			success += b.success
			failure += b.failure
		}
	}
	return success, failure
}

// GetErrorRate returns the current error rate
func (sw *SlidingWindow) GetErrorRate() float64 {
	success, failure := sw.GetCounts()
	total := success + failure
	if total == 0 {
		return 0
	}
	return float64(failure) / float64(total)
}

// GetTotal returns the total number of requests in the window
func (sw *SlidingWindow) GetTotal() uint64 {
	success, failure := sw.GetCounts()
	return success + failure
}
