package resilience

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// NewCircuitBreakerWithMetrics creates a circuit breaker that publishes its
// outcomes through OpenTelemetry. The telemetry provider must be initialized
// before measurements reach an exporter; until then they are dropped.
func NewCircuitBreakerWithMetrics(ctx context.Context, name string) (*CircuitBreaker, error) {
	config := DefaultConfig()
	config.Name = name
	config.Metrics = NewOTelMetricsCollector(ctx)
	return NewCircuitBreaker(config)
}

// ExecuteWithMetrics runs fn under breaker protection and records the call
// duration. The breaker's own collector handles outcome counters, this adds
// the latency histogram on top.
func ExecuteWithMetrics(ctx context.Context, cb *CircuitBreaker, collector *OTelMetricsCollector, fn func() error) error {
	start := time.Now()
	err := cb.Execute(ctx, fn)

	status := "success"
	if err != nil {
		status = "failure"
	}
	_ = collector.metrics.RecordDuration(ctx, "circuit_breaker.duration_ms",
		float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(
			attribute.String("name", cb.config.Name),
			attribute.String("status", status),
		))
	return err
}

// RetryWithMetrics wraps Retry with per-attempt and outcome instrumentation.
// A nil collector degrades to a plain Retry call.
func RetryWithMetrics(ctx context.Context, operation string, config *RetryConfig, collector *OTelMetricsCollector, fn func() error) error {
	if collector == nil {
		return Retry(ctx, config, fn)
	}

	start := time.Now()
	attempts := 0
	err := Retry(ctx, config, func() error {
		attempts++
		collector.RecordRetryAttempt(operation, attempts)
		return fn()
	})
	collector.RecordRetryResult(operation, attempts, float64(time.Since(start).Milliseconds()), err)
	return err
}
