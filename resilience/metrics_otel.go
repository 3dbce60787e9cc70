package resilience

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/strandflow/strand/telemetry"
)

// MetricsCollector receives circuit breaker outcomes. Implementations must be
// safe for concurrent use; collectors are invoked on the request path.
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorKind string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// NoOpMetrics discards all measurements. Used when no collector is configured.
type NoOpMetrics struct{}

func (NoOpMetrics) RecordSuccess(string)                    {}
func (NoOpMetrics) RecordFailure(string, string)            {}
func (NoOpMetrics) RecordStateChange(string, string, string) {}
func (NoOpMetrics) RecordRejection(string)                  {}

// Metric names emitted by the OTel collector. Kept stable so dashboards can
// query across releases.
const (
	metricBreakerCalls        = "circuit_breaker.calls"
	metricBreakerFailures     = "circuit_breaker.failures"
	metricBreakerStateChanges = "circuit_breaker.state_changes"
	metricBreakerState        = "circuit_breaker.current_state"
	metricBreakerRejected     = "circuit_breaker.rejected"

	metricRetryAttempts = "retry.attempts"
	metricRetryOutcomes = "retry.outcomes"
	metricRetryDuration = "retry.duration_ms"
)

// OTelMetricsCollector implements MetricsCollector on top of the telemetry
// module's cached OpenTelemetry instruments.
type OTelMetricsCollector struct {
	metrics *telemetry.MetricInstruments
	ctx     context.Context
}

// NewOTelMetricsCollector creates a collector publishing through the meter
// named strand-resilience. The context is attached to every measurement.
func NewOTelMetricsCollector(ctx context.Context) *OTelMetricsCollector {
	if ctx == nil {
		ctx = context.Background()
	}
	return &OTelMetricsCollector{
		metrics: telemetry.NewMetricInstruments("strand-resilience"),
		ctx:     ctx,
	}
}

// RecordSuccess records a call that completed without a counted error.
func (o *OTelMetricsCollector) RecordSuccess(name string) {
	_ = o.metrics.RecordCounter(o.ctx, metricBreakerCalls, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("status", "success"),
		))
}

// RecordFailure records a call whose error counted toward the threshold.
func (o *OTelMetricsCollector) RecordFailure(name string, errorKind string) {
	_ = o.metrics.RecordCounter(o.ctx, metricBreakerCalls, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("status", "failure"),
		))
	_ = o.metrics.RecordCounter(o.ctx, metricBreakerFailures, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("error_kind", errorKind),
		))
}

// RecordStateChange records a state transition and updates the state level.
func (o *OTelMetricsCollector) RecordStateChange(name string, from, to string) {
	_ = o.metrics.RecordCounter(o.ctx, metricBreakerStateChanges, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("from_state", from),
			attribute.String("to_state", to),
		))

	stateValue := 0.0
	switch to {
	case "open":
		stateValue = 1.0
	case "half-open":
		stateValue = 0.5
	}
	_ = o.metrics.RecordHistogram(o.ctx, metricBreakerState, stateValue,
		metric.WithAttributes(attribute.String("name", name)))
}

// RecordRejection records a request refused by an open circuit.
func (o *OTelMetricsCollector) RecordRejection(name string) {
	_ = o.metrics.RecordCounter(o.ctx, metricBreakerRejected, 1,
		metric.WithAttributes(attribute.String("name", name)))
}

// RecordRetryAttempt records one attempt of a retried operation.
func (o *OTelMetricsCollector) RecordRetryAttempt(operation string, attempt int) {
	_ = o.metrics.RecordCounter(o.ctx, metricRetryAttempts, 1,
		metric.WithAttributes(
			attribute.String("op", operation),
			attribute.Int("attempt", attempt),
		))
}

// RecordRetryResult records the final outcome of a retried operation.
func (o *OTelMetricsCollector) RecordRetryResult(operation string, attempts int, elapsedMS float64, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	_ = o.metrics.RecordCounter(o.ctx, metricRetryOutcomes, 1,
		metric.WithAttributes(
			attribute.String("op", operation),
			attribute.String("status", status),
			attribute.Int("attempts", attempts),
		))
	_ = o.metrics.RecordDuration(o.ctx, metricRetryDuration, elapsedMS,
		metric.WithAttributes(
			attribute.String("op", operation),
			attribute.String("status", status),
		))
}
