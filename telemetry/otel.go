// Package telemetry wires OpenTelemetry tracing and metrics into the
// framework. Initialize it once from main, then inject the provider into
// the orchestrator so workflow executions produce spans and metrics:
//
//	if err := telemetry.Initialize(telemetry.FromCoreConfig(cfg.Telemetry, cfg.Name)); err != nil {
//	    log.Fatal(err)
//	}
//	defer telemetry.Shutdown(context.Background())
//
// The package is safe to use uninitialized: span helpers become no-ops and
// GetTelemetryProvider returns nil, which components treat as "telemetry
// disabled".
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/strandflow/strand/core"
)

var (
	// globalProvider holds the singleton provider. atomic.Value gives
	// lock-free reads on the emission hot path; it is written once by
	// Initialize and cleared by Shutdown.
	globalProvider atomic.Value // *OTelProvider

	// initOnce ensures Initialize only takes effect once
	initOnce sync.Once
)

// OTelProvider implements core.Telemetry with OpenTelemetry
type OTelProvider struct {
	tracer        trace.Tracer
	instruments   *MetricInstruments
	traceProvider *sdktrace.TracerProvider
	meterProvider *sdkmetric.MeterProvider
}

// Initialize activates the telemetry system with the given configuration.
// It must be called once from main before executions start. Subsequent
// calls are no-ops returning the first result.
//
// With Endpoint set to "stdout" spans are pretty-printed to standard
// output instead of being shipped to a collector, which is the intended
// mode for local development.
func Initialize(config Config) error {
	var initErr error
	initOnce.Do(func() {
		if !config.Enabled {
			return
		}

		provider, err := NewOTelProvider(config)
		if err != nil {
			initErr = err
			return
		}

		globalProvider.Store(provider)
	})
	return initErr
}

// NewOTelProvider creates a provider without touching the global singleton.
// Most callers want Initialize; this exists for tests and embedders that
// manage provider lifecycles themselves.
func NewOTelProvider(config Config) (*OTelProvider, error) {
	if config.ServiceName == "" {
		config.ServiceName = "strand-orchestrator"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = "1.0.0"
	}
	if config.SamplingRate <= 0 {
		config.SamplingRate = 1.0
	}
	if config.ExportTimeout <= 0 {
		config.ExportTimeout = 30 * time.Second
	}
	if config.MetricInterval <= 0 {
		config.MetricInterval = 60 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := &OTelProvider{}
	ctx := context.Background()

	if config.TracingEnabled {
		exporter, err := newTraceExporter(ctx, config)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
		)

		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))

		provider.traceProvider = tp
		provider.tracer = tp.Tracer("strand")
	} else {
		provider.tracer = otel.Tracer("strand")
	}

	if config.MetricsEnabled && config.Endpoint != "" && config.Endpoint != "stdout" {
		exporter, err := newMetricExporter(ctx, config)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}

		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(config.MetricInterval))),
		)

		otel.SetMeterProvider(mp)
		provider.meterProvider = mp
	}

	provider.instruments = NewMetricInstruments("strand")

	return provider, nil
}

func newTraceExporter(ctx context.Context, config Config) (sdktrace.SpanExporter, error) {
	if config.Endpoint == "stdout" || config.Endpoint == "" {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.Endpoint),
		otlptracehttp.WithTimeout(config.ExportTimeout),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}

func newMetricExporter(ctx context.Context, config Config) (sdkmetric.Exporter, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(config.Endpoint),
		otlpmetrichttp.WithTimeout(config.ExportTimeout),
	}
	if config.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	return otlpmetrichttp.New(ctx, opts...)
}

// StartSpan starts a new telemetry span
func (o *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := o.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric records a metric value. Names ending in "_ms" or
// ".duration" are recorded as histograms, everything else as float
// counters. Labels become attributes.
func (o *OTelProvider) RecordMetric(name string, value float64, labels map[string]string) {
	if o.instruments == nil {
		return
	}

	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}

	ctx := context.Background()
	if strings.HasSuffix(name, "_ms") || strings.HasSuffix(name, ".duration") {
		_ = o.instruments.RecordHistogram(ctx, name, value, metric.WithAttributes(attrs...))
		return
	}
	_ = o.instruments.RecordFloatCounter(ctx, name, value, metric.WithAttributes(attrs...))
}

// Shutdown flushes and stops the trace and metric pipelines
func (o *OTelProvider) Shutdown(ctx context.Context) error {
	var firstErr error
	if o.traceProvider != nil {
		if err := o.traceProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if o.meterProvider != nil {
		if err := o.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown gracefully shuts down the global telemetry system
func Shutdown(ctx context.Context) error {
	p := globalProvider.Load()
	if p == nil {
		return nil
	}
	provider, ok := p.(*OTelProvider)
	if !ok || provider == nil {
		return nil
	}

	// Clear the global so emission becomes a no-op after shutdown
	globalProvider.Store((*OTelProvider)(nil))

	return provider.Shutdown(ctx)
}

// GetTelemetryProvider returns the global provider as core.Telemetry.
// Use this to inject telemetry into the orchestrator after Initialize:
//
//	if provider := telemetry.GetTelemetryProvider(); provider != nil {
//	    deps.Telemetry = provider
//	}
//
// Returns nil if telemetry is not initialized.
func GetTelemetryProvider() core.Telemetry {
	p := globalProvider.Load()
	if p == nil {
		return nil
	}
	provider, ok := p.(*OTelProvider)
	if !ok || provider == nil {
		return nil
	}
	return provider
}

// otelSpan wraps an OpenTelemetry span to implement core.Span
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}
