package orchestration

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exposes orchestrator health for scraping. All metrics
// live under the "strand" namespace:
//
//	inflight_executions      gauge      executions currently running
//	executions_total         counter    finished executions by terminal status
//	step_latency_ms          histogram  step duration by tool and outcome
//	step_retries_total       counter    retry attempts by tool
//	rollbacks_total          counter    compensation passes started
//	mandates_appended_total  counter    mandate chain appends by kind
//
// A nil *PrometheusMetrics is a valid no-op recorder, so the orchestrator
// can carry one unconditionally.
type PrometheusMetrics struct {
	inflight         prometheus.Gauge
	executions       *prometheus.CounterVec
	stepLatency      *prometheus.HistogramVec
	stepRetries      *prometheus.CounterVec
	rollbacks        prometheus.Counter
	mandatesAppended *prometheus.CounterVec
}

// NewPrometheusMetrics registers the orchestrator metrics with the given
// registry. Pass prometheus.DefaultRegisterer for the global registry or a
// fresh prometheus.NewRegistry() for isolation; nil falls back to the
// default registerer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "strand",
			Name:      "inflight_executions",
			Help:      "Number of workflow executions currently running",
		}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strand",
			Name:      "executions_total",
			Help:      "Finished workflow executions by terminal status",
		}, []string{"status"}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "strand",
			Name:      "step_latency_ms",
			Help:      "Step execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"tool", "status"}),
		stepRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strand",
			Name:      "step_retries_total",
			Help:      "Step retry attempts by tool",
		}, []string{"tool"}),
		rollbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "strand",
			Name:      "rollbacks_total",
			Help:      "Compensation passes started after a ROLLBACK policy failure",
		}),
		mandatesAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strand",
			Name:      "mandates_appended_total",
			Help:      "Mandates appended to chains by kind",
		}, []string{"kind"}),
	}
}

// ExecutionStarted bumps the inflight gauge.
func (p *PrometheusMetrics) ExecutionStarted() {
	if p == nil {
		return
	}
	p.inflight.Inc()
}

// ExecutionFinished decrements the inflight gauge and counts the terminal
// status.
func (p *PrometheusMetrics) ExecutionFinished(status ExecutionStatus) {
	if p == nil {
		return
	}
	p.inflight.Dec()
	p.executions.WithLabelValues(string(status)).Inc()
}

// StepObserved records one step attempt's duration and outcome.
func (p *PrometheusMetrics) StepObserved(toolID string, d time.Duration, status StepStatus) {
	if p == nil {
		return
	}
	p.stepLatency.WithLabelValues(toolID, string(status)).Observe(float64(d.Milliseconds()))
}

// StepRetried counts one retry attempt for a tool.
func (p *PrometheusMetrics) StepRetried(toolID string) {
	if p == nil {
		return
	}
	p.stepRetries.WithLabelValues(toolID).Inc()
}

// RollbackStarted counts a compensation pass.
func (p *PrometheusMetrics) RollbackStarted() {
	if p == nil {
		return
	}
	p.rollbacks.Inc()
}

// MandateAppended counts a chain append by mandate kind.
func (p *PrometheusMetrics) MandateAppended(kind MandateKind) {
	if p == nil {
		return
	}
	p.mandatesAppended.WithLabelValues(string(kind)).Inc()
}
