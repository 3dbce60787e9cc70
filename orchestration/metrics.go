package orchestration

import (
	"sync"
	"time"
)

// OrchestratorMetrics tracks in-process execution aggregates. It complements
// PrometheusMetrics: Prometheus serves scraping, this serves programmatic
// introspection (GetMetrics on the orchestrator).
type OrchestratorMetrics struct {
	mu          sync.RWMutex
	executions  int64
	completed   int64
	failed      int64
	cancelled   int64
	totalTime   time.Duration
	totalCost   float64
	toolMetrics map[string]*ToolMetrics
}

// ToolMetrics tracks per-tool invocation statistics.
type ToolMetrics struct {
	Invocations int64
	Successful  int64
	Failed      int64
	Retries     int64
	TotalTime   time.Duration
	AverageTime time.Duration
	MinTime     time.Duration
	MaxTime     time.Duration
}

// NewOrchestratorMetrics creates an empty metrics tracker.
func NewOrchestratorMetrics() *OrchestratorMetrics {
	return &OrchestratorMetrics{
		toolMetrics: make(map[string]*ToolMetrics),
	}
}

// RecordExecution folds a finished execution into the aggregates.
func (m *OrchestratorMetrics) RecordExecution(execution *Execution) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.executions++

	switch execution.Status {
	case ExecutionCompleted:
		m.completed++
	case ExecutionFailed:
		m.failed++
	case ExecutionCancelled:
		m.cancelled++
	}

	m.totalTime += time.Duration(execution.Metrics.DurationMs) * time.Millisecond
	m.totalCost += execution.Metrics.CostAccumulated

	for i := range execution.StepResults {
		result := &execution.StepResults[i]
		if result.ToolID == "" {
			continue
		}
		tm, exists := m.toolMetrics[result.ToolID]
		if !exists {
			tm = &ToolMetrics{MinTime: time.Hour * 24 * 365}
			m.toolMetrics[result.ToolID] = tm
		}

		tm.Invocations++
		switch result.Status {
		case StepCompleted:
			tm.Successful++
		case StepFailed:
			tm.Failed++
		}
		if result.Attempts > 1 {
			tm.Retries += int64(result.Attempts - 1)
		}

		if result.EndedAt != nil {
			duration := result.EndedAt.Sub(result.StartedAt)
			tm.TotalTime += duration
			if duration < tm.MinTime {
				tm.MinTime = duration
			}
			if duration > tm.MaxTime {
				tm.MaxTime = duration
			}
			tm.AverageTime = tm.TotalTime / time.Duration(tm.Invocations)
		}
	}
}

// GetMetrics returns a point-in-time snapshot.
func (m *OrchestratorMetrics) GetMetrics() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		TotalExecutions: m.executions,
		Completed:       m.completed,
		Failed:          m.failed,
		Cancelled:       m.cancelled,
		TotalCost:       m.totalCost,
		ToolMetrics:     make(map[string]ToolMetricsSnapshot),
	}

	if m.executions > 0 {
		snapshot.SuccessRate = float64(m.completed) / float64(m.executions)
		snapshot.AverageTime = m.totalTime / time.Duration(m.executions)
	}

	for toolID, tm := range m.toolMetrics {
		snapshot.ToolMetrics[toolID] = ToolMetricsSnapshot{
			Invocations: tm.Invocations,
			Successful:  tm.Successful,
			Failed:      tm.Failed,
			Retries:     tm.Retries,
			SuccessRate: float64(tm.Successful) / float64(tm.Invocations),
			AverageTime: tm.AverageTime,
			MinTime:     tm.MinTime,
			MaxTime:     tm.MaxTime,
		}
	}

	return snapshot
}

// Reset clears all aggregates.
func (m *OrchestratorMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.executions = 0
	m.completed = 0
	m.failed = 0
	m.cancelled = 0
	m.totalTime = 0
	m.totalCost = 0
	m.toolMetrics = make(map[string]*ToolMetrics)
}

// MetricsSnapshot is a point-in-time view of orchestrator aggregates.
type MetricsSnapshot struct {
	TotalExecutions int64                          `json:"total_executions"`
	Completed       int64                          `json:"completed"`
	Failed          int64                          `json:"failed"`
	Cancelled       int64                          `json:"cancelled"`
	SuccessRate     float64                        `json:"success_rate"`
	AverageTime     time.Duration                  `json:"average_time"`
	TotalCost       float64                        `json:"total_cost"`
	ToolMetrics     map[string]ToolMetricsSnapshot `json:"tool_metrics"`
}

// ToolMetricsSnapshot is per-tool statistics at a point in time.
type ToolMetricsSnapshot struct {
	Invocations int64         `json:"invocations"`
	Successful  int64         `json:"successful"`
	Failed      int64         `json:"failed"`
	Retries     int64         `json:"retries"`
	SuccessRate float64       `json:"success_rate"`
	AverageTime time.Duration `json:"average_time"`
	MinTime     time.Duration `json:"min_time"`
	MaxTime     time.Duration `json:"max_time"`
}
