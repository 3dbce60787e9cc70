package orchestration

import (
	"testing"
	"time"
)

// =============================================================================
// Orchestrator Metrics Tests
// =============================================================================

func finishedStep(toolID string, status StepStatus, attempts int, duration time.Duration) StepResult {
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ended := started.Add(duration)
	return StepResult{
		StepID:    "step-" + toolID,
		ToolID:    toolID,
		Status:    status,
		Attempts:  attempts,
		StartedAt: started,
		EndedAt:   &ended,
	}
}

func TestOrchestratorMetrics_RecordExecution(t *testing.T) {
	m := NewOrchestratorMetrics()

	m.RecordExecution(&Execution{
		Status:  ExecutionCompleted,
		Metrics: ExecutionMetrics{DurationMs: 1000, CostAccumulated: 2.5},
		StepResults: []StepResult{
			finishedStep("http_request", StepCompleted, 1, 120*time.Millisecond),
			{StepID: "trigger", Status: StepCompleted}, // no tool id, not counted
		},
	})
	m.RecordExecution(&Execution{
		Status:  ExecutionFailed,
		Metrics: ExecutionMetrics{DurationMs: 500, CostAccumulated: 0.5},
		StepResults: []StepResult{
			finishedStep("http_request", StepCompleted, 1, 40*time.Millisecond),
			finishedStep("charge_stripe", StepFailed, 3, 80*time.Millisecond),
		},
	})
	m.RecordExecution(&Execution{Status: ExecutionCancelled})

	snap := m.GetMetrics()

	if snap.TotalExecutions != 3 {
		t.Errorf("TotalExecutions = %d, want 3", snap.TotalExecutions)
	}
	if snap.Completed != 1 || snap.Failed != 1 || snap.Cancelled != 1 {
		t.Errorf("terminal counts = %d/%d/%d, want 1/1/1", snap.Completed, snap.Failed, snap.Cancelled)
	}
	if want := float64(1) / float64(3); snap.SuccessRate != want {
		t.Errorf("SuccessRate = %v, want %v", snap.SuccessRate, want)
	}
	if snap.AverageTime != 500*time.Millisecond {
		t.Errorf("AverageTime = %v, want 500ms", snap.AverageTime)
	}
	if snap.TotalCost != 3.0 {
		t.Errorf("TotalCost = %v, want 3.0", snap.TotalCost)
	}

	httpStats, ok := snap.ToolMetrics["http_request"]
	if !ok {
		t.Fatal("no metrics recorded for http_request")
	}
	if httpStats.Invocations != 2 || httpStats.Successful != 2 || httpStats.Failed != 0 {
		t.Errorf("http_request counts = %+v, want 2 invocations all successful", httpStats)
	}
	if httpStats.MinTime != 40*time.Millisecond || httpStats.MaxTime != 120*time.Millisecond {
		t.Errorf("http_request min/max = %v/%v, want 40ms/120ms", httpStats.MinTime, httpStats.MaxTime)
	}
	if httpStats.AverageTime != 80*time.Millisecond {
		t.Errorf("http_request AverageTime = %v, want 80ms", httpStats.AverageTime)
	}

	chargeStats := snap.ToolMetrics["charge_stripe"]
	if chargeStats.Failed != 1 {
		t.Errorf("charge_stripe Failed = %d, want 1", chargeStats.Failed)
	}
	if chargeStats.Retries != 2 {
		t.Errorf("charge_stripe Retries = %d, want 2 (attempts beyond the first)", chargeStats.Retries)
	}
	if chargeStats.SuccessRate != 0 {
		t.Errorf("charge_stripe SuccessRate = %v, want 0", chargeStats.SuccessRate)
	}

	if _, ok := snap.ToolMetrics[""]; ok {
		t.Error("step result without a tool id was counted")
	}
}

func TestOrchestratorMetrics_EmptySnapshot(t *testing.T) {
	m := NewOrchestratorMetrics()

	snap := m.GetMetrics()
	if snap.TotalExecutions != 0 || snap.SuccessRate != 0 || snap.AverageTime != 0 {
		t.Errorf("empty snapshot = %+v, want zeros", snap)
	}
	if snap.ToolMetrics == nil {
		t.Error("ToolMetrics is nil, want empty map")
	}
}

func TestOrchestratorMetrics_Reset(t *testing.T) {
	m := NewOrchestratorMetrics()
	m.RecordExecution(&Execution{
		Status:      ExecutionCompleted,
		Metrics:     ExecutionMetrics{DurationMs: 100, CostAccumulated: 1},
		StepResults: []StepResult{finishedStep("http_request", StepCompleted, 1, time.Millisecond)},
	})

	m.Reset()

	snap := m.GetMetrics()
	if snap.TotalExecutions != 0 || snap.TotalCost != 0 {
		t.Errorf("snapshot after Reset = %+v, want zeros", snap)
	}
	if len(snap.ToolMetrics) != 0 {
		t.Errorf("ToolMetrics after Reset = %v, want empty", snap.ToolMetrics)
	}
}
