package orchestration

import (
	"time"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// StepStatus represents the state of a single step within an execution.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// ExecutionContext carries the immutable inputs of one execution. It is
// captured on the record at creation time and never mutated afterwards;
// live state goes into the execution's variable map instead.
type ExecutionContext struct {
	AgentID        string                 `json:"agent_id"`
	TenantID       string                 `json:"tenant_id"`
	UserID         string                 `json:"user_id,omitempty"`
	WorkflowID     string                 `json:"workflow_id,omitempty"`
	TriggerPayload map[string]interface{} `json:"trigger_payload,omitempty"`
	Metadata       map[string]string      `json:"metadata,omitempty"`
}

// Execution is one live or historical run of a workflow.
type Execution struct {
	ID             string                 `json:"id"`
	AgentID        string                 `json:"agent_id"`
	TenantID       string                 `json:"tenant_id"`
	WorkflowID     string                 `json:"workflow_id"`
	Status         ExecutionStatus        `json:"status"`
	Context        ExecutionContext       `json:"context"`
	Variables      map[string]interface{} `json:"variables,omitempty"`
	StepResults    []StepResult           `json:"step_results,omitempty"`
	MandateChainID string                 `json:"mandate_chain_id,omitempty"`
	Failure        *FailureReason         `json:"failure,omitempty"`
	Metrics        ExecutionMetrics       `json:"metrics"`
	StartedAt      time.Time              `json:"started_at"`
	EndedAt        *time.Time             `json:"ended_at,omitempty"`
}

// StepResult captures the outcome of a single step. Attempts counts every
// invocation of the tool, so a step that succeeds first time reports 1.
type StepResult struct {
	StepID    string                 `json:"step_id"`
	ToolID    string                 `json:"tool_id,omitempty"`
	Status    StepStatus             `json:"status"`
	Attempts  int                    `json:"attempts"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	StartedAt time.Time              `json:"started_at"`
	EndedAt   *time.Time             `json:"ended_at,omitempty"`
}

// Duration returns how long the step ran, zero while still in flight.
func (r *StepResult) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// FailureReason describes why an execution finalized as FAILED or CANCELLED.
// Kind uses the error kind vocabulary from the core package so callers can
// branch without string matching on messages.
type FailureReason struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	StepID   string `json:"step_id,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// ExecutionMetrics aggregates per-execution counters, computed during the
// run and frozen at finalization.
type ExecutionMetrics struct {
	TotalSteps      int     `json:"total_steps"`
	CompletedSteps  int     `json:"completed_steps"`
	FailedSteps     int     `json:"failed_steps"`
	SkippedSteps    int     `json:"skipped_steps"`
	RetriedSteps    int     `json:"retried_steps"`
	DurationMs      int64   `json:"duration_ms"`
	CostAccumulated float64 `json:"cost_accumulated"`
}

// StepResult returns the recorded result for a step id, nil when the step
// has not been reached.
func (e *Execution) StepResult(stepID string) *StepResult {
	for i := range e.StepResults {
		if e.StepResults[i].StepID == stepID {
			return &e.StepResults[i]
		}
	}
	return nil
}

// upsertStepResult replaces the entry for the step id or appends a new one,
// preserving the order steps were first reached in.
func (e *Execution) upsertStepResult(r StepResult) {
	for i := range e.StepResults {
		if e.StepResults[i].StepID == r.StepID {
			e.StepResults[i] = r
			return
		}
	}
	e.StepResults = append(e.StepResults, r)
}

// CompletedStepsInOrder returns the step results that reached COMPLETED, in
// the order they completed. Rollback walks this slice in reverse.
func (e *Execution) CompletedStepsInOrder() []StepResult {
	out := make([]StepResult, 0, len(e.StepResults))
	for _, r := range e.StepResults {
		if r.Status == StepCompleted {
			out = append(out, r)
		}
	}
	return out
}

// Agent is the workflow-owning entity loaded through the store. An agent
// owns exactly one workflow definition plus aggregate execution metrics.
type Agent struct {
	ID        string       `json:"id"`
	TenantID  string       `json:"tenant_id"`
	Name      string       `json:"name"`
	Workflow  *Workflow    `json:"workflow"`
	Metrics   AgentMetrics `json:"metrics"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// AgentMetrics aggregates execution outcomes across an agent's history.
type AgentMetrics struct {
	TotalExecutions     int64   `json:"total_executions"`
	CompletedExecutions int64   `json:"completed_executions"`
	FailedExecutions    int64   `json:"failed_executions"`
	CancelledExecutions int64   `json:"cancelled_executions"`
	TotalCost           float64 `json:"total_cost"`
	TotalDurationMs     int64   `json:"total_duration_ms"`
}

// Apply folds one finished execution into the aggregate.
func (m *AgentMetrics) Apply(x *Execution) {
	m.TotalExecutions++
	switch x.Status {
	case ExecutionCompleted:
		m.CompletedExecutions++
	case ExecutionFailed:
		m.FailedExecutions++
	case ExecutionCancelled:
		m.CancelledExecutions++
	}
	m.TotalCost += x.Metrics.CostAccumulated
	m.TotalDurationMs += x.Metrics.DurationMs
}
