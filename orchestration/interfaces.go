package orchestration

import (
	"context"

	"github.com/strandflow/strand/core"
)

// Orchestrator runs agent workflows and manages their lifecycle.
type Orchestrator interface {
	// Execute runs the agent's workflow to a terminal state. The returned
	// result carries the finished execution record and any non-fatal
	// warnings (unresolved templates, validation heuristics). A non-nil
	// error is returned both when the execution could not start (unknown
	// agent, invalid workflow) and when it finished FAILED or CANCELLED;
	// in the latter case the result is still populated.
	Execute(ctx context.Context, agentID string, execCtx ExecutionContext, initialVariables map[string]interface{}) (*ExecutionResult, error)

	// Cancel requests cooperative cancellation of a running execution.
	// It returns core.ErrExecutionNotFound for unknown IDs and
	// core.ErrAlreadyTerminal when the execution already finished.
	// When Cancel returns nil the execution has reached CANCELLED and
	// no further step events will be published for it.
	Cancel(ctx context.Context, executionID string) error

	// GetExecution loads a historical or in-flight execution record.
	GetExecution(ctx context.Context, executionID string) (*Execution, error)

	// Subscribe streams lifecycle events for one agent. The caller must
	// invoke the returned unsubscribe function when done.
	Subscribe(ctx context.Context, agentID string) (<-chan Event, func(), error)
}

// ExecutionResult is what Execute hands back to the caller.
type ExecutionResult struct {
	// Execution is the finished record, including per-step results,
	// metrics, and the failure reason when the run did not complete.
	Execution *Execution `json:"execution"`

	// Warnings collects non-fatal diagnostics gathered during the run:
	// validation heuristics, unresolved template paths, and condition
	// expressions that referenced missing variables.
	Warnings []string `json:"warnings,omitempty"`
}

// Dependencies carries everything an orchestrator needs. Zero-value
// fields are replaced with working defaults by CreateOrchestrator:
// in-memory storage and events, a no-op logger, the system clock.
type Dependencies struct {
	// Store persists agents, executions, and mandate chains.
	Store Store

	// EventBus publishes execution lifecycle and step update events.
	EventBus EventBus

	// Registry resolves tool IDs to implementations.
	Registry *ToolRegistry

	// Engine validates and orders workflows before execution.
	Engine *WorkflowEngine

	// Chains manages hash-linked mandate chains for payment steps.
	Chains *ChainManager

	// Signer signs mandates appended during execution. Optional; when
	// nil, mandates are appended unsigned in PENDING status.
	Signer core.Signer

	// Clock supplies time and interruptible sleeps. Tests substitute a
	// fake to make retry backoff deterministic.
	Clock core.Clock

	// Logger receives structured execution logs.
	Logger core.Logger

	// Telemetry opens spans around executions and steps.
	Telemetry core.Telemetry

	// Prometheus records operational metrics. Optional; nil disables
	// prometheus instrumentation without disabling the in-memory
	// aggregates.
	Prometheus *PrometheusMetrics
}
