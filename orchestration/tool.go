package orchestration

import (
	"context"
)

// ParamSpec describes one tool parameter. Type names follow JSON schema
// primitives: string, number, integer, boolean, object, array.
type ParamSpec struct {
	Name        string        `json:"name"`
	Type        string        `json:"type"`
	Required    bool          `json:"required"`
	Default     interface{}   `json:"default,omitempty"`
	Enum        []interface{} `json:"enum,omitempty"`
	Description string        `json:"description,omitempty"`
}

// ToolMeta is a tool's self-description. Idempotent and PaymentClass feed
// validation heuristics and mandate issuance; SupportsRollback marks tools
// whose effects the orchestrator can compensate.
type ToolMeta struct {
	ID               string      `json:"id"`
	Description      string      `json:"description,omitempty"`
	Params           []ParamSpec `json:"params,omitempty"`
	Idempotent       bool        `json:"idempotent"`
	SupportsRollback bool        `json:"supports_rollback"`
	PaymentClass     bool        `json:"payment_class"`
	CostPerCall      float64     `json:"cost_per_call,omitempty"`
}

// RunContext carries execution identity into a tool invocation. Attempt
// starts at 1 and increases across retries of the same step.
type RunContext struct {
	ExecutionID string
	AgentID     string
	TenantID    string
	UserID      string
	StepID      string
	Variables   *VariableStore
	Attempt     int
}

// Tool is a single capability a workflow step can invoke. Execute receives
// parameters already resolved and validated against Meta().Params and must
// honor ctx cancellation.
type Tool interface {
	Meta() ToolMeta
	Execute(ctx context.Context, params map[string]interface{}, rc RunContext) (map[string]interface{}, error)
}

// RollbackableTool is a Tool whose completed effect can be compensated.
// Rollback receives the original resolved parameters and the output the
// forward call produced.
type RollbackableTool interface {
	Tool
	Rollback(ctx context.Context, params map[string]interface{}, output map[string]interface{}, rc RunContext) error
}
