package orchestration

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// StepKind classifies a workflow vertex.
type StepKind string

const (
	StepTrigger   StepKind = "TRIGGER"
	StepAction    StepKind = "ACTION"
	StepCondition StepKind = "CONDITION"
	StepApproval  StepKind = "APPROVAL"
)

// ErrorPolicy decides what the orchestrator does when a step's tool fails.
type ErrorPolicy string

const (
	PolicyStop     ErrorPolicy = "STOP"
	PolicyContinue ErrorPolicy = "CONTINUE"
	PolicyRetry    ErrorPolicy = "RETRY"
	PolicyRollback ErrorPolicy = "ROLLBACK"
)

// Step timeout bounds and traversal limits. Validation enforces the timeout
// window; the loop bound caps how often a conditional loopback may revisit
// the same step before the execution fails.
const (
	MinStepTimeout = 1 * time.Second
	MaxStepTimeout = 5 * time.Minute
	MaxStepRetries = 10

	DefaultLoopBound = 100
)

// Workflow is a named, versioned directed graph of steps owned by a tenant.
// Steps keep their authoring order; the engine derives execution order.
type Workflow struct {
	ID          string                 `json:"id" yaml:"id"`
	TenantID    string                 `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Name        string                 `json:"name" yaml:"name"`
	Version     string                 `json:"version,omitempty" yaml:"version,omitempty"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Variables   map[string]interface{} `json:"variables,omitempty" yaml:"variables,omitempty"`
	Steps       []Step                 `json:"steps" yaml:"steps"`
	Constraints *Constraints           `json:"constraints,omitempty" yaml:"constraints,omitempty"`

	// LoopBound overrides the default conditional-loopback iteration cap
	// for this workflow. Zero means DefaultLoopBound.
	LoopBound int `json:"loop_bound,omitempty" yaml:"loop_bound,omitempty"`
}

// Step is a single workflow vertex. Parameters may contain template
// expressions (see ParseTemplate) resolved against the execution's variable
// store just before the tool is invoked.
type Step struct {
	ID          string                 `json:"id" yaml:"id"`
	Name        string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Kind        StepKind               `json:"kind" yaml:"kind"`
	ToolID      string                 `json:"tool_id" yaml:"tool_id"`
	Parameters  map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	TimeoutMS   int64                  `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	ErrorPolicy ErrorPolicy            `json:"error_policy,omitempty" yaml:"error_policy,omitempty"`
	MaxRetries  int                    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Successors  Successors             `json:"successors,omitempty" yaml:"successors,omitempty"`
}

// Successors holds a step's outgoing edges. OnSuccess is the default
// forward edge, OnFailure the edge taken after a CONTINUE-policy failure,
// and Conditional the ordered branch list evaluated by CONDITION steps.
type Successors struct {
	OnSuccess   string            `json:"on_success,omitempty" yaml:"on_success,omitempty"`
	OnFailure   string            `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	Conditional []ConditionalEdge `json:"conditional,omitempty" yaml:"conditional,omitempty"`
}

// ConditionalEdge routes to Target when the When expression evaluates true.
type ConditionalEdge struct {
	When   string `json:"when" yaml:"when"`
	Target string `json:"target" yaml:"target"`
}

// Constraints bound what an execution may do. The orchestrator evaluates
// them before every payment-class step; a violated constraint produces a
// constraint_violation failure routed through the step's error policy.
type Constraints struct {
	TimeLimit *TimeLimitConstraint `json:"time_limit,omitempty" yaml:"time_limit,omitempty"`
	Budget    *BudgetConstraint    `json:"budget,omitempty" yaml:"budget,omitempty"`
	Geo       *GeoConstraint       `json:"geo,omitempty" yaml:"geo,omitempty"`
	Approval  *ApprovalConstraint  `json:"approval,omitempty" yaml:"approval,omitempty"`
}

// TimeLimitConstraint caps total execution wall time in milliseconds.
type TimeLimitConstraint struct {
	MaxExecutionTimeMS int64 `json:"max_execution_time_ms" yaml:"max_execution_time_ms"`
}

// BudgetConstraint caps the accumulated tool cost of one execution.
type BudgetConstraint struct {
	MaxTotalCost float64 `json:"max_total_cost" yaml:"max_total_cost"`
	Currency     string  `json:"currency,omitempty" yaml:"currency,omitempty"`
}

// GeoConstraint allows payments only from the listed regions. The region of
// an execution comes from its context metadata ("region" key).
type GeoConstraint struct {
	AllowedRegions []string `json:"allowed_regions" yaml:"allowed_regions"`
}

// ApprovalConstraint requires an APPROVAL mandate in the execution's chain
// before charging amounts above the threshold.
type ApprovalConstraint struct {
	RequireForPaymentsAbove float64 `json:"require_for_payments_above" yaml:"require_for_payments_above"`
}

// ParseWorkflowYAML parses a workflow definition from YAML.
func ParseWorkflowYAML(data []byte) (*Workflow, error) {
	var workflow Workflow
	if err := yaml.Unmarshal(data, &workflow); err != nil {
		return nil, fmt.Errorf("failed to parse workflow YAML: %w", err)
	}
	return &workflow, nil
}

// ParseWorkflowJSON parses a workflow definition from JSON.
func ParseWorkflowJSON(data []byte) (*Workflow, error) {
	var workflow Workflow
	if err := json.Unmarshal(data, &workflow); err != nil {
		return nil, fmt.Errorf("failed to parse workflow JSON: %w", err)
	}
	return &workflow, nil
}

// Step returns the step with the given id, or nil.
func (w *Workflow) Step(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// TriggerStep returns the workflow's trigger step, or nil when absent.
func (w *Workflow) TriggerStep() *Step {
	for i := range w.Steps {
		if w.Steps[i].Kind == StepTrigger {
			return &w.Steps[i]
		}
	}
	return nil
}

// EffectiveLoopBound returns the workflow's loop bound, falling back to the
// given default, then to DefaultLoopBound.
func (w *Workflow) EffectiveLoopBound(configured int) int {
	if w.LoopBound > 0 {
		return w.LoopBound
	}
	if configured > 0 {
		return configured
	}
	return DefaultLoopBound
}

// Timeout returns the step's timeout as a duration, zero when unset.
func (s *Step) Timeout() time.Duration {
	if s.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// Outgoing returns the step's successor ids in deterministic order:
// conditional targets first (authoring order), then on_success, then
// on_failure. Duplicates are removed, empty targets skipped.
func (s *Step) Outgoing() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, edge := range s.Successors.Conditional {
		add(edge.Target)
	}
	add(s.Successors.OnSuccess)
	add(s.Successors.OnFailure)
	return out
}
