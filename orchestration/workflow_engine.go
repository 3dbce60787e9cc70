package orchestration

import (
	"fmt"
	"strings"

	"github.com/strandflow/strand/core"
)

// ValidationResult is the outcome of WorkflowEngine.Validate. Errors make
// the workflow unexecutable; warnings flag suspicious but legal shapes.
type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// OrderResult is the outcome of WorkflowEngine.Plan: the deterministic
// execution sequence plus every tolerated conditional loopback edge.
type OrderResult struct {
	Sequence  []string   `json:"sequence"`
	Loopbacks []Loopback `json:"loopbacks,omitempty"`
}

// WorkflowEngine validates workflow graphs and computes execution order.
// Both operations are pure: the engine holds no per-workflow state and is
// safe for concurrent use.
type WorkflowEngine struct {
	registry *ToolRegistry
	logger   core.Logger
}

// NewWorkflowEngine creates an engine. The registry is optional; when
// present it powers the idempotency warning heuristics. A nil logger
// defaults to no-op.
func NewWorkflowEngine(registry *ToolRegistry, logger core.Logger) *WorkflowEngine {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &WorkflowEngine{
		registry: registry,
		logger:   logger,
	}
}

// Validate checks the seven structural rules and collects advisory warnings.
// It never mutates the workflow.
func (e *WorkflowEngine) Validate(workflow *Workflow) ValidationResult {
	result := ValidationResult{}
	if workflow == nil {
		result.Errors = append(result.Errors, "workflow is nil")
		return result
	}

	if len(workflow.Steps) == 0 {
		result.Errors = append(result.Errors, "workflow must contain at least one step")
		return result
	}

	e.validateIdentifiers(workflow, &result)
	e.validateTrigger(workflow, &result)
	e.validateSuccessors(workflow, &result)
	e.validateTemplates(workflow, &result)
	e.validateBounds(workflow, &result)
	e.validateBranching(workflow, &result)
	e.validateReachability(workflow, &result)
	e.validateCycles(workflow, &result)

	e.warnContinueDependents(workflow, &result)
	e.warnNonIdempotentRetry(workflow, &result)

	result.OK = len(result.Errors) == 0

	e.logger.Debug("Workflow validated", map[string]interface{}{
		"operation":   "workflow_validate",
		"workflow_id": workflow.ID,
		"ok":          result.OK,
		"errors":      len(result.Errors),
		"warnings":    len(result.Warnings),
	})
	return result
}

// Order returns the deterministic execution sequence. It fails when the
// workflow does not validate or contains an untolerated cycle.
func (e *WorkflowEngine) Order(workflow *Workflow) ([]string, error) {
	plan, err := e.Plan(workflow)
	if err != nil {
		return nil, err
	}
	return plan.Sequence, nil
}

// Plan computes the execution sequence and the set of conditional loopback
// edges the orchestrator must bound at runtime. Ordering is a topological
// sort over the edge set minus loopbacks, tie-broken by authoring order.
func (e *WorkflowEngine) Plan(workflow *Workflow) (*OrderResult, error) {
	if workflow == nil {
		return nil, core.NewFrameworkError("engine.Plan", core.KindValidation, core.ErrInvalidWorkflow)
	}
	trigger := workflow.TriggerStep()
	if trigger == nil {
		return nil, &core.FrameworkError{
			Op:      "engine.Plan",
			Kind:    core.KindValidation,
			ID:      workflow.ID,
			Message: "workflow has no trigger step",
			Err:     core.ErrInvalidWorkflow,
		}
	}

	graph := newWorkflowGraph(workflow)
	loopbacks, cycles := graph.classifyCycles(trigger.ID)
	if len(cycles) > 0 {
		return nil, &core.FrameworkError{
			Op:      "engine.Plan",
			Kind:    core.KindValidation,
			ID:      workflow.ID,
			Message: fmt.Sprintf("step %s: cycle back to step %s is only legal from a CONDITION step", cycles[0].From, cycles[0].To),
			Err:     core.ErrInvalidWorkflow,
		}
	}

	sequence, complete := graph.topologicalOrder(loopbacks)
	if !complete {
		return nil, &core.FrameworkError{
			Op:      "engine.Plan",
			Kind:    core.KindValidation,
			ID:      workflow.ID,
			Message: "workflow contains circular dependencies",
			Err:     core.ErrInvalidWorkflow,
		}
	}

	return &OrderResult{Sequence: sequence, Loopbacks: loopbacks}, nil
}

// validateIdentifiers checks rule 2: non-empty, unique step ids.
func (e *WorkflowEngine) validateIdentifiers(workflow *Workflow, result *ValidationResult) {
	seen := make(map[string]bool, len(workflow.Steps))
	for i := range workflow.Steps {
		step := &workflow.Steps[i]
		if step.ID == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("step at position %d: id must not be empty", i))
			continue
		}
		if seen[step.ID] {
			result.Errors = append(result.Errors, fmt.Sprintf("step %s: duplicate id", step.ID))
		}
		seen[step.ID] = true
	}
}

// validateTrigger checks rule 1: exactly one TRIGGER step.
func (e *WorkflowEngine) validateTrigger(workflow *Workflow, result *ValidationResult) {
	count := 0
	for i := range workflow.Steps {
		switch workflow.Steps[i].Kind {
		case StepTrigger:
			count++
		case StepAction, StepCondition, StepApproval:
		default:
			result.Errors = append(result.Errors, fmt.Sprintf("step %s: unknown kind %q", workflow.Steps[i].ID, workflow.Steps[i].Kind))
		}
	}
	if count == 0 {
		result.Errors = append(result.Errors, "workflow must contain exactly one TRIGGER step, found none")
	} else if count > 1 {
		result.Errors = append(result.Errors, fmt.Sprintf("workflow must contain exactly one TRIGGER step, found %d", count))
	}
}

// validateSuccessors checks rule 3: every referenced successor exists.
func (e *WorkflowEngine) validateSuccessors(workflow *Workflow, result *ValidationResult) {
	ids := make(map[string]bool, len(workflow.Steps))
	for i := range workflow.Steps {
		ids[workflow.Steps[i].ID] = true
	}
	for i := range workflow.Steps {
		step := &workflow.Steps[i]
		check := func(target, edge string) {
			if target != "" && !ids[target] {
				result.Errors = append(result.Errors, fmt.Sprintf("step %s: %s successor %q does not exist", step.ID, edge, target))
			}
		}
		check(step.Successors.OnSuccess, "on_success")
		check(step.Successors.OnFailure, "on_failure")
		for _, edge := range step.Successors.Conditional {
			check(edge.Target, "conditional")
		}
	}
}

// validateTemplates checks rule 5: every string parameter and conditional
// expression parses as a syntactically valid template.
func (e *WorkflowEngine) validateTemplates(workflow *Workflow, result *ValidationResult) {
	for i := range workflow.Steps {
		step := &workflow.Steps[i]
		for name, value := range step.Parameters {
			if err := validateTemplateValue(value); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("step %s: parameter %s: %v", step.ID, name, err))
			}
		}
		for _, edge := range step.Successors.Conditional {
			if edge.When == "" {
				result.Errors = append(result.Errors, fmt.Sprintf("step %s: conditional edge to %q has an empty expression", step.ID, edge.Target))
				continue
			}
			if _, err := ParseTemplate(edge.When); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("step %s: conditional expression %q: %v", step.ID, edge.When, err))
			}
		}
	}
}

// validateTemplateValue walks nested parameter values parsing every string.
func validateTemplateValue(value interface{}) error {
	switch v := value.(type) {
	case string:
		_, err := ParseTemplate(v)
		return err
	case map[string]interface{}:
		for _, nested := range v {
			if err := validateTemplateValue(nested); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, nested := range v {
			if err := validateTemplateValue(nested); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateBounds checks rule 6: timeout window and retry ceiling.
func (e *WorkflowEngine) validateBounds(workflow *Workflow, result *ValidationResult) {
	for i := range workflow.Steps {
		step := &workflow.Steps[i]
		if step.TimeoutMS != 0 {
			timeout := step.Timeout()
			if timeout < MinStepTimeout || timeout > MaxStepTimeout {
				result.Errors = append(result.Errors, fmt.Sprintf("step %s: timeout %s outside allowed range [%s, %s]", step.ID, timeout, MinStepTimeout, MaxStepTimeout))
			}
		}
		if step.MaxRetries < 0 {
			result.Errors = append(result.Errors, fmt.Sprintf("step %s: retry count must not be negative", step.ID))
		} else if step.MaxRetries > MaxStepRetries {
			result.Errors = append(result.Errors, fmt.Sprintf("step %s: retry count %d exceeds maximum %d", step.ID, step.MaxRetries, MaxStepRetries))
		}
		switch step.ErrorPolicy {
		case "", PolicyStop, PolicyContinue, PolicyRetry, PolicyRollback:
		default:
			result.Errors = append(result.Errors, fmt.Sprintf("step %s: unknown error policy %q", step.ID, step.ErrorPolicy))
		}
	}
}

// validateBranching checks rule 7: only CONDITION steps fan out.
func (e *WorkflowEngine) validateBranching(workflow *Workflow, result *ValidationResult) {
	for i := range workflow.Steps {
		step := &workflow.Steps[i]
		if step.Kind != StepCondition && len(step.Successors.Conditional) > 0 {
			result.Errors = append(result.Errors, fmt.Sprintf("step %s: only CONDITION steps may declare conditional successors", step.ID))
		}
	}
}

// validateReachability checks rule 4 and emits the isolated-subgraph
// warning: every non-trigger step must be reachable from the trigger.
func (e *WorkflowEngine) validateReachability(workflow *Workflow, result *ValidationResult) {
	trigger := workflow.TriggerStep()
	if trigger == nil {
		return // already reported by validateTrigger
	}
	graph := newWorkflowGraph(workflow)
	reached := graph.reachableFrom(trigger.ID)

	isolated := 0
	for i := range workflow.Steps {
		step := &workflow.Steps[i]
		if step.ID == "" || step.ID == trigger.ID {
			continue
		}
		if !reached[step.ID] {
			isolated++
			result.Errors = append(result.Errors, fmt.Sprintf("step %s: not reachable from trigger %s", step.ID, trigger.ID))
		}
	}
	if isolated > 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("workflow contains an isolated subgraph of %d step(s)", isolated))
	}
}

// validateCycles rejects cycles whose closing edge does not originate from
// a CONDITION step.
func (e *WorkflowEngine) validateCycles(workflow *Workflow, result *ValidationResult) {
	trigger := workflow.TriggerStep()
	if trigger == nil {
		return
	}
	graph := newWorkflowGraph(workflow)
	_, cycles := graph.classifyCycles(trigger.ID)
	for _, cycle := range cycles {
		result.Errors = append(result.Errors, fmt.Sprintf("step %s: cycle back to step %s is only legal from a CONDITION step", cycle.From, cycle.To))
	}
}

// warnContinueDependents flags steps whose output is read by a later step
// while their CONTINUE policy allows the output to be missing.
func (e *WorkflowEngine) warnContinueDependents(workflow *Workflow, result *ValidationResult) {
	for i := range workflow.Steps {
		producer := &workflow.Steps[i]
		if producer.ErrorPolicy != PolicyContinue {
			continue
		}
		ref := "steps." + producer.ID
		for j := range workflow.Steps {
			consumer := &workflow.Steps[j]
			if consumer.ID == producer.ID {
				continue
			}
			if parametersReference(consumer.Parameters, ref) || conditionsReference(consumer.Successors.Conditional, ref) {
				result.Warnings = append(result.Warnings, fmt.Sprintf("step %s: CONTINUE policy may leave %s unset for dependent step %s", producer.ID, ref, consumer.ID))
			}
		}
	}
}

// warnNonIdempotentRetry flags RETRY policy on payment tools that declare
// themselves non-idempotent. Requires a registry.
func (e *WorkflowEngine) warnNonIdempotentRetry(workflow *Workflow, result *ValidationResult) {
	if e.registry == nil {
		return
	}
	for i := range workflow.Steps {
		step := &workflow.Steps[i]
		if step.ErrorPolicy != PolicyRetry {
			continue
		}
		tool, err := e.registry.Get(step.ToolID)
		if err != nil {
			continue
		}
		meta := tool.Meta()
		if meta.PaymentClass && !meta.Idempotent {
			result.Warnings = append(result.Warnings, fmt.Sprintf("step %s: RETRY on non-idempotent payment tool %s risks duplicate charges", step.ID, meta.ID))
		}
	}
}

// parametersReference reports whether any string in the parameter tree
// mentions the given variable path.
func parametersReference(params map[string]interface{}, ref string) bool {
	for _, value := range params {
		if valueReferences(value, ref) {
			return true
		}
	}
	return false
}

func conditionsReference(edges []ConditionalEdge, ref string) bool {
	for _, edge := range edges {
		if strings.Contains(edge.When, "${"+ref) {
			return true
		}
	}
	return false
}

func valueReferences(value interface{}, ref string) bool {
	switch v := value.(type) {
	case string:
		return strings.Contains(v, "${"+ref)
	case map[string]interface{}:
		for _, nested := range v {
			if valueReferences(nested, ref) {
				return true
			}
		}
	case []interface{}:
		for _, nested := range v {
			if valueReferences(nested, ref) {
				return true
			}
		}
	}
	return false
}
