package orchestration

import (
	"errors"
	"testing"

	"github.com/strandflow/strand/core"
)

// =============================================================================
// Workflow Engine Tests
// =============================================================================

// hasMessage reports whether any entry of the list contains the substring.
func hasMessage(list []string, substr string) bool {
	for _, entry := range list {
		if containsStr(entry, substr) {
			return true
		}
	}
	return false
}

// linearWorkflow builds trigger -> work -> done with the given mutation
// applied before validation.
func linearWorkflow(mutate func(*Workflow)) *Workflow {
	workflow := &Workflow{
		ID:   "wf-linear",
		Name: "Linear",
		Steps: []Step{
			{ID: "start", Kind: StepTrigger, ToolID: "manual_trigger",
				Successors: Successors{OnSuccess: "work"}},
			{ID: "work", Kind: StepAction, ToolID: "http_request",
				Successors: Successors{OnSuccess: "done"}},
			{ID: "done", Kind: StepAction, ToolID: "email_send"},
		},
	}
	if mutate != nil {
		mutate(workflow)
	}
	return workflow
}

// -----------------------------------------------------------------------------
// Validate Tests
// -----------------------------------------------------------------------------

func TestValidate_ValidWorkflow(t *testing.T) {
	engine := NewWorkflowEngine(nil, nil)

	result := engine.Validate(linearWorkflow(nil))
	if !result.OK {
		t.Fatalf("Expected valid workflow, got errors: %v", result.Errors)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Expected no warnings, got %v", result.Warnings)
	}
}

func TestValidate_StructuralErrors(t *testing.T) {
	tests := []struct {
		name     string
		workflow *Workflow
		want     string
	}{
		{
			name:     "nil workflow",
			workflow: nil,
			want:     "workflow is nil",
		},
		{
			name:     "no steps",
			workflow: &Workflow{ID: "empty"},
			want:     "workflow must contain at least one step",
		},
		{
			name: "empty step id",
			workflow: linearWorkflow(func(w *Workflow) {
				w.Steps[1].ID = ""
			}),
			want: "step at position 1: id must not be empty",
		},
		{
			name: "duplicate step id",
			workflow: linearWorkflow(func(w *Workflow) {
				w.Steps[2].ID = "work"
			}),
			want: "step work: duplicate id",
		},
		{
			name: "unknown step kind",
			workflow: linearWorkflow(func(w *Workflow) {
				w.Steps[1].Kind = "JOB"
			}),
			want: `step work: unknown kind "JOB"`,
		},
		{
			name: "missing trigger",
			workflow: linearWorkflow(func(w *Workflow) {
				w.Steps[0].Kind = StepAction
			}),
			want: "workflow must contain exactly one TRIGGER step, found none",
		},
		{
			name: "two triggers",
			workflow: linearWorkflow(func(w *Workflow) {
				w.Steps[2].Kind = StepTrigger
			}),
			want: "workflow must contain exactly one TRIGGER step, found 2",
		},
		{
			name: "dangling on_success successor",
			workflow: linearWorkflow(func(w *Workflow) {
				w.Steps[1].Successors.OnSuccess = "nowhere"
			}),
			want: `step work: on_success successor "nowhere" does not exist`,
		},
		{
			name: "dangling on_failure successor",
			workflow: linearWorkflow(func(w *Workflow) {
				w.Steps[1].Successors.OnFailure = "nowhere"
			}),
			want: `step work: on_failure successor "nowhere" does not exist`,
		},
		{
			name: "dangling conditional successor",
			workflow: linearWorkflow(func(w *Workflow) {
				w.Steps[1].Kind = StepCondition
				w.Steps[1].Successors.Conditional = []ConditionalEdge{
					{When: "${x} > 1", Target: "nowhere"},
				}
			}),
			want: `step work: conditional successor "nowhere" does not exist`,
		},
		{
			name: "unterminated parameter template",
			workflow: linearWorkflow(func(w *Workflow) {
				w.Steps[1].Parameters = map[string]interface{}{"note": "${steps.start"}
			}),
			want: "step work: parameter note: unterminated template expression",
		},
		{
			name: "nested parameter template error",
			workflow: linearWorkflow(func(w *Workflow) {
				w.Steps[1].Parameters = map[string]interface{}{
					"payload": map[string]interface{}{"id": "${}"},
				}
			}),
			want: "step work: parameter payload: empty template expression",
		},
		{
			name: "empty conditional expression",
			workflow: linearWorkflow(func(w *Workflow) {
				w.Steps[1].Kind = StepCondition
				w.Steps[1].Successors.Conditional = []ConditionalEdge{
					{When: "", Target: "done"},
				}
			}),
			want: `step work: conditional edge to "done" has an empty expression`,
		},
		{
			name: "malformed conditional expression",
			workflow: linearWorkflow(func(w *Workflow) {
				w.Steps[1].Kind = StepCondition
				w.Steps[1].Successors.Conditional = []ConditionalEdge{
					{When: "${count > 3", Target: "done"},
				}
			}),
			want: "unterminated template expression",
		},
		{
			name: "timeout below minimum",
			workflow: linearWorkflow(func(w *Workflow) {
				w.Steps[1].TimeoutMS = 500
			}),
			want: "step work: timeout 500ms outside allowed range [1s, 5m0s]",
		},
		{
			name: "timeout above maximum",
			workflow: linearWorkflow(func(w *Workflow) {
				w.Steps[1].TimeoutMS = 600000
			}),
			want: "step work: timeout 10m0s outside allowed range",
		},
		{
			name: "negative retry count",
			workflow: linearWorkflow(func(w *Workflow) {
				w.Steps[1].MaxRetries = -1
			}),
			want: "step work: retry count must not be negative",
		},
		{
			name: "retry count over ceiling",
			workflow: linearWorkflow(func(w *Workflow) {
				w.Steps[1].MaxRetries = 11
			}),
			want: "step work: retry count 11 exceeds maximum 10",
		},
		{
			name: "unknown error policy",
			workflow: linearWorkflow(func(w *Workflow) {
				w.Steps[1].ErrorPolicy = "EXPLODE"
			}),
			want: `step work: unknown error policy "EXPLODE"`,
		},
		{
			name: "conditional successors on ACTION step",
			workflow: linearWorkflow(func(w *Workflow) {
				w.Steps[1].Successors.Conditional = []ConditionalEdge{
					{When: "${x}", Target: "done"},
				}
			}),
			want: "step work: only CONDITION steps may declare conditional successors",
		},
		{
			name: "unreachable step",
			workflow: linearWorkflow(func(w *Workflow) {
				w.Steps[1].Successors.OnSuccess = ""
			}),
			want: "step done: not reachable from trigger start",
		},
		{
			name: "cycle from ACTION step",
			workflow: linearWorkflow(func(w *Workflow) {
				w.Steps[2].Successors.OnSuccess = "work"
			}),
			want: "step done: cycle back to step work is only legal from a CONDITION step",
		},
	}

	engine := NewWorkflowEngine(nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := engine.Validate(tt.workflow)
			if result.OK {
				t.Fatal("Expected validation to fail")
			}
			if !hasMessage(result.Errors, tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, result.Errors)
			}
		})
	}
}

func TestValidate_IsolatedSubgraphWarning(t *testing.T) {
	workflow := linearWorkflow(func(w *Workflow) {
		w.Steps[1].Successors.OnSuccess = ""
		w.Steps = append(w.Steps, Step{ID: "orphan2", Kind: StepAction, ToolID: "email_send",
			Successors: Successors{OnSuccess: "done"}})
	})

	engine := NewWorkflowEngine(nil, nil)
	result := engine.Validate(workflow)
	if result.OK {
		t.Fatal("Expected validation to fail for unreachable steps")
	}
	if !hasMessage(result.Warnings, "workflow contains an isolated subgraph of 2 step(s)") {
		t.Errorf("Expected isolated subgraph warning, got %v", result.Warnings)
	}
}

func TestValidate_ConditionalLoopbackIsLegal(t *testing.T) {
	workflow := &Workflow{
		ID: "wf-loop",
		Steps: []Step{
			{ID: "start", Kind: StepTrigger, ToolID: "manual_trigger",
				Successors: Successors{OnSuccess: "work"}},
			{ID: "work", Kind: StepAction, ToolID: "loop_counter",
				Successors: Successors{OnSuccess: "check"}},
			{ID: "check", Kind: StepCondition, ToolID: "condition_compare",
				Successors: Successors{
					OnSuccess: "done",
					Conditional: []ConditionalEdge{
						{When: "${counter} < 3", Target: "work"},
					},
				}},
			{ID: "done", Kind: StepAction, ToolID: "email_send"},
		},
	}

	engine := NewWorkflowEngine(nil, nil)
	result := engine.Validate(workflow)
	if !result.OK {
		t.Fatalf("Expected conditional loopback to validate, got errors: %v", result.Errors)
	}
}

func TestValidate_ContinueDependentWarning(t *testing.T) {
	workflow := linearWorkflow(func(w *Workflow) {
		w.Steps[1].ErrorPolicy = PolicyContinue
		w.Steps[2].Parameters = map[string]interface{}{
			"body": "result: ${steps.work.output.status}",
		}
	})

	engine := NewWorkflowEngine(nil, nil)
	result := engine.Validate(workflow)
	if !result.OK {
		t.Fatalf("Expected workflow to validate, got errors: %v", result.Errors)
	}
	if !hasMessage(result.Warnings, "step work: CONTINUE policy may leave steps.work unset for dependent step done") {
		t.Errorf("Expected CONTINUE dependency warning, got %v", result.Warnings)
	}
}

func TestValidate_NonIdempotentRetryWarning(t *testing.T) {
	registry := NewToolRegistry(nil)
	charger := &stubTool{meta: ToolMeta{ID: "charge_card", PaymentClass: true}}
	if err := registry.Register(charger); err != nil {
		t.Fatalf("Failed to register tool: %v", err)
	}

	workflow := linearWorkflow(func(w *Workflow) {
		w.Steps[1].ToolID = "charge_card"
		w.Steps[1].ErrorPolicy = PolicyRetry
		w.Steps[1].MaxRetries = 2
	})

	withRegistry := NewWorkflowEngine(registry, nil)
	result := withRegistry.Validate(workflow)
	if !result.OK {
		t.Fatalf("Expected workflow to validate, got errors: %v", result.Errors)
	}
	if !hasMessage(result.Warnings, "step work: RETRY on non-idempotent payment tool charge_card risks duplicate charges") {
		t.Errorf("Expected duplicate charge warning, got %v", result.Warnings)
	}

	// Without a registry the heuristic cannot run.
	withoutRegistry := NewWorkflowEngine(nil, nil)
	result = withoutRegistry.Validate(workflow)
	if len(result.Warnings) != 0 {
		t.Errorf("Expected no warnings without a registry, got %v", result.Warnings)
	}
}

// -----------------------------------------------------------------------------
// Plan / Order Tests
// -----------------------------------------------------------------------------

func TestPlan_LinearOrder(t *testing.T) {
	engine := NewWorkflowEngine(nil, nil)

	plan, err := engine.Plan(linearWorkflow(nil))
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	want := []string{"start", "work", "done"}
	if len(plan.Sequence) != len(want) {
		t.Fatalf("Expected sequence %v, got %v", want, plan.Sequence)
	}
	for i := range want {
		if plan.Sequence[i] != want[i] {
			t.Errorf("Expected position %d to be %s, got %s", i, want[i], plan.Sequence[i])
		}
	}
	if len(plan.Loopbacks) != 0 {
		t.Errorf("Expected no loopbacks, got %v", plan.Loopbacks)
	}
}

func TestPlan_BranchTieBreakByAuthoringOrder(t *testing.T) {
	workflow := &Workflow{
		ID: "wf-diamond",
		Steps: []Step{
			{ID: "start", Kind: StepTrigger, ToolID: "manual_trigger",
				Successors: Successors{OnSuccess: "route"}},
			{ID: "route", Kind: StepCondition, ToolID: "condition_compare",
				Successors: Successors{
					OnSuccess: "low",
					Conditional: []ConditionalEdge{
						{When: "${amount} > 100", Target: "high"},
					},
				}},
			{ID: "high", Kind: StepAction, ToolID: "email_send",
				Successors: Successors{OnSuccess: "join"}},
			{ID: "low", Kind: StepAction, ToolID: "email_send",
				Successors: Successors{OnSuccess: "join"}},
			{ID: "join", Kind: StepAction, ToolID: "email_send"},
		},
	}

	engine := NewWorkflowEngine(nil, nil)
	plan, err := engine.Plan(workflow)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	want := []string{"start", "route", "high", "low", "join"}
	for i := range want {
		if plan.Sequence[i] != want[i] {
			t.Fatalf("Expected sequence %v, got %v", want, plan.Sequence)
		}
	}
}

func TestPlan_ConditionalLoopback(t *testing.T) {
	workflow := &Workflow{
		ID: "wf-loop",
		Steps: []Step{
			{ID: "start", Kind: StepTrigger, ToolID: "manual_trigger",
				Successors: Successors{OnSuccess: "work"}},
			{ID: "work", Kind: StepAction, ToolID: "loop_counter",
				Successors: Successors{OnSuccess: "check"}},
			{ID: "check", Kind: StepCondition, ToolID: "condition_compare",
				Successors: Successors{
					OnSuccess: "done",
					Conditional: []ConditionalEdge{
						{When: "${counter} < 3", Target: "work"},
					},
				}},
			{ID: "done", Kind: StepAction, ToolID: "email_send"},
		},
	}

	engine := NewWorkflowEngine(nil, nil)
	plan, err := engine.Plan(workflow)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(plan.Loopbacks) != 1 {
		t.Fatalf("Expected one loopback, got %v", plan.Loopbacks)
	}
	if plan.Loopbacks[0].From != "check" || plan.Loopbacks[0].To != "work" {
		t.Errorf("Expected loopback check -> work, got %+v", plan.Loopbacks[0])
	}
	want := []string{"start", "work", "check", "done"}
	for i := range want {
		if plan.Sequence[i] != want[i] {
			t.Fatalf("Expected sequence %v, got %v", want, plan.Sequence)
		}
	}
}

func TestPlan_Errors(t *testing.T) {
	engine := NewWorkflowEngine(nil, nil)

	if _, err := engine.Plan(nil); !errors.Is(err, core.ErrInvalidWorkflow) {
		t.Errorf("Expected ErrInvalidWorkflow for nil workflow, got %v", err)
	}

	noTrigger := &Workflow{Steps: []Step{{ID: "work", Kind: StepAction}}}
	_, err := engine.Plan(noTrigger)
	if err == nil || !containsStr(err.Error(), "workflow has no trigger step") {
		t.Errorf("Expected missing trigger error, got %v", err)
	}

	cyclic := linearWorkflow(func(w *Workflow) {
		w.Steps[2].Successors.OnSuccess = "work"
	})
	_, err = engine.Plan(cyclic)
	if err == nil || !containsStr(err.Error(), "cycle back to step work is only legal from a CONDITION step") {
		t.Errorf("Expected cycle error, got %v", err)
	}
	if !errors.Is(err, core.ErrInvalidWorkflow) {
		t.Errorf("Expected ErrInvalidWorkflow, got %v", err)
	}
}

func TestOrder(t *testing.T) {
	engine := NewWorkflowEngine(nil, nil)

	sequence, err := engine.Order(linearWorkflow(nil))
	if err != nil {
		t.Fatalf("Order() error = %v", err)
	}
	if len(sequence) != 3 || sequence[0] != "start" || sequence[2] != "done" {
		t.Errorf("Expected [start work done], got %v", sequence)
	}
}
