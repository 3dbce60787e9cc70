package orchestration

import (
	"testing"
)

// =============================================================================
// Condition Expression Tests
// =============================================================================

func conditionVars() *VariableStore {
	return NewVariableStore(map[string]interface{}{
		"amount":   150.0,
		"count":    0.0,
		"status":   "active",
		"approved": true,
		"note":     "x == y",
		"tags":     []interface{}{"vip", "beta"},
		"steps.check": map[string]interface{}{
			"output": map[string]interface{}{"ok": true},
		},
	})
}

func TestEvaluateCondition(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		// Numeric comparisons.
		{"${amount} > 100", true},
		{"${amount} > 200", false},
		{"${amount} >= 150", true},
		{"${amount} <= 149", false},
		{"${amount} == 150", true},
		{"${amount} != 150", false},
		{"${count} < 1", true},

		// Literal operands on both sides.
		{"10 > 9", true},
		{"10 >= 10", true},
		{"2 < 10", true},

		// String equality with quoted literals.
		{"${status} == 'active'", true},
		{`${status} == "active"`, true},
		{"${status} != 'inactive'", true},

		// Lexicographic ordering for non-numeric operands.
		{"apple < banana", true},
		{"banana < apple", false},

		// Contains on strings and slices.
		{"${status} contains act", true},
		{"${status} contains xyz", false},
		{"${tags} contains 'vip'", true},
		{"${tags} contains 'admin'", false},

		// Single-operand truthiness.
		{"${approved}", true},
		{"${count}", false},
		{"${status}", true},
		{"${missing}", false},
		{"${steps.check.output.ok}", true},
		{"true", true},
		{"false", false},
		{"0", false},
		{"null", false},

		// Operators inside quotes are not split points.
		{"'a == b' != 'c'", true},
		{"${note} == 'x == y'", true},

		// A contains prefix inside a longer word is not an operator.
		{"x contains_key y", true},
	}

	vars := conditionVars()
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, _, err := EvaluateCondition(tt.expr, vars)
			if err != nil {
				t.Fatalf("EvaluateCondition(%q) error = %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("EvaluateCondition(%q) = %v, expected %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvaluateCondition_EmptyExpression(t *testing.T) {
	vars := conditionVars()

	if _, _, err := EvaluateCondition("", vars); err == nil || !containsStr(err.Error(), "empty condition expression") {
		t.Errorf("Expected empty expression error, got %v", err)
	}
	if _, _, err := EvaluateCondition("   ", vars); err == nil {
		t.Error("Expected error for blank expression")
	}
}

func TestEvaluateCondition_UnresolvedWarnings(t *testing.T) {
	vars := conditionVars()

	got, warnings, err := EvaluateCondition("${missing} == 'undefined'", vars)
	if err != nil {
		t.Fatalf("EvaluateCondition() error = %v", err)
	}
	if !got {
		t.Error("Expected unresolved operand to render as the undefined literal")
	}
	if len(warnings) != 1 || !containsStr(warnings[0], `template path "missing" is unresolved`) {
		t.Errorf("Expected unresolved warning, got %v", warnings)
	}
}

func TestEvaluateCondition_NumericStringCoercion(t *testing.T) {
	vars := NewVariableStore(map[string]interface{}{
		"limit": "100",
	})

	// A numeric string compares numerically, not lexicographically.
	got, _, err := EvaluateCondition("${limit} < 20", vars)
	if err != nil {
		t.Fatalf("EvaluateCondition() error = %v", err)
	}
	if got {
		t.Error(`Expected "100" < 20 to compare numerically and be false`)
	}
}
