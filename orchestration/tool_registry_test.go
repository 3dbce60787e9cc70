package orchestration

import (
	"errors"
	"strings"
	"testing"

	"github.com/strandflow/strand/core"
)

// =============================================================================
// Tool Registry Tests
// =============================================================================

func paymentToolMeta(id string) ToolMeta {
	return ToolMeta{
		ID: id,
		Params: []ParamSpec{
			{Name: "amount", Type: "number", Required: true},
			{Name: "currency", Type: "string", Default: "USD"},
			{Name: "method", Type: "string", Enum: []interface{}{"card", "bank"}},
		},
		PaymentClass: true,
	}
}

func TestRegister(t *testing.T) {
	registry := NewToolRegistry(nil)

	if err := registry.Register(nil); !errors.Is(err, core.ErrInvalidParameters) {
		t.Errorf("Expected ErrInvalidParameters for nil tool, got %v", err)
	}
	if err := registry.Register(&stubTool{}); !errors.Is(err, core.ErrInvalidParameters) {
		t.Errorf("Expected ErrInvalidParameters for empty id, got %v", err)
	}

	first := &stubTool{meta: ToolMeta{ID: "charge"}}
	if err := registry.Register(first); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	second := &stubTool{meta: ToolMeta{ID: "charge"}}
	err := registry.Register(second)
	if !errors.Is(err, core.ErrToolConflict) {
		t.Fatalf("Expected ErrToolConflict, got %v", err)
	}
	if core.ErrorKind(err) != core.KindToolConflict {
		t.Errorf("Expected tool_conflict kind, got %s", core.ErrorKind(err))
	}

	// The first registration stays in place.
	got, err := registry.Get("charge")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != Tool(first) {
		t.Error("Expected the first registration to survive the conflict")
	}
}

func TestRegister_SchemaDoesNotCompile(t *testing.T) {
	registry := NewToolRegistry(nil)

	bad := &stubTool{meta: ToolMeta{
		ID:     "bad_schema",
		Params: []ParamSpec{{Name: "amount", Type: "money"}},
	}}
	err := registry.Register(bad)
	if err == nil {
		t.Fatal("Expected schema compile failure")
	}
	if !containsStr(err.Error(), "parameter schema does not compile") {
		t.Errorf("Expected compile error message, got %v", err)
	}
	if !errors.Is(err, core.ErrInvalidParameters) {
		t.Errorf("Expected ErrInvalidParameters, got %v", err)
	}
}

func TestGet_Unknown(t *testing.T) {
	registry := NewToolRegistry(nil)

	_, err := registry.Get("missing")
	if !errors.Is(err, core.ErrToolNotFound) {
		t.Errorf("Expected ErrToolNotFound, got %v", err)
	}
	if core.ErrorKind(err) != core.KindToolNotFound {
		t.Errorf("Expected tool_not_found kind, got %s", core.ErrorKind(err))
	}
	if !core.IsNotFound(err) {
		t.Error("Expected IsNotFound to match")
	}
}

func TestList_RegistrationOrder(t *testing.T) {
	registry := NewToolRegistry(nil)
	for _, id := range []string{"zeta", "alpha", "mu"} {
		if err := registry.Register(&stubTool{meta: ToolMeta{ID: id}}); err != nil {
			t.Fatalf("Register(%s) error = %v", id, err)
		}
	}

	list := registry.List()
	if len(list) != 3 {
		t.Fatalf("Expected 3 tools, got %d", len(list))
	}
	want := []string{"zeta", "alpha", "mu"}
	for i := range want {
		if list[i].ID != want[i] {
			t.Errorf("Expected position %d to be %s, got %s", i, want[i], list[i].ID)
		}
	}
}

// -----------------------------------------------------------------------------
// ValidateParameters Tests
// -----------------------------------------------------------------------------

func TestValidateParameters_UnknownTool(t *testing.T) {
	registry := NewToolRegistry(nil)

	_, err := registry.ValidateParameters("missing", nil)
	if !errors.Is(err, core.ErrToolNotFound) {
		t.Errorf("Expected ErrToolNotFound, got %v", err)
	}
}

func TestValidateParameters_DefaultsAndNormalization(t *testing.T) {
	registry := NewToolRegistry(nil)
	if err := registry.Register(&stubTool{meta: paymentToolMeta("charge")}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	result, err := registry.ValidateParameters("charge", map[string]interface{}{
		"amount": 25,
		"meta":   map[string]interface{}{"orders": []interface{}{int64(7)}},
	})
	if err != nil {
		t.Fatalf("ValidateParameters() error = %v", err)
	}
	if !result.OK {
		t.Fatalf("Expected parameters to validate, got %v", result.Errors)
	}

	if result.Normalized["currency"] != "USD" {
		t.Errorf("Expected default currency USD, got %v", result.Normalized["currency"])
	}
	if result.Normalized["amount"] != float64(25) {
		t.Errorf("Expected amount normalized to float64, got %T", result.Normalized["amount"])
	}
	meta := result.Normalized["meta"].(map[string]interface{})
	orders := meta["orders"].([]interface{})
	if orders[0] != float64(7) {
		t.Errorf("Expected nested int normalized to float64, got %T", orders[0])
	}
}

func TestValidateParameters_Violations(t *testing.T) {
	registry := NewToolRegistry(nil)
	if err := registry.Register(&stubTool{meta: paymentToolMeta("charge")}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tests := []struct {
		name   string
		params map[string]interface{}
		want   string
	}{
		{
			name:   "missing required",
			params: map[string]interface{}{"currency": "EUR"},
			want:   "amount",
		},
		{
			name:   "wrong type",
			params: map[string]interface{}{"amount": "a lot"},
			want:   "/amount",
		},
		{
			name:   "enum violation",
			params: map[string]interface{}{"amount": 10, "method": "cash"},
			want:   "/method",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := registry.ValidateParameters("charge", tt.params)
			if err != nil {
				t.Fatalf("ValidateParameters() error = %v", err)
			}
			if result.OK {
				t.Fatal("Expected validation to fail")
			}
			joined := strings.Join(result.Errors, "; ")
			if !containsStr(joined, tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, result.Errors)
			}
		})
	}
}

func TestValidateParameters_NoSchema(t *testing.T) {
	registry := NewToolRegistry(nil)
	if err := registry.Register(&stubTool{meta: ToolMeta{ID: "freeform"}}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	result, err := registry.ValidateParameters("freeform", map[string]interface{}{
		"anything": "goes",
		"count":    3,
	})
	if err != nil {
		t.Fatalf("ValidateParameters() error = %v", err)
	}
	if !result.OK {
		t.Fatalf("Expected schemaless tool to accept parameters, got %v", result.Errors)
	}
	if result.Normalized["count"] != float64(3) {
		t.Errorf("Expected normalization to apply regardless, got %T", result.Normalized["count"])
	}
}

func TestValidateParameters_ExtraParametersAllowed(t *testing.T) {
	registry := NewToolRegistry(nil)
	if err := registry.Register(&stubTool{meta: paymentToolMeta("charge")}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	result, err := registry.ValidateParameters("charge", map[string]interface{}{
		"amount":    10,
		"reference": "order-9",
	})
	if err != nil {
		t.Fatalf("ValidateParameters() error = %v", err)
	}
	if !result.OK {
		t.Fatalf("Expected extra parameters to pass, got %v", result.Errors)
	}
	if result.Normalized["reference"] != "order-9" {
		t.Errorf("Expected extra parameter in normalized map, got %v", result.Normalized["reference"])
	}
}
