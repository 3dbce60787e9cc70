package orchestration

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/strandflow/strand/core"
)

// ParameterValidation is the outcome of ToolRegistry.ValidateParameters.
// Normalized carries the parameters after default injection and JSON
// normalization, ready to hand to Tool.Execute.
type ParameterValidation struct {
	OK         bool                   `json:"ok"`
	Errors     []string               `json:"errors,omitempty"`
	Normalized map[string]interface{} `json:"normalized,omitempty"`
}

// ToolRegistry holds the tools available to workflow steps. Registration
// order is preserved for listing. All methods are safe for concurrent use.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	order   []string
	schemas map[string]*jsonschema.Schema
	logger  core.Logger
}

// NewToolRegistry creates an empty registry. A nil logger defaults to
// no-op.
func NewToolRegistry(logger core.Logger) *ToolRegistry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		logger:  logger,
	}
}

// Register adds a tool. Registering an id twice fails with a tool conflict;
// the first registration stays in place.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil {
		return &core.FrameworkError{
			Op:      "registry.Register",
			Kind:    core.KindValidation,
			Message: "tool is nil",
			Err:     core.ErrInvalidParameters,
		}
	}
	meta := tool.Meta()
	if meta.ID == "" {
		return &core.FrameworkError{
			Op:      "registry.Register",
			Kind:    core.KindValidation,
			Message: "tool id must not be empty",
			Err:     core.ErrInvalidParameters,
		}
	}

	schema, err := compileParamSchema(meta)
	if err != nil {
		return &core.FrameworkError{
			Op:      "registry.Register",
			Kind:    core.KindValidation,
			ID:      meta.ID,
			Message: fmt.Sprintf("parameter schema does not compile: %v", err),
			Err:     core.ErrInvalidParameters,
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[meta.ID]; exists {
		return &core.FrameworkError{
			Op:   "registry.Register",
			Kind: core.KindToolConflict,
			ID:   meta.ID,
			Err:  core.ErrToolConflict,
		}
	}
	r.tools[meta.ID] = tool
	r.order = append(r.order, meta.ID)
	if schema != nil {
		r.schemas[meta.ID] = schema
	}

	r.logger.Debug("Tool registered", map[string]interface{}{
		"operation":     "tool_register",
		"tool_id":       meta.ID,
		"payment_class": meta.PaymentClass,
		"idempotent":    meta.Idempotent,
	})
	return nil
}

// Get returns the tool registered under id.
func (r *ToolRegistry) Get(id string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[id]
	if !ok {
		return nil, &core.FrameworkError{
			Op:   "registry.Get",
			Kind: core.KindToolNotFound,
			ID:   id,
			Err:  core.ErrToolNotFound,
		}
	}
	return tool, nil
}

// List returns tool metadata in registration order.
func (r *ToolRegistry) List() []ToolMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolMeta, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tools[id].Meta())
	}
	return out
}

// ValidateParameters checks params against the tool's parameter specs.
// Missing optional parameters receive their declared defaults before
// validation. The error return is reserved for an unknown tool id;
// validation findings land in the result.
func (r *ToolRegistry) ValidateParameters(id string, params map[string]interface{}) (*ParameterValidation, error) {
	r.mu.RLock()
	tool, ok := r.tools[id]
	schema := r.schemas[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &core.FrameworkError{
			Op:   "registry.ValidateParameters",
			Kind: core.KindToolNotFound,
			ID:   id,
			Err:  core.ErrToolNotFound,
		}
	}

	meta := tool.Meta()
	merged := make(map[string]interface{}, len(params)+len(meta.Params))
	for k, v := range params {
		merged[k] = v
	}
	for _, spec := range meta.Params {
		if _, present := merged[spec.Name]; !present && spec.Default != nil {
			merged[spec.Name] = spec.Default
		}
	}

	normalized, err := normalizeJSON(merged)
	if err != nil {
		return &ParameterValidation{
			Errors: []string{fmt.Sprintf("parameters are not JSON-serializable: %v", err)},
		}, nil
	}

	result := &ParameterValidation{Normalized: normalized}
	if schema != nil {
		if err := schema.Validate(mapToAny(normalized)); err != nil {
			result.Errors = flattenSchemaErrors(err)
		}
	}
	result.OK = len(result.Errors) == 0
	return result, nil
}

// compileParamSchema builds and compiles a JSON schema from the tool's
// parameter specs. Tools without parameters need no schema.
func compileParamSchema(meta ToolMeta) (*jsonschema.Schema, error) {
	if len(meta.Params) == 0 {
		return nil, nil
	}

	properties := make(map[string]interface{}, len(meta.Params))
	var required []interface{}
	for _, spec := range meta.Params {
		prop := map[string]interface{}{}
		if spec.Type != "" {
			prop["type"] = spec.Type
		}
		if len(spec.Enum) > 0 {
			prop["enum"] = spec.Enum
		}
		if spec.Description != "" {
			prop["description"] = spec.Description
		}
		properties[spec.Name] = prop
		if spec.Required {
			required = append(required, spec.Name)
		}
	}

	doc := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}

	// Round-trip through JSON so enum defaults typed as Go ints become
	// schema-comparable numbers.
	normalizedDoc, err := normalizeJSONValue(doc)
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", normalizedDoc); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// normalizeJSON round-trips a parameter map through encoding/json so every
// value takes its JSON shape (numbers as float64, structs as maps).
func normalizeJSON(params map[string]interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

func normalizeJSONValue(value interface{}) (interface{}, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func mapToAny(m map[string]interface{}) interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// flattenSchemaErrors turns the validator's error tree into one line per
// leaf cause, each prefixed with the failing instance location.
func flattenSchemaErrors(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	printer := message.NewPrinter(language.English)
	var out []string
	var walk func(v *jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			loc := "/" + strings.Join(v.InstanceLocation, "/")
			out = append(out, fmt.Sprintf("%s: %s", loc, v.ErrorKind.LocalizedString(printer)))
			return
		}
		for _, cause := range v.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return out
}
