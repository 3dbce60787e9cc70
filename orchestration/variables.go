package orchestration

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// unresolvedLiteral is substituted for template expressions whose path does
// not resolve against the variable store.
const unresolvedLiteral = "undefined"

// VariableStore holds the execution-scoped variables a workflow reads and
// writes. Keys may themselves contain dots ("steps.charge"), so path lookup
// matches the longest key prefix before descending into nested values.
type VariableStore struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewVariableStore merges the given layers left to right, later layers
// overriding earlier ones on key collision.
func NewVariableStore(layers ...map[string]interface{}) *VariableStore {
	values := make(map[string]interface{})
	for _, layer := range layers {
		for k, v := range layer {
			values[k] = v
		}
	}
	return &VariableStore{values: values}
}

// Set stores a value under a literal key.
func (s *VariableStore) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns the value stored under a literal key, without path descent.
func (s *VariableStore) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Lookup resolves a dotted path. The longest key prefix present in the
// store wins; remaining segments descend into maps by key and into slices
// by numeric index.
func (s *VariableStore) Lookup(path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	parts := strings.Split(path, ".")
	for k := len(parts); k >= 1; k-- {
		key := strings.Join(parts[:k], ".")
		root, ok := s.values[key]
		if !ok {
			continue
		}
		return descendPath(root, parts[k:])
	}
	return nil, false
}

// Snapshot returns a shallow copy of the current variables.
func (s *VariableStore) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Len returns the number of top-level keys.
func (s *VariableStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

func descendPath(value interface{}, parts []string) (interface{}, bool) {
	current := value
	for _, part := range parts {
		switch v := current.(type) {
		case map[string]interface{}:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// templateSegment is one piece of a parsed template: either literal text or
// a variable path taken from a ${...} expression.
type templateSegment struct {
	literal string
	path    string
}

// Template is a parsed parameter string. Expressions use ${path.with.dots}
// syntax; everything else is literal text.
type Template struct {
	raw      string
	segments []templateSegment
}

// ParseTemplate parses a string into a template. It fails on an
// unterminated ${ marker or an empty expression.
func ParseTemplate(raw string) (*Template, error) {
	t := &Template{raw: raw}
	rest := raw
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			if rest != "" {
				t.segments = append(t.segments, templateSegment{literal: rest})
			}
			return t, nil
		}
		if start > 0 {
			t.segments = append(t.segments, templateSegment{literal: rest[:start]})
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			return nil, fmt.Errorf("unterminated template expression in %q", raw)
		}
		path := strings.TrimSpace(rest[start+2 : start+end])
		if path == "" {
			return nil, fmt.Errorf("empty template expression in %q", raw)
		}
		t.segments = append(t.segments, templateSegment{path: path})
		rest = rest[start+end+1:]
	}
}

// Raw returns the original template string.
func (t *Template) Raw() string { return t.raw }

// IsSingleExpr reports whether the template is exactly one expression with
// no surrounding text, in which case Resolve preserves the value's type.
func (t *Template) IsSingleExpr() bool {
	return len(t.segments) == 1 && t.segments[0].path != ""
}

// HasExpressions reports whether any segment is a variable expression.
func (t *Template) HasExpressions() bool {
	for _, seg := range t.segments {
		if seg.path != "" {
			return true
		}
	}
	return false
}

// Resolve substitutes variables into the template. A whole-cell expression
// returns the resolved value unchanged; mixed content splices values as
// text. Unresolved paths become the literal "undefined" and produce a
// warning.
func (t *Template) Resolve(vars *VariableStore) (interface{}, []string) {
	if t.IsSingleExpr() {
		path := t.segments[0].path
		if value, ok := vars.Lookup(path); ok {
			return value, nil
		}
		return unresolvedLiteral, []string{unresolvedWarning(path)}
	}

	var warnings []string
	var b strings.Builder
	for _, seg := range t.segments {
		if seg.path == "" {
			b.WriteString(seg.literal)
			continue
		}
		value, ok := vars.Lookup(seg.path)
		if !ok {
			b.WriteString(unresolvedLiteral)
			warnings = append(warnings, unresolvedWarning(seg.path))
			continue
		}
		b.WriteString(stringifyValue(value))
	}
	return b.String(), warnings
}

// ResolveValue resolves templates in a parameter value, recursing through
// maps and slices. Non-string scalars pass through untouched.
func ResolveValue(value interface{}, vars *VariableStore) (interface{}, []string) {
	switch v := value.(type) {
	case string:
		tpl, err := ParseTemplate(v)
		if err != nil {
			return v, nil
		}
		return tpl.Resolve(vars)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		var warnings []string
		for key, nested := range v {
			resolved, w := ResolveValue(nested, vars)
			out[key] = resolved
			warnings = append(warnings, w...)
		}
		return out, warnings
	case []interface{}:
		out := make([]interface{}, len(v))
		var warnings []string
		for i, nested := range v {
			resolved, w := ResolveValue(nested, vars)
			out[i] = resolved
			warnings = append(warnings, w...)
		}
		return out, warnings
	default:
		return value, nil
	}
}

// ResolveParameters resolves every value of a step's parameter map.
func ResolveParameters(params map[string]interface{}, vars *VariableStore) (map[string]interface{}, []string) {
	if len(params) == 0 {
		return map[string]interface{}{}, nil
	}
	out := make(map[string]interface{}, len(params))
	var warnings []string
	for name, value := range params {
		resolved, w := ResolveValue(value, vars)
		out[name] = resolved
		warnings = append(warnings, w...)
	}
	return out, warnings
}

func unresolvedWarning(path string) string {
	return fmt.Sprintf("template path %q is unresolved, substituted literal %q", path, unresolvedLiteral)
}

// stringifyValue renders a value for textual splicing. Scalars format
// plainly; composites render as compact JSON.
func stringifyValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
