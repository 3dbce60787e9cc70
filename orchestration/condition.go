package orchestration

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// conditionOperators in scan order. Two-character operators come first so
// ">=" is not misread as ">".
var conditionOperators = []string{"==", "!=", ">=", "<=", ">", "<"}

// containsOperator is matched as a standalone word.
const containsOperator = "contains"

// EvaluateCondition evaluates a branch expression such as
// "${amount} > 100" or "${steps.check.output.ok}". Each operand is resolved
// independently so whole-cell expressions keep their types. A lone operand
// evaluates by truthiness. Returned warnings carry unresolved-path notices.
func EvaluateCondition(expr string, vars *VariableStore) (bool, []string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, nil, fmt.Errorf("empty condition expression")
	}

	lhs, op, rhs, found := splitCondition(expr)
	if !found {
		value, warnings := resolveOperand(expr, vars)
		return isTruthy(value), warnings, nil
	}

	left, lw := resolveOperand(lhs, vars)
	right, rw := resolveOperand(rhs, vars)
	warnings := append(lw, rw...)

	ok, err := compareValues(left, right, op)
	if err != nil {
		return false, warnings, err
	}
	return ok, warnings, nil
}

// splitCondition finds the first comparison operator outside template
// expressions and quotes.
func splitCondition(expr string) (lhs, op, rhs string, found bool) {
	depth := 0
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
			continue
		case '$':
			if i+1 < len(expr) && expr[i+1] == '{' {
				depth++
				i++
			}
			continue
		case '}':
			if depth > 0 {
				depth--
			}
			continue
		}
		if depth > 0 {
			continue
		}
		for _, candidate := range conditionOperators {
			if strings.HasPrefix(expr[i:], candidate) {
				return strings.TrimSpace(expr[:i]), candidate, strings.TrimSpace(expr[i+len(candidate):]), true
			}
		}
		if isWordBoundary(expr, i) && strings.HasPrefix(expr[i:], containsOperator) {
			after := i + len(containsOperator)
			if after >= len(expr) || expr[after] == ' ' {
				return strings.TrimSpace(expr[:i]), containsOperator, strings.TrimSpace(expr[after:]), true
			}
		}
	}
	return "", "", "", false
}

func isWordBoundary(expr string, i int) bool {
	return i == 0 || expr[i-1] == ' '
}

// resolveOperand resolves templates in an operand and then interprets any
// remaining literal: quoted strings stay strings, numerals become numbers,
// and the words true/false/null become their values.
func resolveOperand(operand string, vars *VariableStore) (interface{}, []string) {
	tpl, err := ParseTemplate(operand)
	if err != nil {
		return operand, nil
	}
	value, warnings := tpl.Resolve(vars)

	if s, ok := value.(string); ok && !tpl.IsSingleExpr() {
		return parseLiteral(s), warnings
	}
	return value, warnings
}

func parseLiteral(s string) interface{} {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return s
}

// compareValues applies a comparison operator. Both sides numeric compares
// numerically; otherwise equality compares rendered text and ordering
// compares lexicographically.
func compareValues(left, right interface{}, op string) (bool, error) {
	if op == containsOperator {
		return containsValue(left, right), nil
	}

	ln, lok := toNumber(left)
	rn, rok := toNumber(right)
	if lok && rok {
		switch op {
		case "==":
			return ln == rn, nil
		case "!=":
			return ln != rn, nil
		case ">":
			return ln > rn, nil
		case ">=":
			return ln >= rn, nil
		case "<":
			return ln < rn, nil
		case "<=":
			return ln <= rn, nil
		}
	}

	ls := stringifyValue(left)
	rs := stringifyValue(right)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case ">":
		return ls > rs, nil
	case ">=":
		return ls >= rs, nil
	case "<":
		return ls < rs, nil
	case "<=":
		return ls <= rs, nil
	}
	return false, fmt.Errorf("unknown comparison operator %q", op)
}

// containsValue reports substring membership for strings and element
// membership for slices.
func containsValue(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, stringifyValue(needle))
	case []interface{}:
		for _, elem := range h {
			if eq, _ := compareValues(elem, needle, "=="); eq {
				return true
			}
		}
	}
	return false
}

func toNumber(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		n, err := v.Float64()
		return n, err == nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// isTruthy follows loose scripting semantics: absent values, zero, empty
// strings and the rendered words false/null/undefined are all false.
func isTruthy(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		switch strings.TrimSpace(v) {
		case "", "false", "0", "null", unresolvedLiteral:
			return false
		}
		return true
	case float64:
		return v != 0
	case float32:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	case json.Number:
		n, err := v.Float64()
		return err == nil && n != 0
	case map[string]interface{}:
		return true
	case []interface{}:
		return len(v) > 0
	default:
		return true
	}
}
