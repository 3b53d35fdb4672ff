package runner

import (
	"fmt"
	"strings"
)

// evaluateCondition evaluates a step's when condition against vars.
// Supported forms: truthiness, "a == b", "a != b" and a "not " prefix.
// Operands are quoted literals, booleans or (dotted) variable names.
func evaluateCondition(condition string, vars map[string]any) bool {
	condition = strings.TrimSpace(condition)

	if strings.HasPrefix(condition, "not ") {
		return !evaluateCondition(condition[4:], vars)
	}

	if left, right, ok := strings.Cut(condition, "=="); ok {
		return fmt.Sprint(resolveValue(left, vars)) == fmt.Sprint(resolveValue(right, vars))
	}

	if left, right, ok := strings.Cut(condition, "!="); ok {
		return fmt.Sprint(resolveValue(left, vars)) != fmt.Sprint(resolveValue(right, vars))
	}

	return isTruthy(resolveValue(condition, vars))
}

// resolveValue resolves a value that might be a variable reference.
func resolveValue(s string, vars map[string]any) any {
	s = strings.TrimSpace(s)

	// String literal
	if len(s) >= 2 && ((s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"')) {
		return s[1 : len(s)-1]
	}

	if s == "true" || s == "True" {
		return true
	}
	if s == "false" || s == "False" {
		return false
	}

	if val, ok := vars[s]; ok {
		return val
	}

	// Dotted lookup, e.g. facts.hw_model
	if strings.Contains(s, ".") {
		var current any = vars
		for _, part := range strings.Split(s, ".") {
			m, ok := current.(map[string]any)
			if !ok {
				return nil
			}
			current = m[part]
		}
		return current
	}

	return s
}

// isTruthy returns whether a value is considered truthy.
func isTruthy(v any) bool {
	if v == nil {
		return false
	}

	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != "" && val != "false" && val != "False" && val != "no"
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
