// Package expression resolves with-items source collections and publish
// projections against a data context.
//
// A string is treated as an expression when it is wrapped in "<% ... %>" or
// starts with "$". In every backend "$" denotes the root of the data context,
// so "$.output" selects the "output" field of an action result.
package expression

import (
	"context"
	"fmt"
	"strings"
)

// Evaluator evaluates a single expression against data.
type Evaluator interface {
	Evaluate(ctx context.Context, expr string, data any) (any, error)
}

// Kind names an evaluator backend
type Kind string

const (
	KindJS   Kind = "js"
	KindJQ   Kind = "jq"
	KindPath Kind = "path"
)

// New returns the evaluator for kind. An empty kind selects the JavaScript backend.
func New(kind Kind) (Evaluator, error) {
	switch Kind(strings.ToLower(string(kind))) {
	case "", KindJS:
		return NewJSEvaluator(DefaultTimeout), nil
	case KindJQ:
		return NewJQEvaluator(DefaultTimeout), nil
	case KindPath:
		return NewPathEvaluator(), nil
	default:
		return nil, fmt.Errorf("unknown expression kind %q", kind)
	}
}

// Unwrap returns the expression body of s and whether s is an expression at all.
func Unwrap(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "<%") && strings.HasSuffix(t, "%>") && len(t) >= 4 {
		return strings.TrimSpace(t[2 : len(t)-2]), true
	}
	if strings.HasPrefix(t, "$") {
		return t, true
	}
	return s, false
}

// IsExpression reports whether s would be evaluated by EvaluateRecursively
func IsExpression(s string) bool {
	_, ok := Unwrap(s)
	return ok
}

// EvaluateRecursively walks spec and replaces every expression string with its
// value against data. Maps and slices are rebuilt; spec is never modified.
func EvaluateRecursively(ctx context.Context, ev Evaluator, spec any, data any) (any, error) {
	switch v := spec.(type) {
	case string:
		body, ok := Unwrap(v)
		if !ok {
			return v, nil
		}
		out, err := ev.Evaluate(ctx, body, data)
		if err != nil {
			return nil, fmt.Errorf("evaluate %q: %w", v, err)
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := EvaluateRecursively(ctx, ev, item, data)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := EvaluateRecursively(ctx, ev, item, data)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return spec, nil
	}
}
