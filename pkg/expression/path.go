package expression

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// PathEvaluator resolves plain dotted paths ("$.a.b", "$.items.0") with gjson.
// It is the cheapest backend and has no operators.
type PathEvaluator struct{}

// NewPathEvaluator creates a path evaluator
func NewPathEvaluator() *PathEvaluator {
	return &PathEvaluator{}
}

// Evaluate returns the value at the path, or nil when it does not exist
func (e *PathEvaluator) Evaluate(_ context.Context, expr string, data any) (any, error) {
	path := strings.TrimSpace(expr)
	if !strings.HasPrefix(path, "$") {
		return nil, fmt.Errorf("path expression must start with $: %q", expr)
	}
	path = strings.TrimPrefix(strings.TrimPrefix(path, "$"), ".")
	if path == "" {
		return data, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}
	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return nil, nil
	}
	return result.Value(), nil
}
