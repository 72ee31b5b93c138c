package expression

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/itchyny/gojq"
)

// rootRef matches "$" used as the context root, not jq variables like "$x".
var rootRef = regexp.MustCompile(`\$(\.|[^A-Za-z0-9_.]|$)`)

// JQEvaluator evaluates jq programs with gojq. "$" root references are
// rewritten to jq's ".", so "$.items[0]" and ".items[0]" are equivalent.
type JQEvaluator struct {
	timeout time.Duration
	codes   sync.Map // string -> *gojq.Code
}

// NewJQEvaluator creates a jq evaluator
func NewJQEvaluator(timeout time.Duration) *JQEvaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &JQEvaluator{timeout: timeout}
}

func toJQ(expr string) string {
	return rootRef.ReplaceAllStringFunc(expr, func(m string) string {
		if m == "$" || m == "$." {
			return "."
		}
		return "." + m[1:]
	})
}

func (e *JQEvaluator) code(expr string) (*gojq.Code, error) {
	if c, ok := e.codes.Load(expr); ok {
		return c.(*gojq.Code), nil
	}
	query, err := gojq.Parse(toJQ(expr))
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile error: %w", err)
	}
	e.codes.Store(expr, code)
	return code, nil
}

// Evaluate runs expr. A single result is returned as is, several results as a slice.
func (e *JQEvaluator) Evaluate(ctx context.Context, expr string, data any) (any, error) {
	code, err := e.code(expr)
	if err != nil {
		return nil, err
	}

	// gojq only accepts JSON-shaped values
	input, err := normalizeJSON(data)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	iter := code.RunWithContext(execCtx, input)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if execCtx.Err() != nil {
				return nil, fmt.Errorf("execution timeout after %v", e.timeout)
			}
			return nil, err
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func normalizeJSON(data any) (any, error) {
	switch data.(type) {
	case nil, bool, string, float64:
		return data, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to normalize data: %w", err)
	}
	return out, nil
}
