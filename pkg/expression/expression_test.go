package expression

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnwrap(t *testing.T) {
	tests := []struct {
		in     string
		body   string
		isExpr bool
	}{
		{"<% $.arrayI %>", "$.arrayI", true},
		{"  $.output ", "$.output", true},
		{"$", "$", true},
		{"plain text", "plain text", false},
		{"<%%>", "", true},
		{"cost: $5", "cost: $5", false},
	}
	for _, tt := range tests {
		body, ok := Unwrap(tt.in)
		assert.Equal(t, tt.isExpr, ok, tt.in)
		assert.Equal(t, tt.body, body, tt.in)
	}
}

func TestNew(t *testing.T) {
	for _, kind := range []Kind{"", KindJS, KindJQ, KindPath, "JQ"} {
		ev, err := New(kind)
		require.NoError(t, err, kind)
		assert.NotNil(t, ev)
	}

	_, err := New("yaql")
	assert.Error(t, err)
}

func TestEvaluators_SelectField(t *testing.T) {
	data := map[string]any{"output": "a", "nested": map[string]any{"value": "deep"}}

	for _, kind := range []Kind{KindJS, KindJQ, KindPath} {
		t.Run(string(kind), func(t *testing.T) {
			ev, err := New(kind)
			require.NoError(t, err)

			v, err := ev.Evaluate(context.Background(), "$.output", data)
			require.NoError(t, err)
			assert.Equal(t, "a", v)

			v, err = ev.Evaluate(context.Background(), "$.nested.value", data)
			require.NoError(t, err)
			assert.Equal(t, "deep", v)

			v, err = ev.Evaluate(context.Background(), "$.missing", data)
			require.NoError(t, err)
			assert.Nil(t, v)
		})
	}
}

func TestJSEvaluator_Operators(t *testing.T) {
	ev := NewJSEvaluator(time.Second)

	v, err := ev.Evaluate(context.Background(), "$.items.length", map[string]any{"items": []any{1, 2, 3}})
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)

	v, err = ev.Evaluate(context.Background(), "$.name + '-suffix'", map[string]any{"name": "task"})
	require.NoError(t, err)
	assert.Equal(t, "task-suffix", v)
}

func TestJSEvaluator_Errors(t *testing.T) {
	ev := NewJSEvaluator(50 * time.Millisecond)

	_, err := ev.Evaluate(context.Background(), "$.a.b.c", map[string]any{})
	assert.Error(t, err, "property access on undefined must fail")

	_, err = ev.Evaluate(context.Background(), "(function(){ while(true){} })()", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeded")

	_, err = ev.Evaluate(context.Background(), "$.(", nil)
	assert.Error(t, err)
}

func TestJQEvaluator_RootRewrite(t *testing.T) {
	assert.Equal(t, ".output", toJQ("$.output"))
	assert.Equal(t, ".", toJQ("$"))
	assert.Equal(t, "[.a, .b]", toJQ("[$.a, $.b]"))
	assert.Equal(t, ". | length", toJQ("$ | length"))
	assert.Equal(t, "$x", toJQ("$x"))

	ev := NewJQEvaluator(time.Second)
	v, err := ev.Evaluate(context.Background(), "$.items | length", map[string]any{"items": []string{"x", "y"}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)

	v, err = ev.Evaluate(context.Background(), "$.items[]", map[string]any{"items": []any{"x", "y"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, v)

	_, err = ev.Evaluate(context.Background(), "$.items | ]", map[string]any{})
	assert.Error(t, err)
}

func TestPathEvaluator(t *testing.T) {
	ev := NewPathEvaluator()

	v, err := ev.Evaluate(context.Background(), "$.items.1", map[string]any{"items": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	v, err = ev.Evaluate(context.Background(), "$", "whole")
	require.NoError(t, err)
	assert.Equal(t, "whole", v)

	_, err = ev.Evaluate(context.Background(), "items", nil)
	assert.Error(t, err)
}

func TestEvaluateRecursively(t *testing.T) {
	spec := map[string]any{
		"result":  "$.output",
		"literal": "keep me",
		"list":    []any{"<% $.n %>", 7},
	}
	data := map[string]any{"output": "a", "n": "b"}

	out, err := EvaluateRecursively(context.Background(), NewPathEvaluator(), spec, data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"result":  "a",
		"literal": "keep me",
		"list":    []any{"b", 7},
	}, out)
	assert.Equal(t, "$.output", spec["result"], "spec must not be modified")

	_, err = EvaluateRecursively(context.Background(), NewJSEvaluator(time.Second), map[string]any{"bad": "$items"}, data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `evaluate "$items"`)
}
