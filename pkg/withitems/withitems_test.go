package withitems

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/expression"
)

func publishSpec() Spec {
	return Spec{
		Variables: []Variable{{Name: "item", Expr: "$.items"}},
		Publish:   &Publish{Key: "result", Expr: "$.output"},
	}
}

func TestExpand_PreservesIndexCorrespondence(t *testing.T) {
	values := Values{
		{Name: "itemX", Value: []any{1, 2}},
		{Name: "itemY", Value: []string{"a", "b"}},
	}

	inputs, err := Expand(values)
	require.NoError(t, err)
	assert.Equal(t, []IterationInput{
		{"itemX": 1, "itemY": "a"},
		{"itemX": 2, "itemY": "b"},
	}, inputs)
	assert.Equal(t, 2, values.Len())
}

func TestExpand_Empty(t *testing.T) {
	inputs, err := Expand(Values{{Name: "x", Value: []any{}}})
	require.NoError(t, err)
	assert.Empty(t, inputs)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		values  Values
		message string
	}{
		{
			name:    "unequal lengths",
			values:  Values{{Name: "itemX", Value: []any{1, 2}}, {Name: "itemY", Value: []any{"a"}}},
			message: "Wrong input format for: {itemX: [1 2], itemY: [a]}. All arrays must have the same length.",
		},
		{
			name:    "non-sequence",
			values:  Values{{Name: "itemX", Value: 5}},
			message: "Wrong input format for: {itemX: 5}. List type is expected for each value.",
		},
		{
			name:    "string is not a sequence",
			values:  Values{{Name: "itemX", Value: "ab"}},
			message: "List type is expected for each value.",
		},
		{
			name:    "nil value",
			values:  Values{{Name: "itemX", Value: []any{1}}, {Name: "itemY", Value: nil}},
			message: "List type is expected for each value.",
		},
		{
			name:    "no variables",
			values:  nil,
			message: "At least one with-items variable is required.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.values)
			require.Error(t, err)
			assert.True(t, errors.IsInputError(err))
			assert.Contains(t, err.Error(), tt.message)

			_, err = Expand(tt.values)
			assert.True(t, errors.IsInputError(err), "expansion must fail the same way")
		})
	}

	assert.NoError(t, Validate(Values{{Name: "a", Value: []int{1}}, {Name: "b", Value: [1]string{"x"}}}))
}

func TestParseVariables(t *testing.T) {
	vars, err := ParseVariables([]string{"x in <% $.xs %>", "y   in $.ys"})
	require.NoError(t, err)
	assert.Equal(t, []Variable{{Name: "x", Expr: "<% $.xs %>"}, {Name: "y", Expr: "$.ys"}}, vars)

	_, err = ParseVariables([]string{"x from $.xs"})
	assert.Error(t, err)
	_, err = ParseVariables([]string{"x in $.a", "x in $.b"})
	assert.Error(t, err)
	_, err = ParseVariables(nil)
	assert.Error(t, err)
}

func TestNewPublish(t *testing.T) {
	p, err := NewPublish(map[string]any{"result": "$.output"})
	require.NoError(t, err)
	assert.Equal(t, &Publish{Key: "result", Expr: "$.output"}, p)

	p, err = NewPublish(nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = NewPublish(map[string]any{"a": "$.a", "b": "$.b"})
	assert.Error(t, err)
}

func TestAccumulate_NoPublish(t *testing.T) {
	acc := NewAccumulator(nil)
	spec := Spec{Variables: []Variable{{Name: "item", Expr: "$.items"}}}
	ctx := context.Background()

	out, err := acc.Accumulate(ctx, TaskOutput{}, "t1", spec, Result{Data: map[string]any{"big": "payload"}})
	require.NoError(t, err)
	out, err = acc.Accumulate(ctx, out, "t1", spec, Result{Error: "boom"})
	require.NoError(t, err)

	assert.Equal(t, []any{nil, "boom"}, out.Sequence("t1"))
	assert.Equal(t, map[string]any{
		"task": map[string]any{"t1": []any{nil, "boom"}},
	}, out.Map())
	assert.Equal(t, 2, out.Count("t1", ""))
}

func TestAccumulate_Publish(t *testing.T) {
	acc := NewAccumulator(expression.NewJSEvaluator(expression.DefaultTimeout))
	ctx := context.Background()

	out, err := acc.Accumulate(ctx, TaskOutput{}, "t1", publishSpec(), Result{Data: map[string]any{"output": "a"}})
	require.NoError(t, err)
	out, err = acc.Accumulate(ctx, out, "t1", publishSpec(), Result{Data: map[string]any{"output": "b"}})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"result": []any{"a", "b"},
		"task": map[string]any{
			"t1": map[string]any{"result": []any{"a", "b"}},
		},
	}, out.Map())
}

func TestAccumulate_PublishRecordsErrors(t *testing.T) {
	acc := NewAccumulator(nil)
	ctx := context.Background()

	out, err := acc.Accumulate(ctx, TaskOutput{}, "t1", publishSpec(), Result{Error: "failed item"})
	require.NoError(t, err)
	out, err = acc.Accumulate(ctx, out, "t1", publishSpec(), Result{})
	require.NoError(t, err)
	out, err = acc.Accumulate(ctx, out, "t1", publishSpec(), Result{Data: map[string]any{"output": 0}})
	require.NoError(t, err)

	assert.Equal(t, []any{"failed item", nil, int64(0)}, out.Primary,
		"errors are data, missing projections are nil, falsy projections are kept")
}

func TestAccumulate_PublishEvaluationError(t *testing.T) {
	acc := NewAccumulator(nil)
	spec := publishSpec()
	spec.Publish.Expr = "$.a.b.c"

	prev := Append(TaskOutput{}, "t1", "result", "first")
	out, err := acc.Accumulate(context.Background(), prev, "t1", spec, Result{Data: map[string]any{}})
	require.Error(t, err)
	assert.Equal(t, prev, out)
}

func TestAppend_DoesNotMutatePrevious(t *testing.T) {
	base := Append(TaskOutput{}, "t1", "result", "a")
	base = Append(base, "other", "", nil)

	left := Append(base, "t1", "result", "left")
	right := Append(base, "t1", "result", "right")

	assert.Equal(t, []any{"a"}, base.Primary)
	assert.Equal(t, []any{"a", "left"}, left.Primary)
	assert.Equal(t, []any{"a", "right"}, right.Primary)
	assert.Equal(t, []any{"a", "right"}, right.Mirror["t1"])
	assert.Equal(t, []any{nil}, right.Mirror["other"])

	m := left.Map()
	m["result"].([]any)[0] = "changed"
	assert.Equal(t, "a", left.Primary[0], "Map must return a copy")
}

func TestTaskOutput_JSON(t *testing.T) {
	out := Append(Append(TaskOutput{}, "t1", "result", "a"), "t1", "result", "b")

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":["a","b"],"task":{"t1":{"result":["a","b"]}}}`, string(raw))

	var decoded TaskOutput
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, out, decoded)

	plain := Append(TaskOutput{}, "t2", "", "err")
	raw, err = json.Marshal(plain)
	require.NoError(t, err)
	assert.JSONEq(t, `{"task":{"t2":["err"]}}`, string(raw))

	var decodedPlain TaskOutput
	require.NoError(t, json.Unmarshal(raw, &decodedPlain))
	assert.Equal(t, plain, decodedPlain)
}

func TestIsIncomplete(t *testing.T) {
	for _, withPublish := range []bool{false, true} {
		spec := Spec{Variables: []Variable{{Name: "x", Expr: "$.xs"}}}
		key := ""
		if withPublish {
			spec.Publish = &Publish{Key: "r", Expr: "$"}
			key = "r"
		}

		for l := 0; l <= 3; l++ {
			items := make([]any, l)
			input := Values{{Name: "x", Value: items}}

			out := TaskOutput{}
			for count := 0; count <= l; count++ {
				name := fmt.Sprintf("publish=%v L=%d count=%d", withPublish, l, count)
				assert.Equal(t, count < l, IsIncomplete(out, "t1", spec, input), name)
				assert.Equal(t, count == l, Completed(out, "t1", spec, input), name)
				out = Append(out, "t1", key, nil)
			}
		}
	}
}

func TestTracker_ConcurrentRecordsAreNotLost(t *testing.T) {
	const n = 100
	tracker := NewTracker(NewAccumulator(expression.NewPathEvaluator()))
	spec := publishSpec()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, applied, err := tracker.Record(ctx, "task-1", fmt.Sprintf("action-%d", i), "t1", spec,
				Result{Data: map[string]any{"output": i}})
			assert.NoError(t, err)
			assert.True(t, applied)
		}(i)
	}
	wg.Wait()

	out := tracker.Output("task-1")
	require.Len(t, out.Primary, n)
	assert.Len(t, out.Mirror["t1"], n)
	assert.ElementsMatch(t, out.Primary, out.Mirror["t1"])

	// redeliver everything
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, applied, err := tracker.Record(ctx, "task-1", fmt.Sprintf("action-%d", i), "t1", spec,
				Result{Data: map[string]any{"output": i}})
			assert.NoError(t, err)
			assert.False(t, applied)
		}(i)
	}
	wg.Wait()

	input := Values{{Name: "item", Value: make([]any, n)}}
	out = tracker.Output("task-1")
	assert.Len(t, out.Primary, n, "duplicates must not grow the sequence")
	assert.True(t, Completed(out, "t1", spec, input))
}

func TestTracker_TasksAreIndependent(t *testing.T) {
	tracker := NewTracker(nil)
	spec := Spec{Variables: []Variable{{Name: "x", Expr: "$.xs"}}}

	_, _, err := tracker.Record(context.Background(), "a", "1", "t", spec, Result{})
	require.NoError(t, err)
	out, applied, err := tracker.Record(context.Background(), "b", "1", "t", spec, Result{Error: "e"})
	require.NoError(t, err)
	assert.True(t, applied, "same action id in another task is not a duplicate")
	assert.Equal(t, []any{"e"}, out.Sequence("t"))

	tracker.Forget("a")
	assert.Equal(t, TaskOutput{}, tracker.Output("a"))
}

func TestTracker_RecordAfterForget(t *testing.T) {
	tracker := NewTracker(nil)
	spec := Spec{Variables: []Variable{{Name: "x", Expr: "$.xs"}}}
	ctx := context.Background()

	_, applied, err := tracker.Record(ctx, "task-1", "action-1", "t", spec, Result{Error: "e"})
	require.NoError(t, err)
	require.True(t, applied)

	tracker.Forget("task-1")

	// a late redelivery of the same result must not start a new output
	out, applied, err := tracker.Record(ctx, "task-1", "action-1", "t", spec, Result{Error: "e"})
	assert.ErrorIs(t, err, ErrTaskForgotten)
	assert.False(t, applied)
	assert.Equal(t, TaskOutput{}, out)
	assert.Equal(t, TaskOutput{}, tracker.Output("task-1"))

	_, applied, err = tracker.Record(ctx, "task-2", "action-1", "t", spec, Result{Error: "e"})
	require.NoError(t, err)
	assert.True(t, applied)
}
