package withitems

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/expression"
)

// taskKey holds the per-task mirror sequences in the rendered output
const taskKey = "task"

// TaskOutput is the accumulated output of a with-items task. Values are
// treated as immutable: every update returns a new TaskOutput and never
// writes through slices or maps shared with a previous one.
//
// With a publish clause the primary sequence lives under Key and is mirrored
// at task.<name>.<Key>. Without one only task.<name> is kept, holding nil for
// each successful iteration and the error datum for each failed one.
type TaskOutput struct {
	Key     string
	Primary []any
	Mirror  map[string][]any
}

// Count returns the number of accumulated entries for taskName under key
func (o TaskOutput) Count(taskName, key string) int {
	if key != "" {
		return len(o.Primary)
	}
	return len(o.Mirror[taskName])
}

// Sequence returns the mirror sequence of taskName
func (o TaskOutput) Sequence(taskName string) []any {
	return o.Mirror[taskName]
}

// Map renders the output in its persistent shape. The result shares no
// memory with o.
func (o TaskOutput) Map() map[string]any {
	out := make(map[string]any)
	if o.Key != "" {
		out[o.Key] = cloneSeq(o.Primary)
	}
	if len(o.Mirror) == 0 {
		return out
	}

	tasks := make(map[string]any, len(o.Mirror))
	for name, seq := range o.Mirror {
		if o.Key != "" {
			tasks[name] = map[string]any{o.Key: cloneSeq(seq)}
		} else {
			tasks[name] = cloneSeq(seq)
		}
	}
	out[taskKey] = tasks
	return out
}

// MarshalJSON encodes the persistent shape
func (o TaskOutput) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Map())
}

// UnmarshalJSON decodes the persistent shape
func (o *TaskOutput) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode task output: %w", err)
	}

	var out TaskOutput
	if tasksRaw, ok := raw[taskKey]; ok {
		var tasks map[string]json.RawMessage
		if err := json.Unmarshal(tasksRaw, &tasks); err != nil {
			return fmt.Errorf("failed to decode task mirrors: %w", err)
		}
		out.Mirror = make(map[string][]any, len(tasks))
		for name, entry := range tasks {
			var seq []any
			if err := json.Unmarshal(entry, &seq); err == nil {
				out.Mirror[name] = seq
				continue
			}
			var keyed map[string][]any
			if err := json.Unmarshal(entry, &keyed); err != nil {
				return fmt.Errorf("failed to decode mirror of task %s: %w", name, err)
			}
			for k, s := range keyed {
				out.Key = k
				out.Mirror[name] = s
			}
		}
	}

	for k, v := range raw {
		if k == taskKey {
			continue
		}
		if out.Key != "" && k != out.Key {
			return fmt.Errorf("unexpected output key %q, mirrors use %q", k, out.Key)
		}
		out.Key = k
		if err := json.Unmarshal(v, &out.Primary); err != nil {
			return fmt.Errorf("failed to decode output sequence %s: %w", k, err)
		}
	}

	*o = out
	return nil
}

// Empty returns the output of a task before any iteration has reported:
// empty sequences in the shape Append would produce.
func Empty(taskName, key string) TaskOutput {
	seq := []any{}
	out := TaskOutput{Key: key, Mirror: map[string][]any{taskName: seq}}
	if key != "" {
		out.Primary = seq
	}
	return out
}

// Append returns prev with value appended for taskName. With a non-empty
// key the primary sequence grows and is mirrored at task.<name>.<key>;
// otherwise only task.<name> grows.
func Append(prev TaskOutput, taskName, key string, value any) TaskOutput {
	next := TaskOutput{
		Key:     prev.Key,
		Primary: prev.Primary,
		Mirror:  make(map[string][]any, len(prev.Mirror)+1),
	}
	for name, seq := range prev.Mirror {
		next.Mirror[name] = seq
	}

	if key != "" {
		next.Key = key
		next.Primary = appendCopy(prev.Primary, value)
		next.Mirror[taskName] = next.Primary
		return next
	}

	next.Mirror[taskName] = appendCopy(prev.Mirror[taskName], value)
	return next
}

// Accumulator merges iteration results into a TaskOutput
type Accumulator struct {
	evaluator expression.Evaluator
}

// NewAccumulator creates an accumulator that evaluates publish clauses with
// ev. A nil ev selects the JavaScript evaluator.
func NewAccumulator(ev expression.Evaluator) *Accumulator {
	if ev == nil {
		ev = expression.NewJSEvaluator(expression.DefaultTimeout)
	}
	return &Accumulator{evaluator: ev}
}

// Accumulate returns prev extended by one entry for res. Iteration errors
// are recorded as data. The only error returned is a failure to evaluate the
// publish clause, in which case prev is returned unchanged.
func (a *Accumulator) Accumulate(ctx context.Context, prev TaskOutput, taskName string, spec Spec, res Result) (TaskOutput, error) {
	if spec.Publish == nil {
		return Append(prev, taskName, "", res.Error), nil
	}

	key := spec.Publish.Key
	if res.Data == nil && res.Error != nil {
		return Append(prev, taskName, key, res.Error), nil
	}

	data := res.Data
	if data == nil {
		data = map[string]any{}
	}
	projected, err := expression.EvaluateRecursively(ctx, a.evaluator, spec.Publish.Expr, data)
	if err != nil {
		return prev, fmt.Errorf("failed to evaluate publish %s of task %s: %w", key, taskName, err)
	}
	if projected == nil {
		projected = res.Error
	}
	return Append(prev, taskName, key, projected), nil
}

func appendCopy(seq []any, value any) []any {
	out := make([]any, len(seq), len(seq)+1)
	copy(out, seq)
	return append(out, value)
}

func cloneSeq(seq []any) []any {
	if seq == nil {
		return []any{}
	}
	out := make([]any, len(seq))
	copy(out, seq)
	return out
}
