package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/action"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/expression"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/store"
	"github.com/wehubfusion/Daedalus/pkg/withitems"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// recordingDispatcher keeps requests instead of running them
type recordingDispatcher struct {
	mu   sync.Mutex
	reqs []action.Request
	fail func(req action.Request) error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req action.Request) error {
	if d.fail != nil {
		if err := d.fail(req); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	return nil
}

func (d *recordingDispatcher) requests() []action.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]action.Request, len(d.reqs))
	copy(out, d.reqs)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func newTestEngine(t *testing.T, st store.Store, d Dispatcher, ev expression.Evaluator, defaults map[string]map[string]any) *Engine {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	if ev == nil {
		ev = expression.NewPathEvaluator()
	}
	e, err := New(Options{
		Store:          st,
		Dispatcher:     d,
		Evaluator:      ev,
		ActionDefaults: defaults,
		Metrics:        metrics.New(prometheus.NewRegistry()),
		Logger:         zap.NewNop(),
	})
	require.NoError(t, err)
	return e
}

// newLocalEngine wires an engine to in-process execution of registry's actions
func newLocalEngine(t *testing.T, st store.Store, registry *action.Registry, ev expression.Evaluator) (*Engine, *LocalDispatcher) {
	t.Helper()
	exec := action.NewDefaultExecutor(registry, zap.NewNop())
	d := NewLocalDispatcher(exec, concurrency.NewLimiter(8), nil, zap.NewNop())
	e := newTestEngine(t, st, d, ev, nil)
	d.Bind(e)
	return e, d
}

func wait(t *testing.T, e *Engine, id string) *store.TaskExecution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := e.Wait(ctx, id)
	require.NoError(t, err)
	return rec
}

func complete(t *testing.T, e *Engine, req action.Request, res action.Result) {
	t.Helper()
	require.NoError(t, e.OnActionComplete(context.Background(), Completion{
		TaskExecutionID:   req.TaskExecutionID,
		ActionExecutionID: req.ActionExecutionID,
		Result:            res,
	}))
}

func echoTask(concurrency int) workflow.TaskSpec {
	return workflow.TaskSpec{
		Name:        "echo",
		Action:      "std.echo",
		Input:       map[string]any{"output": "$.x"},
		Items:       workflow.StringList{"x in $.xs"},
		Publish:     map[string]any{"result": "$"},
		Concurrency: concurrency,
	}
}

func TestEngine_PublishInOrderWithConcurrencyOne(t *testing.T) {
	e, _ := newLocalEngine(t, nil, action.NewBuiltinRegistry(), nil)

	rec, err := e.RunTask(context.Background(), echoTask(1), map[string]any{"xs": []any{"a", "b", "c"}})
	require.NoError(t, err)

	rec = wait(t, e, rec.ID)
	assert.Equal(t, store.StateSuccess, rec.State)
	assert.Empty(t, rec.StateInfo)
	assert.Equal(t, []any{"a", "b", "c"}, rec.Output.Primary)
	assert.Equal(t, map[string]any{
		"result": []any{"a", "b", "c"},
		"task":   map[string]any{"echo": map[string]any{"result": []any{"a", "b", "c"}}},
	}, rec.Output.Map())
	assert.Len(t, rec.Actions, 3)
	for _, ae := range rec.Actions {
		assert.True(t, ae.Accepted)
		assert.Equal(t, store.StateSuccess, ae.State)
		require.NotNil(t, ae.Result)
	}
	assert.Equal(t, 1, rec.Runtime.Capacity)
}

func TestEngine_UnlimitedConcurrencyCollectsEveryResult(t *testing.T) {
	e, d := newLocalEngine(t, nil, action.NewBuiltinRegistry(), expression.NewJSEvaluator(time.Second))

	xs := make([]any, 20)
	for i := range xs {
		xs[i] = fmt.Sprintf("item-%d", i)
	}
	spec := echoTask(0)
	spec.Input = map[string]any{"output": "<% $.x %>"}
	spec.Items = workflow.StringList{"x in <% $.xs %>"}
	spec.Publish = map[string]any{"result": "<% $ %>"}

	rec, err := e.RunTask(context.Background(), spec, map[string]any{"xs": xs})
	require.NoError(t, err)

	rec = wait(t, e, rec.ID)
	d.Wait()
	assert.Equal(t, store.StateSuccess, rec.State)
	assert.ElementsMatch(t, xs, rec.Output.Primary)
	assert.ElementsMatch(t, xs, rec.Output.Sequence("echo"))
}

func TestEngine_NoPublishRecordsErrorsAsData(t *testing.T) {
	registry := action.NewRegistry()
	registry.MustRegister("test.maybe", func(map[string]any) (action.Action, error) {
		return action.ActionFunc(func(_ context.Context, params map[string]any) (action.Result, error) {
			if params["x"] == "bad" {
				return action.Result{Error: "boom"}, nil
			}
			return action.Result{Data: params["x"]}, nil
		}), nil
	})
	e, _ := newLocalEngine(t, nil, registry, nil)

	spec := workflow.TaskSpec{
		Name:        "maybe",
		Action:      "test.maybe",
		Items:       workflow.StringList{"x in $.xs"},
		Concurrency: 1,
	}
	rec, err := e.RunTask(context.Background(), spec, map[string]any{"xs": []any{"good", "bad"}})
	require.NoError(t, err)

	rec = wait(t, e, rec.ID)
	assert.Equal(t, store.StateError, rec.State)
	assert.Equal(t, "One or more actions had failed.", rec.StateInfo)
	assert.Equal(t, []any{nil, "boom"}, rec.Output.Sequence("maybe"))
	assert.Equal(t, map[string]any{"task": map[string]any{"maybe": []any{nil, "boom"}}}, rec.Output.Map())
}

func TestEngine_InvalidInputFailsBeforeDispatch(t *testing.T) {
	tests := []struct {
		name      string
		items     workflow.StringList
		inContext map[string]any
		msg       string
	}{
		{
			name:      "not a list",
			items:     workflow.StringList{"x in $.xs"},
			inContext: map[string]any{"xs": "abc"},
			msg:       "List type is expected for each value.",
		},
		{
			name:      "length mismatch",
			items:     workflow.StringList{"x in $.xs", "y in $.ys"},
			inContext: map[string]any{"xs": []any{"a", "b"}, "ys": []any{"c"}},
			msg:       "All arrays must have the same length.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &recordingDispatcher{}
			e := newTestEngine(t, nil, d, nil, nil)

			spec := echoTask(0)
			spec.Items = tt.items
			rec, err := e.RunTask(context.Background(), spec, tt.inContext)
			require.Error(t, err)
			assert.True(t, errors.IsInputError(err))
			assert.Contains(t, err.Error(), tt.msg)

			require.NotNil(t, rec)
			assert.Equal(t, store.StateError, rec.State)
			assert.Contains(t, rec.StateInfo, tt.msg)
			assert.Empty(t, d.requests())

			stored, err := e.GetTask(context.Background(), rec.ID)
			require.NoError(t, err)
			assert.Equal(t, store.StateError, stored.State)
		})
	}
}

func TestEngine_InvalidSpec(t *testing.T) {
	e := newTestEngine(t, nil, &recordingDispatcher{}, nil, nil)

	_, err := e.RunTask(context.Background(), workflow.TaskSpec{Name: "t", Action: "std.echo", Items: workflow.StringList{"nonsense"}}, nil)
	require.Error(t, err)

	var appErr *errors.AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, errors.ValidationFailed, appErr.Type)
}

func TestEngine_EmptyCollectionSucceedsImmediately(t *testing.T) {
	d := &recordingDispatcher{}
	e := newTestEngine(t, nil, d, nil, nil)

	rec, err := e.RunTask(context.Background(), echoTask(0), map[string]any{"xs": []any{}})
	require.NoError(t, err)
	assert.Equal(t, store.StateSuccess, rec.State)
	assert.Empty(t, d.requests())
	assert.Equal(t, map[string]any{
		"result": []any{},
		"task":   map[string]any{"echo": map[string]any{"result": []any{}}},
	}, rec.Output.Map())

	rec = wait(t, e, rec.ID)
	assert.Equal(t, store.StateSuccess, rec.State)
}

func TestEngine_ConcurrencyLimitsInFlightActions(t *testing.T) {
	d := &recordingDispatcher{}
	e := newTestEngine(t, nil, d, nil, nil)

	rec, err := e.RunTask(context.Background(), echoTask(2), map[string]any{"xs": []any{"a", "b", "c", "d", "e"}})
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Runtime.Capacity)

	reqs := d.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, 0, reqs[0].Index)
	assert.Equal(t, 1, reqs[1].Index)

	complete(t, e, reqs[0], action.Result{Data: "a"})
	reqs = d.requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, 2, reqs[2].Index)

	stored, err := e.GetTask(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Runtime.Capacity)
	assert.Equal(t, store.StateRunning, stored.State)

	done := map[string]bool{reqs[0].ActionExecutionID: true}
	for len(done) < 5 {
		for _, req := range d.requests() {
			if done[req.ActionExecutionID] {
				continue
			}
			done[req.ActionExecutionID] = true
			complete(t, e, req, action.Result{Data: req.Params["output"]})
		}
	}

	rec = wait(t, e, rec.ID)
	assert.Equal(t, store.StateSuccess, rec.State)
	assert.Equal(t, []any{"a", "b", "c", "d", "e"}, rec.Output.Primary)
	assert.Equal(t, 2, rec.Runtime.Capacity)
	assert.Len(t, d.requests(), 5)
}

func TestEngine_DuplicateCompletionIsIgnored(t *testing.T) {
	d := &recordingDispatcher{}
	e := newTestEngine(t, nil, d, nil, nil)

	rec, err := e.RunTask(context.Background(), echoTask(0), map[string]any{"xs": []any{"a", "b"}})
	require.NoError(t, err)
	reqs := d.requests()
	require.Len(t, reqs, 2)

	complete(t, e, reqs[0], action.Result{Data: "a"})
	complete(t, e, reqs[0], action.Result{Data: "a"})
	complete(t, e, reqs[0], action.Result{Error: "late failure"})

	stored, err := e.GetTask(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, stored.Output.Primary)
	assert.Equal(t, store.StateRunning, stored.State)

	complete(t, e, reqs[1], action.Result{Data: "b"})
	rec = wait(t, e, rec.ID)
	assert.Equal(t, store.StateSuccess, rec.State)
	assert.Equal(t, []any{"a", "b"}, rec.Output.Primary)
}

func TestEngine_ConcurrentCompletions(t *testing.T) {
	d := &recordingDispatcher{}
	e := newTestEngine(t, nil, d, nil, nil)

	xs := make([]any, 30)
	for i := range xs {
		xs[i] = fmt.Sprintf("v%d", i)
	}
	rec, err := e.RunTask(context.Background(), echoTask(0), map[string]any{"xs": xs})
	require.NoError(t, err)
	reqs := d.requests()
	require.Len(t, reqs, len(xs))

	var wg sync.WaitGroup
	for _, req := range reqs {
		// every result is delivered twice
		for n := 0; n < 2; n++ {
			wg.Add(1)
			go func(req action.Request) {
				defer wg.Done()
				err := e.OnActionComplete(context.Background(), Completion{
					TaskExecutionID:   req.TaskExecutionID,
					ActionExecutionID: req.ActionExecutionID,
					Result:            action.Result{Data: req.Params["output"]},
				})
				assert.NoError(t, err)
			}(req)
		}
	}
	wg.Wait()

	rec = wait(t, e, rec.ID)
	assert.Equal(t, store.StateSuccess, rec.State)
	assert.Len(t, rec.Output.Primary, len(xs))
	assert.ElementsMatch(t, xs, rec.Output.Primary)
}

func TestEngine_CancelTask(t *testing.T) {
	d := &recordingDispatcher{}
	e := newTestEngine(t, nil, d, nil, nil)

	rec, err := e.RunTask(context.Background(), echoTask(0), map[string]any{"xs": []any{"a", "b"}})
	require.NoError(t, err)
	reqs := d.requests()
	complete(t, e, reqs[0], action.Result{Data: "a"})

	cancelled, err := e.CancelTask(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateCancelled, cancelled.State)
	assert.Equal(t, "One or more actions was cancelled.", cancelled.StateInfo)

	// results after cancellation are dropped
	complete(t, e, reqs[1], action.Result{Data: "b"})
	stored, err := e.GetTask(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateCancelled, stored.State)
	assert.Equal(t, []any{"a"}, stored.Output.Primary)
	for _, ae := range stored.Actions {
		if ae.Accepted {
			assert.Equal(t, store.StateSuccess, ae.State)
		} else {
			assert.Equal(t, store.StateCancelled, ae.State)
		}
	}

	again, err := e.CancelTask(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateCancelled, again.State)
}

func TestEngine_UnknownActionExecution(t *testing.T) {
	d := &recordingDispatcher{}
	e := newTestEngine(t, nil, d, nil, nil)

	rec, err := e.RunTask(context.Background(), echoTask(0), map[string]any{"xs": []any{"a"}})
	require.NoError(t, err)

	err = e.OnActionComplete(context.Background(), Completion{
		TaskExecutionID:   rec.ID,
		ActionExecutionID: "not-an-action",
		Result:            action.Result{Data: "x"},
	})
	require.Error(t, err)
	var appErr *errors.AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, errors.NotFound, appErr.Type)

	err = e.OnActionComplete(context.Background(), Completion{TaskExecutionID: "missing", ActionExecutionID: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngine_DispatchFailureBecomesErrorDatum(t *testing.T) {
	d := &recordingDispatcher{fail: func(action.Request) error { return fmt.Errorf("queue unavailable") }}
	e := newTestEngine(t, nil, d, nil, nil)

	rec, err := e.RunTask(context.Background(), echoTask(0), map[string]any{"xs": []any{"a", "b"}})
	require.NoError(t, err)

	rec = wait(t, e, rec.ID)
	assert.Equal(t, store.StateError, rec.State)
	require.Len(t, rec.Output.Primary, 2)
	for _, v := range rec.Output.Primary {
		assert.Equal(t, "Failed to dispatch action: queue unavailable", v)
	}
}

func TestEngine_PublishEvaluationFailure(t *testing.T) {
	d := &recordingDispatcher{}
	e := newTestEngine(t, nil, d, expression.NewJSEvaluator(time.Second), nil)

	spec := workflow.TaskSpec{
		Name:    "broken",
		Action:  "std.echo",
		Items:   workflow.StringList{"x in <% $.xs %>"},
		Publish: map[string]any{"result": "<% $.missing.deeper %>"},
	}
	rec, err := e.RunTask(context.Background(), spec, map[string]any{"xs": []any{"a"}})
	require.NoError(t, err)

	reqs := d.requests()
	require.Len(t, reqs, 1)
	complete(t, e, reqs[0], action.Result{Data: map[string]any{}})

	rec = wait(t, e, rec.ID)
	assert.Equal(t, store.StateError, rec.State)
	require.Len(t, rec.Output.Primary, 1)
	assert.Contains(t, rec.Output.Primary[0], "failed to evaluate publish")
}

func TestEngine_ParamsMergeItemsAndDefaults(t *testing.T) {
	d := &recordingDispatcher{}
	defaults := map[string]map[string]any{
		"std.echo": {"output": "default", "retries": 3},
	}
	e := newTestEngine(t, nil, d, nil, defaults)

	spec := echoTask(0)
	spec.Items = workflow.StringList{"x in $.xs", "y in $.ys"}
	spec.Input = map[string]any{"output": "$.y", "static": "plain"}
	_, err := e.RunTask(context.Background(), spec, map[string]any{
		"xs": []any{"a", "b"},
		"ys": []any{"c", "d"},
	})
	require.NoError(t, err)

	reqs := d.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, map[string]any{
		"output":  "c",
		"static":  "plain",
		"x":       "a",
		"y":       "c",
		"retries": 3,
	}, reqs[0].Params)
	assert.Equal(t, "d", reqs[1].Params["output"])
	assert.Equal(t, "std.echo", reqs[1].ActionClass)
}

func TestEngine_KeepResultFalse(t *testing.T) {
	d := &recordingDispatcher{}
	e := newTestEngine(t, nil, d, nil, nil)

	keep := false
	spec := echoTask(0)
	spec.KeepResult = &keep
	rec, err := e.RunTask(context.Background(), spec, map[string]any{"xs": []any{"a"}})
	require.NoError(t, err)
	complete(t, e, d.requests()[0], action.Result{Data: "a"})

	rec = wait(t, e, rec.ID)
	for _, ae := range rec.Actions {
		assert.Nil(t, ae.Result)
		assert.True(t, ae.Accepted)
	}
	assert.Equal(t, []any{"a"}, rec.Output.Primary)
}

func TestEngine_SQLiteStore(t *testing.T) {
	st, err := store.NewSQLiteStore(store.SQLiteConfig{
		Path:         filepath.Join(t.TempDir(), "engine.db"),
		MaxOpenConns: 1,
		Retry:        store.RetryPolicy{MaxRetries: 200, BaseDelay: time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	e, d := newLocalEngine(t, st, action.NewBuiltinRegistry(), nil)

	xs := []any{"a", "b", "c", "d", "e", "f"}
	rec, err := e.RunTask(context.Background(), echoTask(3), map[string]any{"xs": xs})
	require.NoError(t, err)

	rec = wait(t, e, rec.ID)
	d.Wait()
	assert.Equal(t, store.StateSuccess, rec.State)
	assert.ElementsMatch(t, xs, rec.Output.Primary)

	stored, err := st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, xs, stored.Output.Primary)
	assert.ElementsMatch(t, xs, stored.Output.Sequence("echo"))
	assert.Equal(t, 6, stored.Runtime.Count)
}

func TestEngine_SQLiteStoreSchedulesFirstBatch(t *testing.T) {
	st, err := store.NewSQLiteStore(store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "engine.db"), MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	d := &recordingDispatcher{}
	e := newTestEngine(t, st, d, nil, nil)

	rec, err := e.RunTask(context.Background(), echoTask(0), map[string]any{"xs": []any{1, 2}})
	require.NoError(t, err)

	reqs := d.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, 0, reqs[0].Index)
	assert.Equal(t, 1, reqs[1].Index)

	stored, err := st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Actions, 2)
}

func TestPlanNext_NilActions(t *testing.T) {
	e := newTestEngine(t, nil, &recordingDispatcher{}, nil, nil)
	r := &store.TaskExecution{
		ID:      "task-1",
		Spec:    echoTask(0),
		Input:   withitems.Values{{Name: "x", Value: []any{"a", "b"}}},
		Runtime: store.Runtime{Count: 2},
	}

	reqs, err := e.planNext(context.Background(), r)
	require.NoError(t, err)
	assert.Len(t, reqs, 2)
	assert.Len(t, r.Actions, 2)
}

func TestEngine_RequiresStoreAndDispatcher(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	e := newTestEngine(t, nil, nil, nil, nil)
	_, err = e.RunTask(context.Background(), echoTask(0), nil)
	require.Error(t, err)

	d := &recordingDispatcher{}
	e.SetDispatcher(d)
	_, err = e.RunTask(context.Background(), echoTask(0), map[string]any{"xs": []any{"a"}})
	require.NoError(t, err)
	assert.Len(t, d.requests(), 1)
}

func TestLocalDispatcher_Unbound(t *testing.T) {
	d := NewLocalDispatcher(action.NewDefaultExecutor(action.NewBuiltinRegistry(), nil), nil, nil, nil)
	err := d.Dispatch(context.Background(), action.Request{ActionClass: "std.noop"})
	require.Error(t, err)
}
