package engine

import (
	"context"
	"fmt"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/action"
	"github.com/wehubfusion/Daedalus/pkg/expression"
	"github.com/wehubfusion/Daedalus/pkg/iteration"
	"github.com/wehubfusion/Daedalus/pkg/store"
	"github.com/wehubfusion/Daedalus/pkg/withitems"
)

// resolveItems evaluates every with-items collection against the task context
func (e *Engine) resolveItems(ctx context.Context, wi withitems.Spec, inContext map[string]any) (withitems.Values, error) {
	values := make(withitems.Values, 0, len(wi.Variables))
	for _, v := range wi.Variables {
		body, _ := expression.Unwrap(v.Expr)
		value, err := e.evaluator.Evaluate(ctx, body, inContext)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate with-items variable %s: %w", v.Name, err)
		}
		values = append(values, withitems.Binding{Name: v.Name, Value: value})
	}
	return values, nil
}

// planNext schedules the next unscheduled iterations of r, at most the
// remaining capacity when concurrency is limited, and returns their
// requests. r is modified in place.
func (e *Engine) planNext(ctx context.Context, r *store.TaskExecution) ([]action.Request, error) {
	if r.Actions == nil {
		r.Actions = make(map[string]*store.ActionExecution)
	}
	scheduled := make(map[int]bool, len(r.Actions))
	for _, ae := range r.Actions {
		scheduled[ae.Index] = true
	}

	limit := r.Runtime.Count - len(scheduled)
	if r.Runtime.Concurrency > 0 && r.Runtime.Capacity < limit {
		limit = r.Runtime.Capacity
	}
	if limit <= 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	reqs := make([]action.Request, 0, limit)
	for i := 0; i < r.Runtime.Count && len(reqs) < limit; i++ {
		if scheduled[i] {
			continue
		}
		params, err := e.params(ctx, r, i)
		if err != nil {
			return nil, err
		}

		ae := &store.ActionExecution{
			ID:        uuid.NewString(),
			Index:     i,
			State:     store.StateRunning,
			CreatedAt: now,
			UpdatedAt: now,
		}
		r.Actions[ae.ID] = ae
		if r.Runtime.Concurrency > 0 {
			r.Runtime.Capacity--
		}

		reqs = append(reqs, action.Request{
			ActionExecutionID: ae.ID,
			TaskExecutionID:   r.ID,
			Index:             i,
			ActionClass:       r.Spec.Action,
			ActionClassAttrs:  r.Spec.ActionAttrs,
			Params:            params,
			SafeRerun:         r.Spec.SafeRerun,
		})
	}
	return reqs, nil
}

// params builds the parameters of iteration i: the task input evaluated with
// the iteration's items in scope, then the items themselves and finally the
// action defaults, each filling only keys that are still missing.
func (e *Engine) params(ctx context.Context, r *store.TaskExecution, i int) (map[string]any, error) {
	item := withitems.At(r.Input, i)

	scope := make(map[string]any, len(r.InContext)+len(item))
	for k, v := range r.InContext {
		scope[k] = v
	}
	for k, v := range item {
		scope[k] = v
	}

	evaluated, err := expression.EvaluateRecursively(ctx, e.evaluator, r.Spec.Input, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate input of iteration %d: %w", i, err)
	}
	params, _ := evaluated.(map[string]any)
	if params == nil {
		params = make(map[string]any)
	}

	if err := mergo.Merge(&params, map[string]any(item)); err != nil {
		return nil, fmt.Errorf("failed to merge items of iteration %d: %w", i, err)
	}
	if defaults := e.defaults[r.Spec.Action]; len(defaults) > 0 {
		if err := mergo.Merge(&params, defaults); err != nil {
			return nil, fmt.Errorf("failed to merge action defaults: %w", err)
		}
	}
	return params, nil
}

// dispatch sends reqs through the dispatcher. A request that cannot be sent
// is completed with an error datum so the task still finishes.
func (e *Engine) dispatch(ctx context.Context, taskName string, reqs []action.Request) {
	if len(reqs) == 0 {
		return
	}

	errs := iteration.Each(ctx, e.iterator, reqs, func(ctx context.Context, req action.Request, _ int) error {
		return e.dispatcher.Dispatch(ctx, req)
	})

	for i, req := range reqs {
		if errs == nil || errs[i] == nil {
			e.metrics.IterationDispatched(taskName)
			continue
		}

		e.logger.Error("Failed to dispatch action",
			zap.String("task_execution_id", req.TaskExecutionID),
			zap.String("action_execution_id", req.ActionExecutionID),
			zap.Int("index", req.Index),
			zap.Error(errs[i]))

		err := e.OnActionComplete(context.WithoutCancel(ctx), Completion{
			TaskExecutionID:   req.TaskExecutionID,
			ActionExecutionID: req.ActionExecutionID,
			Result:            action.Result{Error: fmt.Sprintf("Failed to dispatch action: %v", errs[i])},
		})
		if err != nil {
			e.logger.Error("Failed to record dispatch failure",
				zap.String("action_execution_id", req.ActionExecutionID), zap.Error(err))
		}
	}
}
