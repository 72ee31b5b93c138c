// Package engine drives with-items task executions: it expands the task's
// collections, dispatches one action per iteration, accumulates results as
// they arrive and completes the task when every iteration has reported.
//
// Result handling for a task runs under a named lock and persists through
// the store's version-checked update, so results may arrive concurrently,
// out of order and more than once.
package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/action"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/expression"
	"github.com/wehubfusion/Daedalus/pkg/iteration"
	"github.com/wehubfusion/Daedalus/pkg/lock"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/store"
	"github.com/wehubfusion/Daedalus/pkg/withitems"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

const (
	stateInfoFailed    = "One or more actions had failed."
	stateInfoCancelled = "One or more actions was cancelled."
)

// errSkip aborts a store update that turned out to be a no-op
var errSkip = stderrors.New("skip update")

// Completion is the result of one action execution reported back to the engine
type Completion struct {
	TaskExecutionID   string        `json:"task_execution_id"`
	ActionExecutionID string        `json:"action_execution_id"`
	Result            action.Result `json:"result"`
}

// Options configures an Engine
type Options struct {
	Store      store.Store
	Locker     lock.Locker
	Dispatcher Dispatcher
	Evaluator  expression.Evaluator

	// ActionDefaults holds per action class parameters merged into every
	// request without overriding task input.
	ActionDefaults map[string]map[string]any

	// Dispatch controls the fan-out of newly scheduled iterations
	Dispatch iteration.Config

	// LockTimeout bounds the wait for a task lock
	LockTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Tracer  trace.Tracer
}

// Engine runs with-items tasks
type Engine struct {
	store      store.Store
	locker     lock.Locker
	dispatcher Dispatcher
	evaluator  expression.Evaluator
	acc        *withitems.Accumulator
	defaults   map[string]map[string]any
	iterator   *iteration.Iterator
	lockTTL    time.Duration
	metrics    *metrics.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer

	mu      sync.Mutex
	waiters map[string][]chan *store.TaskExecution
}

// New creates an engine. Store is required; the locker defaults to a
// process-local one, the evaluator to JavaScript. The dispatcher may be set
// later with SetDispatcher.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewMemoryLocker()
	}
	if opts.Evaluator == nil {
		opts.Evaluator = expression.NewJSEvaluator(expression.DefaultTimeout)
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger, _ = zap.NewProduction()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("daedalus/engine")
	}

	return &Engine{
		store:      opts.Store,
		locker:     opts.Locker,
		dispatcher: opts.Dispatcher,
		evaluator:  opts.Evaluator,
		acc:        withitems.NewAccumulator(opts.Evaluator),
		defaults:   opts.ActionDefaults,
		iterator:   iteration.NewIterator(opts.Dispatch),
		lockTTL:    opts.LockTimeout,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
		waiters:    make(map[string][]chan *store.TaskExecution),
	}, nil
}

// SetDispatcher sets the dispatcher used for new iterations
func (e *Engine) SetDispatcher(d Dispatcher) {
	e.dispatcher = d
}

// RunTask creates a task execution for spec and dispatches its first
// iterations. Malformed with-items input fails the task before anything is
// dispatched; the failed record is returned together with the error.
func (e *Engine) RunTask(ctx context.Context, spec workflow.TaskSpec, inContext map[string]any) (*store.TaskExecution, error) {
	if e.dispatcher == nil {
		return nil, fmt.Errorf("engine has no dispatcher")
	}
	if err := spec.Validate(); err != nil {
		return nil, errors.NewValidationError(err.Error(), "INVALID_TASK", err)
	}
	wi, _ := spec.WithItems()

	rec := &store.TaskExecution{
		ID:        uuid.NewString(),
		Name:      spec.Name,
		State:     store.StateRunning,
		Spec:      spec,
		InContext: inContext,
		Output:    withitems.Empty(spec.Name, wi.Key()),
		Actions:   make(map[string]*store.ActionExecution),
	}

	ctx, span := e.tracer.Start(ctx, "engine.RunTask", trace.WithAttributes(
		attribute.String("task.name", spec.Name),
		attribute.String("task.execution_id", rec.ID),
	))
	defer span.End()

	log := e.logger.With(zap.String("task_execution_id", rec.ID), zap.String("task", spec.Name))

	values, err := e.resolveItems(ctx, wi, inContext)
	if err == nil {
		err = withitems.Validate(values)
	}
	if err != nil {
		rec.State = store.StateError
		rec.StateInfo = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("With-items input rejected", zap.Error(err))
		if createErr := e.store.Create(ctx, rec); createErr != nil {
			return nil, fmt.Errorf("failed to store task execution: %w", createErr)
		}
		e.metrics.TaskCompleted(rec.Name, string(rec.State))
		e.notify(rec)
		return rec, err
	}

	rec.Input = values
	rec.Runtime = store.Runtime{
		Count:       values.Len(),
		Concurrency: wi.Concurrency,
		Capacity:    wi.Concurrency,
	}
	span.SetAttributes(attribute.Int("task.iterations", rec.Runtime.Count))

	if rec.Runtime.Count == 0 {
		rec.State = store.StateSuccess
		if err := e.store.Create(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to store task execution: %w", err)
		}
		log.Info("With-items collection is empty, task completed")
		e.metrics.TaskCompleted(rec.Name, string(rec.State))
		e.notify(rec)
		return rec, nil
	}

	if err := e.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store task execution: %w", err)
	}

	var reqs []action.Request
	rec, err = e.store.Update(ctx, rec.ID, func(r *store.TaskExecution) error {
		var planErr error
		reqs, planErr = e.planNext(ctx, r)
		if planErr != nil {
			e.fail(r, planErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("Started with-items task",
		zap.Int("iterations", rec.Runtime.Count),
		zap.Int("concurrency", rec.Runtime.Concurrency),
		zap.Int("dispatching", len(reqs)))

	if rec.State.IsCompleted() {
		e.completed(rec)
		return rec, stderrors.New(rec.StateInfo)
	}

	e.dispatch(ctx, rec.Name, reqs)
	return rec, nil
}

// OnActionComplete accumulates one action result. Results for completed
// tasks and repeated results of an already accepted action are ignored.
func (e *Engine) OnActionComplete(ctx context.Context, c Completion) error {
	ctx, span := e.tracer.Start(ctx, "engine.OnActionComplete", trace.WithAttributes(
		attribute.String("task.execution_id", c.TaskExecutionID),
		attribute.String("action.execution_id", c.ActionExecutionID),
	))
	defer span.End()

	log := e.logger.With(
		zap.String("task_execution_id", c.TaskExecutionID),
		zap.String("action_execution_id", c.ActionExecutionID),
	)

	lockCtx, cancel := context.WithTimeout(ctx, e.lockTTL)
	defer cancel()
	unlock, err := e.locker.Lock(lockCtx, lock.TaskKey(c.TaskExecutionID))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to lock task execution %s: %w", c.TaskExecutionID, err)
	}
	defer unlock()

	var (
		reqs      []action.Request
		duplicate bool
		ignored   bool
		taskName  string
	)
	rec, err := e.store.Update(ctx, c.TaskExecutionID, func(r *store.TaskExecution) error {
		reqs, duplicate, ignored = nil, false, false
		taskName = r.Name

		if r.State.IsCompleted() {
			ignored = true
			return errSkip
		}
		ae, ok := r.Actions[c.ActionExecutionID]
		if !ok {
			return errors.NewNotFoundError(
				fmt.Sprintf("action execution %s does not belong to task execution %s", c.ActionExecutionID, r.ID),
				"UNKNOWN_ACTION_EXECUTION", nil)
		}
		if ae.Accepted {
			duplicate = true
			return errSkip
		}

		wi, err := r.Spec.WithItems()
		if err != nil {
			return err
		}

		res := c.Result
		out, err := e.acc.Accumulate(ctx, r.Output, r.Name, wi, res)
		if err != nil {
			// a projection that cannot be evaluated still counts as a failed iteration
			res = action.ErrorResult(err)
			out = withitems.Append(r.Output, r.Name, wi.Key(), res.Error)
		}

		ae.Accepted = true
		ae.State = store.StateSuccess
		if res.IsError() {
			ae.State = store.StateError
		}
		ae.UpdatedAt = time.Now().UTC()
		if r.Spec.ShouldKeepResult() {
			ae.Result = &res
		}
		r.Output = out
		if r.Runtime.Concurrency > 0 {
			r.Runtime.Capacity++
		}

		if withitems.Completed(r.Output, r.Name, wi, r.Input) {
			if r.HasErrors() {
				r.State = store.StateError
				r.StateInfo = stateInfoFailed
			} else {
				r.State = store.StateSuccess
				r.StateInfo = ""
			}
			return nil
		}

		if r.Runtime.Concurrency > 0 {
			var planErr error
			reqs, planErr = e.planNext(ctx, r)
			if planErr != nil {
				reqs = nil
				e.fail(r, planErr)
			}
		}
		return nil
	})

	switch {
	case stderrors.Is(err, errSkip) && duplicate:
		log.Debug("Ignoring duplicate action result")
		e.metrics.DuplicateAbsorbed(taskName)
		span.SetAttributes(attribute.Bool("result.duplicate", true))
		return nil
	case stderrors.Is(err, errSkip) && ignored:
		log.Debug("Ignoring action result for completed task")
		return nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	e.metrics.IterationAccumulated(rec.Name, c.Result.IsError())
	log.Debug("Accumulated action result",
		zap.Int("accumulated", rec.Output.Count(rec.Name, rec.Output.Key)),
		zap.Int("iterations", rec.Runtime.Count))

	if rec.State.IsCompleted() {
		e.completed(rec)
		return nil
	}

	unlock()
	e.dispatch(ctx, rec.Name, reqs)
	return nil
}

// CancelTask moves a running task to CANCELLED. Accumulated output is kept
// and later results are ignored.
func (e *Engine) CancelTask(ctx context.Context, id string) (*store.TaskExecution, error) {
	lockCtx, cancel := context.WithTimeout(ctx, e.lockTTL)
	defer cancel()
	unlock, err := e.locker.Lock(lockCtx, lock.TaskKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to lock task execution %s: %w", id, err)
	}
	defer unlock()

	rec, err := e.store.Update(ctx, id, func(r *store.TaskExecution) error {
		if r.State.IsCompleted() {
			return errSkip
		}
		r.State = store.StateCancelled
		r.StateInfo = stateInfoCancelled
		for _, ae := range r.Actions {
			if !ae.Accepted {
				ae.State = store.StateCancelled
			}
		}
		return nil
	})
	if stderrors.Is(err, errSkip) {
		return e.store.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	e.completed(rec)
	return rec, nil
}

// GetTask returns the stored task execution
func (e *Engine) GetTask(ctx context.Context, id string) (*store.TaskExecution, error) {
	return e.store.Get(ctx, id)
}

// Wait blocks until the task execution completes in this process or ctx is done
func (e *Engine) Wait(ctx context.Context, id string) (*store.TaskExecution, error) {
	ch := make(chan *store.TaskExecution, 1)
	e.mu.Lock()
	e.waiters[id] = append(e.waiters[id], ch)
	e.mu.Unlock()
	defer e.removeWaiter(id, ch)

	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State.IsCompleted() {
		return rec, nil
	}

	select {
	case rec := <-ch:
		return rec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) removeWaiter(id string, ch chan *store.TaskExecution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(e.waiters, id)
	} else {
		e.waiters[id] = list
	}
}

func (e *Engine) notify(rec *store.TaskExecution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.waiters[rec.ID] {
		select {
		case ch <- rec:
		default:
		}
	}
}

func (e *Engine) completed(rec *store.TaskExecution) {
	e.logger.Info("With-items task completed",
		zap.String("task_execution_id", rec.ID),
		zap.String("task", rec.Name),
		zap.String("state", string(rec.State)),
		zap.String("state_info", rec.StateInfo))
	e.metrics.TaskCompleted(rec.Name, string(rec.State))
	e.notify(rec)
}

func (e *Engine) fail(r *store.TaskExecution, err error) {
	r.State = store.StateError
	r.StateInfo = err.Error()
}
