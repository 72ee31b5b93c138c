package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/action"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
)

// Dispatcher sends an action request to wherever actions run. Dispatch only
// hands the request over; the result comes back through OnActionComplete.
type Dispatcher interface {
	Dispatch(ctx context.Context, req action.Request) error
}

// CompletionHandler receives action results
type CompletionHandler interface {
	OnActionComplete(ctx context.Context, c Completion) error
}

// LocalDispatcher runs actions in this process, bounded by a limiter, and
// feeds results straight back to a CompletionHandler.
type LocalDispatcher struct {
	executor action.Executor
	limiter  *concurrency.Limiter
	handler  CompletionHandler
	metrics  *metrics.Metrics
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewLocalDispatcher creates an in-process dispatcher. Bind must be called
// before the first Dispatch.
func NewLocalDispatcher(executor action.Executor, limiter *concurrency.Limiter, m *metrics.Metrics, logger *zap.Logger) *LocalDispatcher {
	if limiter == nil {
		limiter = concurrency.NewLimiter(concurrency.DefaultConfig().MaxConcurrent)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalDispatcher{executor: executor, limiter: limiter, metrics: m, logger: logger}
}

// Bind sets the receiver of action results
func (d *LocalDispatcher) Bind(h CompletionHandler) {
	d.handler = h
}

// Dispatch starts the action in the background
func (d *LocalDispatcher) Dispatch(ctx context.Context, req action.Request) error {
	if d.handler == nil {
		return fmt.Errorf("local dispatcher is not bound to a completion handler")
	}

	runCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		err := d.limiter.GoSync(runCtx, func() error {
			d.metrics.SetActiveActions(d.limiter.CurrentActive())

			start := time.Now()
			res, err := d.executor.RunAction(runCtx, req)
			if err != nil {
				res = action.ErrorResult(err)
			}
			d.metrics.ObserveAction(req.ActionClass, res.IsError(), time.Since(start))

			return d.handler.OnActionComplete(runCtx, Completion{
				TaskExecutionID:   req.TaskExecutionID,
				ActionExecutionID: req.ActionExecutionID,
				Result:            res,
			})
		})
		if err != nil {
			d.logger.Error("Failed to complete local action",
				zap.String("task_execution_id", req.TaskExecutionID),
				zap.String("action_execution_id", req.ActionExecutionID),
				zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every dispatched action has reported back
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
