package action

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

// PanicHandler observes a panic recovered from an action
type PanicHandler func(req Request, recovered any, stack []byte)

// DefaultExecutor instantiates actions from a Registry and runs them in the
// calling goroutine.
type DefaultExecutor struct {
	registry *Registry
	logger   *zap.Logger
	onPanic  PanicHandler
}

// NewDefaultExecutor creates an executor. A nil logger disables logging.
func NewDefaultExecutor(registry *Registry, logger *zap.Logger) *DefaultExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultExecutor{registry: registry, logger: logger}
}

// OnPanic installs a handler called for every recovered action panic
func (e *DefaultExecutor) OnPanic(h PanicHandler) {
	e.onPanic = h
}

// RunAction runs the request. Unknown classes, action errors and panics are
// reported as error data. A redelivered request for an action that is not
// safe to rerun is failed without running it.
func (e *DefaultExecutor) RunAction(ctx context.Context, req Request) (res Result, err error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	log := e.logger.With(
		zap.String("action_execution_id", req.ActionExecutionID),
		zap.String("action_class", req.ActionClass),
		zap.Int("index", req.Index),
	)

	if req.Redelivered && !req.SafeRerun {
		log.Warn("Redelivered request for action that is not safe to rerun")
		return Result{Error: fmt.Sprintf(
			"Request to run action %s was redelivered, but action %s cannot be re-run safely. "+
				"The only safe thing to do is fail action.",
			req.ActionClass, req.ActionClass,
		)}, nil
	}

	factory, ok := e.registry.Lookup(req.ActionClass)
	if !ok {
		return Result{Error: fmt.Sprintf("Failed to find action [action_class=%s]", req.ActionClass)}, nil
	}

	act, err := factory(req.ActionClassAttrs)
	if err != nil {
		return Result{Error: fmt.Sprintf("Failed to initialize action %s: %v", req.ActionClass, err)}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			log.Error("Action panicked", zap.Any("panic", r), zap.ByteString("stack", stack))
			if e.onPanic != nil {
				e.onPanic(req, r, stack)
			}
			res = Result{Error: fmt.Sprintf("Failed to run action %s: panic: %v", req.ActionClass, r)}
			err = nil
		}
	}()

	res, err = act.Run(ctx, req.Params)
	if err != nil {
		log.Debug("Action failed", zap.Error(err))
		return Result{Error: fmt.Sprintf("Failed to run action %s: %v", req.ActionClass, err)}, nil
	}
	return res, nil
}
