// Package messaging provides the handler chain executors run delivered action
// requests through.
package messaging

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/errreport"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

// Handler processes one delivered action request.
//
// IMPORTANT: the handler at the end of a chain owns acknowledgement and MUST
// call msg.Ack(), msg.Nak() or msg.Term(). An unacknowledged request is
// redelivered according to the consumer's configuration.
type Handler func(ctx context.Context, msg *message.RequestMsg) error

// Middleware is a function that wraps a handler to add additional functionality
type Middleware func(Handler) Handler

// Chain chains multiple middlewares together. The first middleware is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(h Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}

// RecoveryMiddleware turns a panic in a handler into an error and reports it.
// reporter may be nil.
func RecoveryMiddleware(reporter *errreport.Reporter) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *message.RequestMsg) (err error) {
			defer func() {
				if r := recover(); r != nil {
					tags := map[string]string{}
					if msg != nil && msg.RequestMessage != nil {
						tags["action_class"] = msg.Request.ActionClass
						tags["action_execution_id"] = msg.Request.ActionExecutionID
					}
					reporter.CapturePanic(r, debug.Stack(), tags)
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// LoggingMiddleware logs message processing using structured logging
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *message.RequestMsg) error {
			fields := []zap.Field{zap.String("subject", msg.Subject)}
			if msg.RequestMessage != nil {
				fields = append(fields,
					zap.String("task_execution_id", msg.Request.TaskExecutionID),
					zap.String("action_execution_id", msg.Request.ActionExecutionID),
					zap.String("action_class", msg.Request.ActionClass),
					zap.Int("index", msg.Request.Index))
			}

			start := time.Now()
			logger.Debug("Processing action request", fields...)
			err := next(ctx, msg)
			fields = append(fields, zap.Duration("duration", time.Since(start)))
			if err != nil {
				logger.Error("Error processing action request", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("Processed action request", fields...)
			}
			return err
		}
	}
}

// ValidationMiddleware terminates requests that cannot be executed
func ValidationMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *message.RequestMsg) error {
			if msg == nil || msg.RequestMessage == nil {
				return fmt.Errorf("message is nil")
			}
			if err := msg.Validate(); err != nil {
				_ = msg.Term()
				return err
			}
			return next(ctx, msg)
		}
	}
}
