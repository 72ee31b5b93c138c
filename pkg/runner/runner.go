// Package runner is the executor side of remote dispatch. It pulls action
// requests from JetStream in batches, runs them on a worker pool and publishes
// each result back for the engine.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/errreport"
	internaltracing "github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/action"
	"github.com/wehubfusion/Daedalus/pkg/client"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/messaging"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
)

const resultPublishTimeout = 30 * time.Second

// Runner manages concurrent action execution from a JetStream consumer.
// A request is acknowledged only after its result was published, so a crash
// between the two leads to a redelivery that the executor flags.
type Runner struct {
	client          *client.Client
	executor        action.Executor
	consumer        string
	batchSize       int
	numWorkers      int
	processTimeout  time.Duration
	logger          *zap.Logger
	tracer          trace.Tracer
	tracingShutdown func(context.Context) error

	limiter     *concurrency.Limiter
	metrics     *metrics.Metrics
	reporter    *errreport.Reporter
	middlewares []messaging.Middleware
}

// NewRunner creates a Runner on a connected client and ensures its durable
// consumer exists.
// batchSize specifies how many requests to pull at once.
// numWorkers specifies the number of worker goroutines.
// processTimeout bounds a single action execution.
// tracingConfig is optional; when set tracing is configured and shut down by Close.
func NewRunner(c *client.Client, executor action.Executor, consumer string, batchSize int, numWorkers int, processTimeout time.Duration, logger *zap.Logger, tracingConfig *TracingConfig) (*Runner, error) {
	if c == nil || c.Messages == nil {
		return nil, errors.New("client cannot be nil and must be connected")
	}
	if executor == nil {
		return nil, errors.New("executor cannot be nil")
	}
	if consumer == "" {
		return nil, errors.New("consumer name cannot be empty")
	}
	if batchSize <= 0 {
		return nil, errors.New("batchSize must be greater than 0")
	}
	if numWorkers <= 0 {
		return nil, errors.New("numWorkers must be greater than 0")
	}
	if processTimeout <= 0 {
		return nil, errors.New("processTimeout must be greater than 0")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if err := c.Messages.EnsureRequestConsumer(consumer); err != nil {
		return nil, fmt.Errorf("failed to ensure request consumer '%s': %w", consumer, err)
	}

	r := &Runner{
		client:         c,
		executor:       executor,
		consumer:       consumer,
		batchSize:      batchSize,
		numWorkers:     numWorkers,
		processTimeout: processTimeout,
		logger:         logger,
		tracer:         otel.Tracer("daedalus/runner"),
		limiter:        concurrency.NewLimiter(numWorkers),
	}

	if tracingConfig != nil {
		shutdown, err := internaltracing.SetupTracing(context.Background(), *tracingConfig, logger)
		if err != nil {
			logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		} else {
			r.tracingShutdown = shutdown
		}
	}

	return r, nil
}

// SetLimiter replaces the limiter bounding concurrent actions in this process
func (r *Runner) SetLimiter(l *concurrency.Limiter) {
	if l != nil {
		r.limiter = l
	}
}

// SetMetrics records action durations, active actions and breaker state
func (r *Runner) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
	if cb := r.limiter.CircuitBreaker(); cb != nil && m != nil {
		cb.OnStateChange(func(_, to concurrency.CircuitBreakerState) {
			m.SetBreakerState(int(to))
		})
	}
}

// SetReporter sends recovered panics to error reporting
func (r *Runner) SetReporter(rep *errreport.Reporter) {
	r.reporter = rep
}

// Use appends middlewares run inside the default recovery, logging and
// validation chain
func (r *Runner) Use(mw ...messaging.Middleware) {
	r.middlewares = append(r.middlewares, mw...)
}

// Close shuts down tracing set up by NewRunner
func (r *Runner) Close() error {
	return internaltracing.ShutdownTracing(r.tracingShutdown, r.logger)
}

// Run pulls and processes requests until ctx is cancelled. Requests still
// queued in memory at shutdown are left unacknowledged and get redelivered.
func (r *Runner) Run(ctx context.Context) error {
	handler := messaging.Chain(append([]messaging.Middleware{
		messaging.RecoveryMiddleware(r.reporter),
		messaging.LoggingMiddleware(r.logger),
		messaging.ValidationMiddleware(),
	}, r.middlewares...)...)(r.handle)

	messageChan := make(chan *message.RequestMsg, r.batchSize)
	var wg sync.WaitGroup

	for i := 0; i < r.numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.worker(ctx, workerID, handler, messageChan)
		}(i)
	}

	go r.pull(ctx, messageChan)

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
		r.logger.Info("Runner completed")
		return nil
	case <-ctx.Done():
		<-done
		r.logger.Info("Runner stopped due to context cancellation")
		return ctx.Err()
	}
}

func (r *Runner) pull(ctx context.Context, out chan<- *message.RequestMsg) {
	defer close(out)

	backoffDelay := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		if ctx.Err() != nil {
			r.logger.Info("Shutting down request puller")
			return
		}

		msgs, err := r.client.Messages.PullRequests(ctx, r.consumer, r.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("Error pulling action requests", zap.Error(err))
			select {
			case <-time.After(backoffDelay):
			case <-ctx.Done():
				return
			}
			if backoffDelay < maxBackoff {
				backoffDelay *= 2
			}
			continue
		}
		backoffDelay = 100 * time.Millisecond

		if len(msgs) == 0 {
			continue
		}
		for _, msg := range msgs {
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *Runner) worker(ctx context.Context, workerID int, handler messaging.Handler, in <-chan *message.RequestMsg) {
	r.logger.Debug("Worker started", zap.Int("worker_id", workerID))
	defer r.logger.Debug("Worker stopped", zap.Int("worker_id", workerID))

	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			r.process(ctx, workerID, handler, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) process(ctx context.Context, workerID int, handler messaging.Handler, msg *message.RequestMsg) {
	ctx, span := r.tracer.Start(ctx, "runner.process",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("consumer", r.consumer),
			attribute.String("task_execution.id", msg.Request.TaskExecutionID),
			attribute.String("action_execution.id", msg.Request.ActionExecutionID),
			attribute.String("action.class", msg.Request.ActionClass),
			attribute.Int("index", msg.Request.Index),
			attribute.Bool("redelivered", msg.Redelivered()),
		))
	defer span.End()

	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "context cancelled before processing")
		_ = msg.Nak()
		return
	}

	started := false
	err := r.limiter.GoSync(ctx, func() error {
		started = true
		return handler(ctx, msg)
	})
	r.metrics.SetActiveActions(r.limiter.CurrentActive())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !started {
			// limiter refused: breaker open or shutting down
			r.logger.Warn("Action request deferred",
				zap.String("action_execution_id", msg.Request.ActionExecutionID),
				zap.Error(err))
			_ = msg.Nak()
		}
		return
	}
	span.SetStatus(codes.Ok, "")
}

// handle runs the action and publishes its result. It owns acknowledgement:
// Ack after a published result, Nak when the result could not be published or
// the runner is shutting down.
func (r *Runner) handle(ctx context.Context, msg *message.RequestMsg) error {
	req := msg.ActionRequest()

	processCtx, cancel := context.WithTimeout(ctx, r.processTimeout)
	defer cancel()

	start := time.Now()
	res, err := r.executor.RunAction(processCtx, req)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			_ = msg.Nak()
			return fmt.Errorf("action %s interrupted by shutdown: %w", req.ActionExecutionID, err)
		}
		res = action.Result{Error: fmt.Sprintf("Failed to run action %s: %v", req.ActionClass, err)}
	}
	r.metrics.ObserveAction(req.ActionClass, res.IsError(), elapsed)

	publishCtx, publishCancel := context.WithTimeout(context.WithoutCancel(ctx), resultPublishTimeout)
	defer publishCancel()
	if err := r.client.Messages.PublishResult(publishCtx, req, res, elapsed); err != nil {
		_ = msg.Nak()
		return fmt.Errorf("failed to publish result of action %s: %w", req.ActionExecutionID, err)
	}

	if err := msg.Ack(); err != nil {
		r.logger.Warn("Failed to ack action request",
			zap.String("action_execution_id", req.ActionExecutionID),
			zap.Error(err))
	}
	return nil
}
