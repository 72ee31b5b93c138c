// Package callback connects the engine to executors over JetStream: requests
// leave through a NATSDispatcher and results come back through a Listener.
package callback

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/errreport"
	"github.com/wehubfusion/Daedalus/pkg/action"
	"github.com/wehubfusion/Daedalus/pkg/client"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/store"
)

// NATSDispatcher publishes action requests for remote executors
type NATSDispatcher struct {
	client *client.Client
}

var _ engine.Dispatcher = (*NATSDispatcher)(nil)

// NewNATSDispatcher creates a dispatcher on a connected client
func NewNATSDispatcher(c *client.Client) *NATSDispatcher {
	return &NATSDispatcher{client: c}
}

// Dispatch publishes req to the request stream
func (d *NATSDispatcher) Dispatch(ctx context.Context, req action.Request) error {
	if d.client == nil || d.client.Messages == nil {
		return errors.NewInternalError(req.ActionExecutionID, "not connected to NATS", "NOT_CONNECTED", errors.ErrNotConnected)
	}
	return d.client.Messages.PublishRequest(ctx, req)
}

// Config holds configuration for a Listener
type Config struct {
	Consumer  string        // Durable result consumer (default: "daedalus-engine")
	BatchSize int           // Results pulled at once (default: 10)
	Timeout   time.Duration // Bound on handling one result (default: 30s)
	Logger    *zap.Logger
	Reporter  *errreport.Reporter
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Consumer:  "daedalus-engine",
		BatchSize: 10,
		Timeout:   30 * time.Second,
	}
}

// Listener pulls action results and hands them to the engine. A result is
// acknowledged once the engine accepted it or rejected it permanently, and
// redelivered when the engine failed transiently.
type Listener struct {
	client  *client.Client
	handler engine.CompletionHandler
	config  Config
	logger  *zap.Logger
}

// NewListener creates a listener and ensures its durable consumer exists
func NewListener(c *client.Client, handler engine.CompletionHandler, config Config) (*Listener, error) {
	if c == nil || c.Messages == nil {
		return nil, fmt.Errorf("client cannot be nil and must be connected")
	}
	if handler == nil {
		return nil, fmt.Errorf("completion handler cannot be nil")
	}

	d := DefaultConfig()
	if config.Consumer == "" {
		config.Consumer = d.Consumer
	}
	if config.BatchSize <= 0 {
		config.BatchSize = d.BatchSize
	}
	if config.Timeout <= 0 {
		config.Timeout = d.Timeout
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := c.Messages.EnsureResultConsumer(config.Consumer); err != nil {
		return nil, fmt.Errorf("failed to ensure result consumer '%s': %w", config.Consumer, err)
	}

	return &Listener{client: c, handler: handler, config: config, logger: logger}, nil
}

// Run pulls results until ctx is cancelled
func (l *Listener) Run(ctx context.Context) error {
	backoffDelay := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgs, err := l.client.Messages.PullResults(ctx, l.config.Consumer, l.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error("Error pulling action results", zap.Error(err))
			select {
			case <-time.After(backoffDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoffDelay < maxBackoff {
				backoffDelay *= 2
			}
			continue
		}
		backoffDelay = 100 * time.Millisecond

		for _, msg := range msgs {
			l.Handle(ctx, msg)
		}
	}
}

// Handle delivers one result to the engine and acknowledges it
func (l *Listener) Handle(ctx context.Context, msg *message.ResultMsg) {
	log := l.logger.With(
		zap.String("task_execution_id", msg.TaskExecutionID),
		zap.String("action_execution_id", msg.ActionExecutionID),
		zap.Int("index", msg.Index),
		zap.Uint64("num_delivered", msg.NumDelivered()),
	)

	// the engine update must finish even when shutdown starts mid-way
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.config.Timeout)
	defer cancel()

	res, err := l.client.Messages.ResolveResult(hctx, msg.ResultMessage)
	if err != nil {
		log.Warn("Failed to resolve action result, requesting redelivery", zap.Error(err))
		_ = msg.Nak()
		return
	}

	err = l.handler.OnActionComplete(hctx, engine.Completion{
		TaskExecutionID:   msg.TaskExecutionID,
		ActionExecutionID: msg.ActionExecutionID,
		Result:            res,
	})
	switch {
	case err == nil:
		_ = msg.Ack()
	case stderrors.Is(err, store.ErrNotFound):
		log.Warn("Dropping result of unknown task execution", zap.Error(err))
		_ = msg.Ack()
	case !errors.IsTransient(err):
		log.Error("Dropping result rejected by the engine", zap.Error(err))
		l.config.Reporter.CaptureError(err, map[string]string{
			"component":         "listener",
			"task_execution_id": msg.TaskExecutionID,
		})
		_ = msg.Term()
	default:
		log.Warn("Engine failed to accept result, requesting redelivery", zap.Error(err))
		_ = msg.Nak()
	}
}
