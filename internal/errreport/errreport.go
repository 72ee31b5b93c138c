// Package errreport forwards recovered panics and unexpected errors to Sentry.
// A Reporter without a DSN only logs.
package errreport

import (
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// Config configures a Reporter
type Config struct {
	DSN         string
	Environment string
	Release     string

	// BeforeSend may inspect or drop events before they leave the process
	BeforeSend func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event
}

// Reporter sends events to its own Sentry hub, so several reporters can
// coexist in one process. The nil Reporter is valid and does nothing.
type Reporter struct {
	hub    *sentry.Hub
	logger *zap.Logger
}

// New creates a reporter. An empty DSN yields a log-only reporter.
func New(cfg Config, logger *zap.Logger) (*Reporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DSN == "" {
		return &Reporter{logger: logger}, nil
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		BeforeSend:  cfg.BeforeSend,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}

	logger.Info("Error reporting enabled", zap.String("environment", cfg.Environment))
	return &Reporter{
		hub:    sentry.NewHub(client, sentry.NewScope()),
		logger: logger,
	}, nil
}

// Enabled reports whether events are sent to Sentry
func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil
}

// CaptureError reports err with tags
func (r *Reporter) CaptureError(err error, tags map[string]string) {
	if r == nil || err == nil {
		return
	}
	r.logger.Error("Reporting error", zap.Error(err), zap.Any("tags", tags))
	if r.hub == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		r.hub.CaptureException(err)
	})
}

// CapturePanic reports a recovered panic value together with its stack
func (r *Reporter) CapturePanic(recovered any, stack []byte, tags map[string]string) {
	if r == nil || recovered == nil {
		return
	}
	r.logger.Error("Reporting panic",
		zap.Any("panic", recovered),
		zap.ByteString("stack", stack),
		zap.Any("tags", tags))
	if r.hub == nil {
		return
	}

	err, ok := recovered.(error)
	if !ok {
		err = errors.New(fmt.Sprint(recovered))
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		scope.SetLevel(sentry.LevelFatal)
		scope.SetContext("panic", sentry.Context{"stack": string(stack)})
		r.hub.CaptureException(err)
	})
}

// Flush waits for queued events to be sent
func (r *Reporter) Flush(timeout time.Duration) bool {
	if !r.Enabled() {
		return true
	}
	return r.hub.Flush(timeout)
}
