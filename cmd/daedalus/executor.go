package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/errreport"
	"github.com/wehubfusion/Daedalus/pkg/action"
	"github.com/wehubfusion/Daedalus/pkg/client"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/config"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/runner"
)

const shutdownTimeout = 30 * time.Second

func executorCmd() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "executor",
		Short: "Run built-in actions for requests pulled from NATS JetStream",
		Long: `Pulls action requests from the request stream, runs them with the
built-in action registry and publishes every result to the result stream.

Configuration is read from DAEDALUS_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			if workers > 0 {
				cfg.Executor.Workers = workers
			}
			return runExecutor(cmd.Context(), cfg)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "number of worker goroutines (default: derived from CPUs)")
	return cmd
}

func runExecutor(ctx context.Context, cfg config.Config) error {
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	undo := concurrency.InitializeForKubernetes(logger)
	defer undo()

	cc := concurrency.LoadConfig()
	if cfg.Executor.Workers <= 0 {
		cfg.Executor.Workers = cc.RunnerWorkers
	}
	logger.Info("Concurrency configured",
		zap.String("config", cc.String()),
		zap.Int("workers", cfg.Executor.Workers))

	reporter, err := errreport.New(errreport.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     version,
	}, logger)
	if err != nil {
		return err
	}
	defer reporter.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.NewClientWithConfig(cfg.ConnectionConfig("daedalus-executor", logger))
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer c.Close()

	blobs, err := cfg.NewBlobClient(logger)
	if err != nil {
		return fmt.Errorf("failed to create blob client: %w", err)
	}
	if blobs != nil {
		c.Messages.SetBlobStorage(blobs)
	}

	executor := action.NewDefaultExecutor(action.NewBuiltinRegistry(), logger)
	executor.OnPanic(func(req action.Request, recovered any, stack []byte) {
		reporter.CapturePanic(recovered, stack, map[string]string{
			"component":    "executor",
			"action_class": req.ActionClass,
		})
	})

	r, err := runner.NewRunner(c, executor,
		cfg.Executor.Consumer,
		cfg.Executor.BatchSize,
		cfg.Executor.Workers,
		cfg.Executor.ProcessTimeout,
		logger,
		cfg.RunnerTracing("daedalus-executor", version),
	)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}
	defer func() { _ = r.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r.SetLimiter(concurrency.NewLimiterWithCircuitBreaker(cc.MaxConcurrent, concurrency.NewCircuitBreaker(0, 0)))
	r.SetMetrics(metrics.New(reg))
	r.SetReporter(reporter)

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, reg, c.Ping, logger)
	}

	logger.Info("Starting executor",
		zap.String("consumer", cfg.Executor.Consumer),
		zap.String("request_stream", cfg.NATS.RequestStream))

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received, stopping...")
		select {
		case <-done:
			logger.Info("Executor stopped gracefully")
		case <-time.After(shutdownTimeout):
			logger.Warn("Shutdown timeout reached, forcing exit", zap.Duration("timeout", shutdownTimeout))
		}
	}
	return nil
}

// serveMetrics exposes reg on /metrics and ready on /readyz until ctx is done
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, ready func(context.Context) error, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Metrics server failed", zap.Error(err))
	}
}
