package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/wehubfusion/Daedalus/pkg/action"
	"github.com/wehubfusion/Daedalus/pkg/callback"
	"github.com/wehubfusion/Daedalus/pkg/client"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/config"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/iteration"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/store"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

type runOptions struct {
	file        string
	task        string
	contextJSON string
	contextFile string
	remote      bool
	timeout     time.Duration
}

// runReport is what the run command prints
type runReport struct {
	TaskExecutionID string         `json:"task_execution_id"`
	Task            string         `json:"task"`
	State           store.State    `json:"state"`
	StateInfo       string         `json:"state_info,omitempty"`
	Iterations      int            `json:"iterations"`
	Output          map[string]any `json:"output"`
}

func runCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a with-items task from a YAML task file",
		Long: `Loads a task file, runs one task against a JSON context and prints the
task output as JSON once every iteration has completed.

Actions run in this process unless --remote is set, in which case requests
are published to NATS JetStream for "daedalus executor" processes.`,
		Example: `  daedalus run --file tasks.yaml --task greet --context '{"names":["ann","bob"]}'`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runTask(ctx, cfg, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "task file (YAML)")
	cmd.Flags().StringVarP(&opts.task, "task", "t", "", "task name (optional when the file defines one task)")
	cmd.Flags().StringVarP(&opts.contextJSON, "context", "c", "", "task context as a JSON object")
	cmd.Flags().StringVar(&opts.contextFile, "context-file", "", "file holding the task context as a JSON object")
	cmd.Flags().BoolVar(&opts.remote, "remote", false, "dispatch actions to executors over NATS")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "maximum time to wait for the task to complete")
	_ = cmd.MarkFlagRequired("file")
	cmd.MarkFlagsMutuallyExclusive("context", "context-file")
	return cmd
}

func runTask(ctx context.Context, cfg config.Config, opts runOptions, out io.Writer) error {
	def, err := workflow.LoadTaskSpecs(opts.file)
	if err != nil {
		return err
	}
	spec, err := selectTask(def, opts.task)
	if err != nil {
		return err
	}
	inContext, err := loadContext(opts)
	if err != nil {
		return err
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	st, err := cfg.OpenStore()
	if err != nil {
		return err
	}
	defer st.Close()

	locker, closeLocker, err := cfg.NewLocker(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeLocker() }()

	evaluator, err := cfg.NewEvaluator()
	if err != nil {
		return err
	}

	cc := concurrency.LoadConfig()
	m := metrics.New(prometheus.NewRegistry())

	eng, err := engine.New(engine.Options{
		Store:          st,
		Locker:         locker,
		Evaluator:      evaluator,
		ActionDefaults: def.ActionDefaults,
		Dispatch:       iteration.Config{Strategy: cc.DispatchMode, MaxConcurrent: cc.MaxConcurrent},
		LockTimeout:    cfg.Engine.LockTimeout,
		Metrics:        m,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var local *engine.LocalDispatcher
	listenerDone := make(chan struct{})
	if opts.remote {
		c := client.NewClientWithConfig(cfg.ConnectionConfig("daedalus-engine", logger))
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

		listener, err := callback.NewListener(c, eng, callback.Config{
			Consumer:  cfg.Engine.ResultConsumer,
			BatchSize: cfg.Engine.ResultBatchSize,
			Timeout:   cfg.Engine.ResultTimeout,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		eng.SetDispatcher(callback.NewNATSDispatcher(c))
		go func() {
			defer close(listenerDone)
			_ = listener.Run(runCtx)
		}()
	} else {
		executor := action.NewDefaultExecutor(action.NewBuiltinRegistry(), logger)
		local = engine.NewLocalDispatcher(executor, concurrency.NewLimiter(cc.MaxConcurrent), m, logger)
		local.Bind(eng)
		eng.SetDispatcher(local)
		close(listenerDone)
	}

	rec, err := eng.RunTask(runCtx, spec, inContext)
	if err != nil && rec == nil {
		return err
	}

	waitCtx, waitCancel := context.WithTimeout(runCtx, opts.timeout)
	defer waitCancel()
	final, err := eng.Wait(waitCtx, rec.ID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("task %s did not complete within %s", rec.ID, opts.timeout)
		}
		return err
	}

	if local != nil {
		local.Wait()
	}
	cancel()
	<-listenerDone

	if err := writeReport(out, final); err != nil {
		return err
	}
	if final.State != store.StateSuccess {
		return fmt.Errorf("task %s finished in state %s", final.Name, final.State)
	}
	return nil
}

func selectTask(def *workflow.Definition, name string) (workflow.TaskSpec, error) {
	if name == "" {
		if len(def.Tasks) != 1 {
			return workflow.TaskSpec{}, fmt.Errorf("the task file defines %d tasks, choose one with --task", len(def.Tasks))
		}
		return def.Tasks[0], nil
	}
	spec, ok := def.Task(name)
	if !ok {
		return workflow.TaskSpec{}, fmt.Errorf("task %q not found", name)
	}
	return spec, nil
}

func loadContext(opts runOptions) (map[string]any, error) {
	raw := []byte(opts.contextJSON)
	if opts.contextFile != "" {
		data, err := os.ReadFile(opts.contextFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read context file: %w", err)
		}
		raw = data
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}

	var inContext map[string]any
	if err := json.Unmarshal(raw, &inContext); err != nil {
		return nil, fmt.Errorf("context must be a JSON object: %w", err)
	}
	if inContext == nil {
		inContext = map[string]any{}
	}
	return inContext, nil
}

func writeReport(out io.Writer, rec *store.TaskExecution) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(runReport{
		TaskExecutionID: rec.ID,
		Task:            rec.Name,
		State:           rec.State,
		StateInfo:       rec.StateInfo,
		Iterations:      rec.Runtime.Count,
		Output:          rec.Output.Map(),
	})
}
