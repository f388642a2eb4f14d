package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mason/internal/async"
	"mason/internal/checkpoint"
	"mason/internal/config"
	"mason/internal/logging"
	"mason/internal/workflow"
)

func newRunCmd() *cobra.Command {
	var (
		planFile    string
		validateCmd string
		sequential  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a plan file to completion or until paused",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if sequential {
				cfg.ParallelEnabled = false
			}

			p, err := loadPlanFile(planFile)
			if err != nil {
				return err
			}

			orch, store, err := buildOrchestrator(cmd.Context(), cfg, validateCmd)
			if err != nil {
				return err
			}
			defer store.Close()

			state := workflow.NewRunState(p.Goal, workflow.TaskTypeChange, p, nil)
			fmt.Printf("run %s: %s (%d tasks)\n", state.RunID, p.Goal, len(p.Tasks))

			return driveRun(cmd.Context(), orch, state)
		},
	}

	cmd.Flags().StringVarP(&planFile, "plan", "p", "", "YAML plan file (required)")
	cmd.Flags().StringVar(&validateCmd, "validate-cmd", "", "shell command run as the validation step")
	cmd.Flags().BoolVar(&sequential, "sequential", false, "disable parallel layer execution")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func newResumeCmd() *cobra.Command {
	var validateCmd string

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a paused run from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			orch, store, err := buildOrchestrator(cmd.Context(), cfg, validateCmd)
			if err != nil {
				return err
			}
			defer store.Close()

			state, err := orch.Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return report(state)
		},
	}

	cmd.Flags().StringVar(&validateCmd, "validate-cmd", "", "shell command run as the validation step")
	return cmd
}

func buildOrchestrator(ctx context.Context, cfg config.Config, validateCmd string) (*workflow.Orchestrator, checkpoint.Store, error) {
	logger := logging.NewComponentLogger("mason")

	store, err := checkpoint.Open(ctx, checkpoint.Config{
		DatabaseURL:     cfg.DatabaseURL,
		Table:           cfg.CheckpointTable,
		ConnectTimeout:  cfg.ConnectTimeout,
		ConnectAttempts: cfg.ConnectAttempts,
		PoolMaxConns:    cfg.PoolMaxConns,
		PoolMinConns:    cfg.PoolMinConns,
		Required:        cfg.RequireDurableRuns,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	opts := workflow.Options{
		Store:            store,
		Implementer:      &scaffoldImplementer{logger: logger},
		Logger:           logger,
		Sink:             progressSink{},
		MaxConcurrent:    cfg.MaxConcurrent,
		MinParallelBatch: cfg.MinParallelBatch,
		ParallelEnabled:  cfg.ParallelEnabled,
		MaxDebugAttempts: cfg.MaxDebugAttempts,
	}
	if validateCmd != "" {
		opts.Validator = commandValidator{command: validateCmd}
	}
	return workflow.New(opts), store, nil
}

// driveRun executes the run while a signal watcher translates the first
// SIGINT or SIGTERM into a graceful pause. A second signal kills the process
// the usual way.
func driveRun(ctx context.Context, orch *workflow.Orchestrator, state *workflow.RunState) error {
	logger := logging.NewComponentLogger("mason")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	async.Go(logger, "signal-watcher", func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		fmt.Printf("\nreceived %s, pausing at next checkpoint (resume with: mason resume %s)\n", sig, state.RunID)
		if err := orch.Pause(state.RunID); err != nil {
			logger.Warn("Pause request failed: %v", err)
		}
		signal.Stop(sigCh)
	})

	final, err := orch.Run(ctx, state)
	if err != nil {
		return err
	}
	return report(final)
}

func report(state *workflow.RunState) error {
	if !state.Done {
		fmt.Printf("run %s paused at stage %s; resume with: mason resume %s\n", state.RunID, state.ResumeStage, state.RunID)
		return nil
	}
	if state.Plan != nil {
		fmt.Printf("progress: %.0f%%\n", state.Plan.Progress()*100)
	}
	if len(state.ModifiedFiles) > 0 {
		fmt.Printf("modified %d file(s)\n", len(state.ModifiedFiles))
	}
	if state.Succeeded {
		fmt.Printf("run %s succeeded: %s\n", state.RunID, state.Reason)
		return nil
	}
	for _, msg := range state.Errors {
		fmt.Fprintf(os.Stderr, "  error: %s\n", msg)
	}
	return fmt.Errorf("run %s failed: %s", state.RunID, state.Reason)
}

// progressSink prints item completions as they happen.
type progressSink struct{}

func (progressSink) Emit(e workflow.Event) {
	switch e.Type {
	case workflow.EventItemCompleted:
		if e.Item == nil {
			return
		}
		if e.Error != "" {
			fmt.Printf("  ✗ %s: %s\n", e.Item.Path, e.Error)
		} else {
			fmt.Printf("  ✓ %s\n", e.Item.Path)
		}
	case workflow.EventStageEntered:
		if e.Stage == workflow.StageRunValidation || e.Stage == workflow.StageAnalyzeError {
			fmt.Printf("stage: %s\n", e.Stage)
		}
	}
}
