package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mason/internal/checkpoint"
	"mason/internal/layer"
	"mason/internal/logging"
	"mason/internal/plan"
)

func loadPlanFile(path string) (*plan.Plan, error) {
	if path == "" {
		return nil, fmt.Errorf("a plan file is required")
	}
	return plan.LoadFile(path)
}

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <file>",
		Short: "Validate a plan file and print its execution order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPlanFile(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("goal: %s\n", p.Goal)
			for i, task := range p.Tasks {
				line := fmt.Sprintf("%2d. [%s] %s", i+1, task.ID, task.Instruction)
				if path, ok := task.Context["path"].(string); ok {
					line += fmt.Sprintf("  (%s, layer %s)", path, layer.Classify(path))
				}
				if len(task.Dependencies) > 0 {
					line += fmt.Sprintf("  after %v", task.Dependencies)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List checkpointed runs, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := checkpoint.Open(cmd.Context(), checkpoint.Config{
				DatabaseURL:     cfg.DatabaseURL,
				Table:           cfg.CheckpointTable,
				ConnectTimeout:  cfg.ConnectTimeout,
				ConnectAttempts: cfg.ConnectAttempts,
				Required:        true,
			}, logging.NewComponentLogger("mason"))
			if err != nil {
				return err
			}
			defer store.Close()

			ids, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("no checkpointed runs")
				return nil
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}
