package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"mason/internal/layer"
	"mason/internal/logging"
	"mason/internal/workflow"
)

// scaffoldImplementer is the built-in executor: it materializes the file
// skeleton a plan describes. Create ensures the target file exists, modify
// only checks it is reachable, delete removes it. Content generation plugs in
// behind workflow.Implementer and replaces this.
type scaffoldImplementer struct {
	logger logging.Logger
}

func (s *scaffoldImplementer) Implement(ctx context.Context, item layer.WorkItem, shared map[string]any) (workflow.ImplementResult, error) {
	if err := ctx.Err(); err != nil {
		return workflow.ImplementResult{}, err
	}
	if item.Path == "" {
		return workflow.ImplementResult{Success: false, Error: "work item has no target path"}, nil
	}

	switch item.Action {
	case layer.ActionCreate:
		if err := os.MkdirAll(filepath.Dir(item.Path), 0o755); err != nil {
			return workflow.ImplementResult{Success: false, Error: err.Error()}, nil
		}
		f, err := os.OpenFile(item.Path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return workflow.ImplementResult{Success: false, Error: err.Error()}, nil
		}
		_ = f.Close()
	case layer.ActionDelete:
		if err := os.Remove(item.Path); err != nil && !os.IsNotExist(err) {
			return workflow.ImplementResult{Success: false, Error: err.Error()}, nil
		}
	case layer.ActionModify, "":
		if _, err := os.Stat(item.Path); err != nil {
			return workflow.ImplementResult{Success: false, Error: fmt.Sprintf("modify target missing: %v", err)}, nil
		}
	default:
		return workflow.ImplementResult{Success: false, Error: fmt.Sprintf("unknown action %q", item.Action)}, nil
	}

	s.logger.Debug("Scaffolded %s %s", item.Action, item.Path)
	return workflow.ImplementResult{Success: true, ModifiedFiles: []string{item.Path}}, nil
}

// commandValidator runs a shell command as the validation step. Exit zero is
// a pass; anything else fails with the captured stderr, which feeds the
// auto-fix table and the analyzer.
type commandValidator struct {
	command string
}

func (v commandValidator) Validate(ctx context.Context, state *workflow.RunState) (workflow.ValidationResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", v.command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return workflow.ValidationResult{
				Status:  workflow.ValidationFail,
				Summary: fmt.Sprintf("%q exited non-zero: %v", v.command, err),
				Stderr:  stderr.String() + stdout.String(),
			}, nil
		}
		return workflow.ValidationResult{Status: workflow.ValidationError, Summary: err.Error()}, nil
	}
	return workflow.ValidationResult{Status: workflow.ValidationPass}, nil
}
