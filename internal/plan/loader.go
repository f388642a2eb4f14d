package plan

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileSpec is the on-disk YAML shape accepted by the CLI.
type FileSpec struct {
	Goal  string     `yaml:"goal"`
	Tasks []TaskSpec `yaml:"tasks"`
}

// TaskSpec declares one task in a plan file. Path and Action, when present,
// name the file-level work item the task decomposes into.
type TaskSpec struct {
	ID           string   `yaml:"id"`
	Instruction  string   `yaml:"instruction"`
	Dependencies []string `yaml:"dependencies"`
	Type         string   `yaml:"type"`
	Assignee     string   `yaml:"assignee"`
	Priority     int      `yaml:"priority"`
	Path         string   `yaml:"path"`
	Action       string   `yaml:"action"`
}

// Validate normalizes the file spec in place and rejects shapes the planner
// cannot work with. Duplicate task ids are fatal; dependency ids pointing
// outside the file are allowed and ignored downstream.
func (s *FileSpec) Validate() error {
	s.Goal = strings.TrimSpace(s.Goal)
	if s.Goal == "" {
		return fmt.Errorf("plan file missing goal")
	}
	if len(s.Tasks) == 0 {
		return fmt.Errorf("plan file has no tasks")
	}

	seen := make(map[string]bool, len(s.Tasks))
	for i := range s.Tasks {
		t := &s.Tasks[i]
		t.ID = strings.TrimSpace(t.ID)
		t.Instruction = strings.TrimSpace(t.Instruction)
		if t.Instruction == "" {
			return fmt.Errorf("task %d missing instruction", i)
		}
		if t.ID == "" {
			t.ID = fmt.Sprintf("task-%d", i+1)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
		for j, dep := range t.Dependencies {
			t.Dependencies[j] = strings.TrimSpace(dep)
		}
	}
	return nil
}

// LoadFile reads a YAML plan file and builds a sorted plan from it.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	var spec FileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse plan file: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	tasks := make([]*Task, 0, len(spec.Tasks))
	for _, ts := range spec.Tasks {
		task := &Task{
			ID:           ts.ID,
			Instruction:  ts.Instruction,
			Dependencies: ts.Dependencies,
			Type:         ts.Type,
			Assignee:     ts.Assignee,
			Priority:     ts.Priority,
		}
		if ts.Path != "" {
			task.Context = map[string]any{"path": ts.Path}
			if ts.Action != "" {
				task.Context["action"] = ts.Action
			}
		}
		tasks = append(tasks, task)
	}
	return New(spec.Goal, tasks)
}
