// Package plan holds the task model and the dependency-ordered plan that the
// workflow engine executes.
package plan

import (
	"strings"

	"github.com/google/uuid"
)

// Task is a user-visible unit of work tracked for completion.
//
// Dependency ids must reference tasks in the same plan; ids that do not are
// ignored when the graph is built, never treated as satisfied edges.
type Task struct {
	ID           string         `json:"id"`
	Instruction  string         `json:"instruction"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Type         string         `json:"type,omitempty"`
	Assignee     string         `json:"assignee,omitempty"`
	Priority     int            `json:"priority,omitempty"`
	Finished     bool           `json:"finished"`
	Succeeded    bool           `json:"succeeded"`
	Result       string         `json:"result,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// NewTask creates a task with a generated id.
func NewTask(instruction string, deps ...string) *Task {
	return &Task{
		ID:           uuid.NewString(),
		Instruction:  strings.TrimSpace(instruction),
		Dependencies: deps,
	}
}

// MarkFinished flags the task as completed.
func (t *Task) MarkFinished(succeeded bool) {
	t.Finished = true
	t.Succeeded = succeeded
}

// clone returns a shallow copy safe for snapshotting.
func (t *Task) clone() *Task {
	if t == nil {
		return nil
	}
	copied := *t
	copied.Dependencies = append([]string(nil), t.Dependencies...)
	return &copied
}
