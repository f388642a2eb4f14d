package plan

import (
	"fmt"
)

// Plan is an ordered, dependency-validated collection of tasks with a
// current-task pointer.
//
// The task slice is always a valid topological order. CurrentTaskID points at
// the first unfinished task in that order, or is empty once every task has
// finished. A plan is owned by exactly one run at a time; it carries no
// internal locking.
type Plan struct {
	Goal          string  `json:"goal"`
	Tasks         []*Task `json:"tasks"`
	CurrentTaskID string  `json:"current_task_id,omitempty"`
}

// New creates a plan for the goal, sorting tasks topologically. A dependency
// cycle is a fatal configuration error.
func New(goal string, tasks []*Task) (*Plan, error) {
	sorted, err := topoSort(tasks)
	if err != nil {
		return nil, err
	}
	p := &Plan{Goal: goal, Tasks: sorted}
	p.advance()
	return p, nil
}

// CurrentTask returns the task CurrentTaskID points at, or nil when the plan
// is complete.
func (p *Plan) CurrentTask() *Task {
	if p.CurrentTaskID == "" {
		return nil
	}
	for _, task := range p.Tasks {
		if task.ID == p.CurrentTaskID {
			return task
		}
	}
	return nil
}

// ReadyTasks returns every unfinished task whose in-plan dependencies have
// all finished. Dependency ids that reference unknown tasks do not block
// readiness.
func (p *Plan) ReadyTasks() []*Task {
	byID := make(map[string]*Task, len(p.Tasks))
	for _, task := range p.Tasks {
		byID[task.ID] = task
	}

	var ready []*Task
	for _, task := range p.Tasks {
		if task.Finished {
			continue
		}
		blocked := false
		for _, dep := range task.Dependencies {
			if depTask, ok := byID[dep]; ok && !depTask.Finished {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, task)
		}
	}
	return ready
}

// AddTasks merges a regenerated task list into the plan. The longest prefix
// where old and new instructions match is kept verbatim, preserving finished
// state; the remainder is replaced by the incoming tasks and the whole plan
// is re-sorted. Re-adding an identical list is a no-op.
func (p *Plan) AddTasks(incoming []*Task) error {
	prefix := 0
	for prefix < len(p.Tasks) && prefix < len(incoming) {
		if p.Tasks[prefix].Instruction != incoming[prefix].Instruction {
			break
		}
		prefix++
	}

	merged := make([]*Task, 0, prefix+len(incoming))
	merged = append(merged, p.Tasks[:prefix]...)
	merged = append(merged, incoming[prefix:]...)

	sorted, err := topoSort(merged)
	if err != nil {
		return err
	}
	p.Tasks = sorted
	p.advance()
	return nil
}

// FinishCurrentTask marks the current task finished and successful, then
// recomputes the pointer. Calling it on a completed plan is a no-op.
func (p *Plan) FinishCurrentTask() {
	current := p.CurrentTask()
	if current == nil {
		return
	}
	current.MarkFinished(true)
	p.advance()
}

// FailCurrentTask marks the current task finished but unsuccessful, records
// the reason, and recomputes the pointer.
func (p *Plan) FailCurrentTask(reason string) {
	current := p.CurrentTask()
	if current == nil {
		return
	}
	current.MarkFinished(false)
	current.Result = reason
	p.advance()
}

// RemoveTask strips the task from the plan and scrubs its id from every
// dependency list, then recomputes the pointer. Removing an unknown id is a
// no-op.
func (p *Plan) RemoveTask(id string) {
	kept := p.Tasks[:0]
	for _, task := range p.Tasks {
		if task.ID == id {
			continue
		}
		deps := task.Dependencies[:0]
		for _, dep := range task.Dependencies {
			if dep != id {
				deps = append(deps, dep)
			}
		}
		task.Dependencies = deps
		kept = append(kept, task)
	}
	p.Tasks = kept
	p.advance()
}

// Progress reports the finished fraction of the plan in [0, 1]. An empty
// plan counts as complete.
func (p *Plan) Progress() float64 {
	if len(p.Tasks) == 0 {
		return 1.0
	}
	finished := 0
	for _, task := range p.Tasks {
		if task.Finished {
			finished++
		}
	}
	return float64(finished) / float64(len(p.Tasks))
}

// Snapshot returns a deep copy for checkpointing or reporting.
func (p *Plan) Snapshot() *Plan {
	if p == nil {
		return nil
	}
	tasks := make([]*Task, len(p.Tasks))
	for i, task := range p.Tasks {
		tasks[i] = task.clone()
	}
	return &Plan{Goal: p.Goal, Tasks: tasks, CurrentTaskID: p.CurrentTaskID}
}

// Validate re-checks the topological invariant, e.g. after deserializing a
// checkpoint that may predate the current schema. Every task must appear
// after all of its in-plan dependencies.
func (p *Plan) Validate() error {
	if _, err := topoSort(p.Tasks); err != nil {
		return err
	}
	position := make(map[string]int, len(p.Tasks))
	for i, task := range p.Tasks {
		position[task.ID] = i
	}
	for i, task := range p.Tasks {
		for _, dep := range task.Dependencies {
			if depPos, ok := position[dep]; ok && depPos >= i {
				return fmt.Errorf("task %s ordered before its dependency %s", task.ID, dep)
			}
		}
	}
	return nil
}

// Refresh recomputes the current-task pointer. Callers that mark tasks
// finished directly, instead of going through FinishCurrentTask, use this to
// restore invariant (b).
func (p *Plan) Refresh() {
	p.advance()
}

// advance repoints CurrentTaskID at the first unfinished task in order.
func (p *Plan) advance() {
	for _, task := range p.Tasks {
		if !task.Finished {
			p.CurrentTaskID = task.ID
			return
		}
	}
	p.CurrentTaskID = ""
}
