package plan

import (
	stderrors "errors"
	"fmt"

	"mason/internal/errors"
)

// ErrCycle marks a dependency cycle in the task set. It is always wrapped in
// a ConfigurationError: fatal to the plan, never retried.
var ErrCycle = stderrors.New("cycle detected in task dependencies")

// graph is the adjacency view of a task set: dependency → dependents plus an
// in-degree count per task. Only dependency ids present in the task set
// contribute edges.
type graph struct {
	dependents map[string][]string
	inDegree   map[string]int
}

func buildGraph(tasks []*Task) graph {
	known := make(map[string]struct{}, len(tasks))
	for _, task := range tasks {
		known[task.ID] = struct{}{}
	}

	g := graph{
		dependents: make(map[string][]string, len(tasks)),
		inDegree:   make(map[string]int, len(tasks)),
	}
	for _, task := range tasks {
		g.inDegree[task.ID] = 0
	}
	for _, task := range tasks {
		for _, dep := range task.Dependencies {
			if _, ok := known[dep]; !ok {
				continue
			}
			g.dependents[dep] = append(g.dependents[dep], task.ID)
			g.inDegree[task.ID]++
		}
	}
	return g
}

// topoSort runs Kahn's algorithm over the task set. The ready queue is seeded
// and drained in input order, so independent tasks keep their authored order.
// A short result means a cycle: fatal configuration error.
func topoSort(tasks []*Task) ([]*Task, error) {
	g := buildGraph(tasks)
	byID := make(map[string]*Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}

	queue := make([]string, 0, len(tasks))
	for _, task := range tasks {
		if g.inDegree[task.ID] == 0 {
			queue = append(queue, task.ID)
		}
	}

	sorted := make([]*Task, 0, len(tasks))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, byID[id])

		for _, dependent := range g.dependents[id] {
			g.inDegree[dependent]--
			if g.inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) < len(tasks) {
		return nil, errors.NewConfigurationError(ErrCycle,
			fmt.Sprintf("cycle detected: sorted %d of %d tasks", len(sorted), len(tasks)))
	}
	return sorted, nil
}
