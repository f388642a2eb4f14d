// Package runner executes one layer's work items with bounded parallelism,
// serializing same-path writes and isolating per-item failures.
package runner

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"mason/internal/layer"
	"mason/internal/logging"
)

// MaxConcurrent is the default cap on simultaneously executing work items.
const MaxConcurrent = 4

// MinParallelBatch is the smallest same-layer batch worth parallelizing.
const MinParallelBatch = 2

// Result is the outcome of executing a single work item. Exactly one Result
// is produced per input item, in input order.
type Result struct {
	Path          string   `json:"path"`
	Success       bool     `json:"success"`
	ModifiedFiles []string `json:"modified_files,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// ExecutorFunc produces the file changes for one work item. The shared
// context map is read-only from the executor's point of view.
type ExecutorFunc func(ctx context.Context, item layer.WorkItem, shared map[string]any) (Result, error)

// ShouldUseParallel reports whether the batch is worth running through the
// parallel path: at least one layer must hold minBatch or more items. A
// batch where every item sits in its own layer degenerates to sequential
// execution anyway.
func ShouldUseParallel(items []layer.WorkItem, minBatch int) bool {
	if minBatch < MinParallelBatch {
		minBatch = MinParallelBatch
	}
	if len(items) < minBatch {
		return false
	}
	for _, group := range layer.GroupByLayer(items) {
		if len(group) >= minBatch {
			return true
		}
	}
	return false
}

// RunLayer executes every item of one layer, capped at maxConcurrent
// simultaneous executors. Items targeting the same path run strictly one
// after another in input order; everything else may interleave freely. An
// executor error or panic is recorded in that item's result slot and never
// cancels siblings.
func RunLayer(ctx context.Context, items []layer.WorkItem, exec ExecutorFunc, shared map[string]any, maxConcurrent int) []Result {
	if len(items) == 0 {
		return nil
	}
	if maxConcurrent <= 0 {
		maxConcurrent = MaxConcurrent
	}

	conflicts := DetectConflicts(items)

	// Same-path items are chained: each waits on its predecessor's done
	// channel, which keeps conflicting writes sequential in input order
	// without holding back the rest of the batch.
	waits := make([]<-chan struct{}, len(items))
	dones := make([]chan struct{}, len(items))
	lastForPath := make(map[string]int, len(conflicts))
	for i, item := range items {
		if _, conflicting := conflicts[item.Path]; !conflicting {
			continue
		}
		if prev, ok := lastForPath[item.Path]; ok {
			waits[i] = dones[prev]
		}
		dones[i] = make(chan struct{})
		lastForPath[item.Path] = i
	}

	results := make([]Result, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			if dones[i] != nil {
				defer close(dones[i])
			}
			if waits[i] != nil {
				select {
				case <-waits[i]:
				case <-gctx.Done():
					results[i] = Result{Path: item.Path, Error: gctx.Err().Error()}
					return nil
				}
			}
			results[i] = runItem(gctx, item, exec, shared)
			return nil
		})
	}

	// Goroutines never return errors; failures live in result slots.
	_ = g.Wait()
	return results
}

func runItem(ctx context.Context, item layer.WorkItem, exec ExecutorFunc, shared map[string]any) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			logging.NewComponentLogger("runner").Error("executor panic for %s: %v", item.Path, r)
			result = Result{Path: item.Path, Error: fmt.Sprintf("executor panic: %v", r)}
		}
	}()

	if err := ctx.Err(); err != nil {
		return Result{Path: item.Path, Error: err.Error()}
	}

	res, err := exec(ctx, item, shared)
	if err != nil {
		return Result{Path: item.Path, Error: err.Error()}
	}
	if res.Path == "" {
		res.Path = item.Path
	}
	return res
}
