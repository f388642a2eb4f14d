package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mason/internal/layer"
)

func item(path string) layer.WorkItem {
	return layer.WorkItem{Path: path, Action: layer.ActionModify}
}

func okExecutor(delay time.Duration) ExecutorFunc {
	return func(ctx context.Context, it layer.WorkItem, _ map[string]any) (Result, error) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}
		return Result{Path: it.Path, Success: true, ModifiedFiles: []string{it.Path}}, nil
	}
}

func TestDetectConflicts(t *testing.T) {
	items := []layer.WorkItem{
		item("a.ts"), item("b.ts"), item("a.ts"), item("c.ts"), item("a.ts"),
	}
	conflicts := DetectConflicts(items)
	require.Len(t, conflicts, 1)
	assert.Equal(t, 3, conflicts["a.ts"])
}

func TestDetectConflictsUniquePaths(t *testing.T) {
	items := []layer.WorkItem{item("a.ts"), item("b.ts"), item("c.ts")}
	assert.Empty(t, DetectConflicts(items))
}

func TestShouldUseParallel(t *testing.T) {
	sameLayer := []layer.WorkItem{
		item("src/components/A.tsx"),
		item("src/components/B.tsx"),
		item("src/components/C.tsx"),
	}
	assert.True(t, ShouldUseParallel(sameLayer, 2))

	// Too small a batch.
	assert.False(t, ShouldUseParallel(sameLayer[:1], 2))

	// Every item in a distinct layer: nothing to batch.
	distinct := []layer.WorkItem{
		item("prisma/schema.prisma"),
		item("src/types/index.ts"),
		item("src/app/page.tsx"),
	}
	assert.False(t, ShouldUseParallel(distinct, 2))
}

func TestRunLayerReturnsResultPerItemInOrder(t *testing.T) {
	items := []layer.WorkItem{item("a.ts"), item("b.ts"), item("c.ts")}
	results := RunLayer(context.Background(), items, okExecutor(0), nil, MaxConcurrent)

	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, items[i].Path, res.Path)
		assert.True(t, res.Success)
	}
}

func TestRunLayerBoundsConcurrency(t *testing.T) {
	const n = 12
	const cap = 3

	var active, peak int64
	exec := func(ctx context.Context, it layer.WorkItem, _ map[string]any) (Result, error) {
		current := atomic.AddInt64(&active, 1)
		for {
			observed := atomic.LoadInt64(&peak)
			if current <= observed || atomic.CompareAndSwapInt64(&peak, observed, current) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return Result{Path: it.Path, Success: true}, nil
	}

	items := make([]layer.WorkItem, n)
	for i := range items {
		items[i] = item(fmt.Sprintf("file-%d.ts", i))
	}

	results := RunLayer(context.Background(), items, exec, nil, cap)
	require.Len(t, results, n)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(cap))
}

func TestRunLayerSerializesConflictingPaths(t *testing.T) {
	type span struct {
		path       string
		start, end time.Time
	}

	var mu sync.Mutex
	var spans []span

	exec := func(ctx context.Context, it layer.WorkItem, _ map[string]any) (Result, error) {
		start := time.Now()
		time.Sleep(15 * time.Millisecond)
		end := time.Now()
		mu.Lock()
		spans = append(spans, span{path: it.Path, start: start, end: end})
		mu.Unlock()
		return Result{Path: it.Path, Success: true}, nil
	}

	items := []layer.WorkItem{
		item("shared.ts"), item("other.ts"), item("shared.ts"), item("shared.ts"),
	}
	results := RunLayer(context.Background(), items, exec, nil, 4)
	require.Len(t, results, 4)

	var sharedSpans []span
	for _, s := range spans {
		if s.path == "shared.ts" {
			sharedSpans = append(sharedSpans, s)
		}
	}
	require.Len(t, sharedSpans, 3)

	// Conflicting executions must not overlap.
	for i := range sharedSpans {
		for j := i + 1; j < len(sharedSpans); j++ {
			a, b := sharedSpans[i], sharedSpans[j]
			overlap := a.start.Before(b.end) && b.start.Before(a.end)
			assert.False(t, overlap, "same-path executions overlapped")
		}
	}
}

func TestRunLayerIsolatesExecutorError(t *testing.T) {
	exec := func(ctx context.Context, it layer.WorkItem, _ map[string]any) (Result, error) {
		if it.Path == "bad.ts" {
			return Result{}, fmt.Errorf("generator refused")
		}
		return Result{Path: it.Path, Success: true}, nil
	}

	items := []layer.WorkItem{item("a.ts"), item("bad.ts"), item("c.ts")}
	results := RunLayer(context.Background(), items, exec, nil, 2)

	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.Equal(t, "generator refused", results[1].Error)
	assert.Equal(t, "bad.ts", results[1].Path)
	assert.True(t, results[2].Success)
}

func TestRunLayerRecoversExecutorPanic(t *testing.T) {
	exec := func(ctx context.Context, it layer.WorkItem, _ map[string]any) (Result, error) {
		if it.Path == "boom.ts" {
			panic("template exploded")
		}
		return Result{Path: it.Path, Success: true}, nil
	}

	items := []layer.WorkItem{item("ok.ts"), item("boom.ts")}
	results := RunLayer(context.Background(), items, exec, nil, 2)

	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.Contains(t, results[1].Error, "executor panic")
}

func TestRunLayerSharedContextPassedThrough(t *testing.T) {
	shared := map[string]any{"goal": "add todos"}
	exec := func(ctx context.Context, it layer.WorkItem, s map[string]any) (Result, error) {
		assert.Equal(t, "add todos", s["goal"])
		return Result{Path: it.Path, Success: true}, nil
	}
	results := RunLayer(context.Background(), []layer.WorkItem{item("a.ts")}, exec, shared, 1)
	require.Len(t, results, 1)
}

func TestMergeResults(t *testing.T) {
	modified := []string{"existing.ts"}
	var parallelErrors []string

	results := []Result{
		{Path: "a.ts", Success: true, ModifiedFiles: []string{"a.ts", "shared.ts"}},
		{Path: "b.ts", Success: true, ModifiedFiles: []string{"shared.ts", "existing.ts"}},
		{Path: "c.ts", Error: "generator refused"},
	}

	modified, parallelErrors = MergeResults(results, modified, parallelErrors)

	// Previously recorded files keep their position; new ones append once.
	assert.Equal(t, []string{"existing.ts", "a.ts", "shared.ts"}, modified)
	assert.Equal(t, []string{"generator refused"}, parallelErrors)
}

func TestMergeResultsEmpty(t *testing.T) {
	modified, errs := MergeResults(nil, nil, nil)
	assert.Empty(t, modified)
	assert.Empty(t, errs)
}
