package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mason/internal/checkpoint"
	masonerrors "mason/internal/errors"
	"mason/internal/layer"
	"mason/internal/plan"
)

// countingImplementer records calls per path and fails paths the configured
// number of times before succeeding.
type countingImplementer struct {
	mu        sync.Mutex
	calls     map[string]int
	failUntil map[string]int // fail while calls[path] <= failUntil[path]
	onCall    func(item layer.WorkItem)
}

func newCountingImplementer() *countingImplementer {
	return &countingImplementer{calls: make(map[string]int), failUntil: make(map[string]int)}
}

func (c *countingImplementer) Implement(ctx context.Context, item layer.WorkItem, shared map[string]any) (ImplementResult, error) {
	c.mu.Lock()
	c.calls[item.Path]++
	n := c.calls[item.Path]
	limit := c.failUntil[item.Path]
	hook := c.onCall
	c.mu.Unlock()

	if hook != nil {
		hook(item)
	}
	if n <= limit {
		return ImplementResult{Success: false, Error: fmt.Sprintf("synthetic failure for %s", item.Path)}, nil
	}
	return ImplementResult{Success: true, ModifiedFiles: []string{item.Path}}, nil
}

func (c *countingImplementer) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[path]
}

func testOptions(impl Implementer) Options {
	return Options{
		Store:           checkpoint.NewMemoryStore(),
		Implementer:     impl,
		ParallelEnabled: true,
		Metrics:         MustNewMetrics(prometheus.NewRegistry()),
	}
}

func threeTaskPlan(t *testing.T) (*plan.Plan, []layer.WorkItem) {
	t.Helper()
	tasks := []*plan.Task{
		plan.NewTask("add schema"),
		plan.NewTask("add card component"),
		plan.NewTask("add badge component"),
	}
	p, err := plan.New("add todos", tasks)
	require.NoError(t, err)

	items := []layer.WorkItem{
		{Path: "prisma/schema.prisma", Action: layer.ActionModify, TaskID: tasks[0].ID},
		{Path: "src/components/TodoCard.tsx", Action: layer.ActionCreate, TaskID: tasks[1].ID},
		{Path: "src/components/TodoBadge.tsx", Action: layer.ActionCreate, TaskID: tasks[2].ID},
	}
	return p, items
}

func TestRunHappyPathParallel(t *testing.T) {
	impl := newCountingImplementer()
	o := New(testOptions(impl))
	p, items := threeTaskPlan(t)

	state, err := o.Run(context.Background(), NewRunState("add todos", TaskTypeChange, p, items))
	require.NoError(t, err)

	assert.True(t, state.Done)
	assert.True(t, state.Succeeded)
	assert.Equal(t, StageEnd, state.Stage)
	assert.Empty(t, state.ParallelErrors)
	assert.Equal(t, 1.0, state.Plan.Progress())
	assert.ElementsMatch(t,
		[]string{"prisma/schema.prisma", "src/components/TodoCard.tsx", "src/components/TodoBadge.tsx"},
		state.ModifiedFiles)
	for _, item := range items {
		assert.Equal(t, 1, impl.count(item.Path), "item %s executed once", item.Path)
	}
}

func TestRunDeletesCheckpointOnCompletion(t *testing.T) {
	impl := newCountingImplementer()
	opts := testOptions(impl)
	o := New(opts)
	p, items := threeTaskPlan(t)

	state, err := o.Run(context.Background(), NewRunState("add todos", TaskTypeChange, p, items))
	require.NoError(t, err)
	require.True(t, state.Done)

	_, err = opts.Store.Load(context.Background(), state.RunID)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestParallelErrorsTriggerSequentialFallbackOnce(t *testing.T) {
	impl := newCountingImplementer()
	// The card component fails its first (parallel) attempt and succeeds on
	// the sequential retry.
	impl.failUntil["src/components/TodoCard.tsx"] = 1

	o := New(testOptions(impl))
	p, items := threeTaskPlan(t)

	state, err := o.Run(context.Background(), NewRunState("add todos", TaskTypeChange, p, items))
	require.NoError(t, err)

	assert.True(t, state.Done)
	assert.True(t, state.Succeeded)
	assert.True(t, state.FallbackAttempted)
	assert.Equal(t, 2, impl.count("src/components/TodoCard.tsx"))
	assert.Equal(t, 1, impl.count("src/components/TodoBadge.tsx"))
	assert.Empty(t, state.FailedItems)
}

func TestSecondParallelFailureDoesNotRetriggerFallback(t *testing.T) {
	impl := newCountingImplementer()
	impl.failUntil["src/components/TodoCard.tsx"] = 99

	o := New(testOptions(impl))
	_, items := threeTaskPlan(t)

	state := NewRunState("add todos", TaskTypeChange, nil, items)
	state.Stage = StageImplementParallel
	state.FallbackAttempted = true

	require.NoError(t, o.Step(context.Background(), state))

	// Errors are recorded but routing continues to validation.
	assert.Equal(t, StageRunValidation, state.Stage)
	assert.True(t, state.FallbackAttempted)
	assert.NotEmpty(t, state.ParallelErrors)
}

func TestValidationExhaustionTerminatesFailed(t *testing.T) {
	impl := newCountingImplementer()
	validations := 0

	opts := testOptions(impl)
	opts.MaxDebugAttempts = 2
	opts.Validator = ValidatorFunc(func(ctx context.Context, state *RunState) (ValidationResult, error) {
		validations++
		return ValidationResult{Status: ValidationFail, Summary: "unit suite red"}, nil
	})
	opts.Analyzer = AnalyzerFunc(func(ctx context.Context, state *RunState) (Analysis, error) {
		return Analysis{
			RootCause: "flaky assertion",
			Fixable:   true,
			Steps:     []layer.WorkItem{{Path: "src/lib/flaky.ts", Action: layer.ActionModify}},
		}, nil
	})

	o := New(opts)
	p, items := threeTaskPlan(t)

	state, err := o.Run(context.Background(), NewRunState("add todos", TaskTypeChange, p, items))
	require.NoError(t, err)

	assert.True(t, state.Done)
	assert.False(t, state.Succeeded)
	assert.Contains(t, state.Reason, "repair attempts")
	assert.Equal(t, 2, state.DebugAttempts)
	// Initial validation plus one per repair pass.
	assert.Equal(t, 3, validations)
	assert.NotEmpty(t, state.Errors, "terminal state carries the error list")
}

func TestAutoFixRepairsWithoutAnalyzer(t *testing.T) {
	impl := newCountingImplementer()
	validations := 0

	opts := testOptions(impl)
	opts.Validator = ValidatorFunc(func(ctx context.Context, state *RunState) (ValidationResult, error) {
		validations++
		if validations == 1 {
			return ValidationResult{
				Status: ValidationFail,
				Stderr: "src/app/page.tsx(3,10): error TS2304: Cannot find name 'Widget'.",
			}, nil
		}
		return ValidationResult{Status: ValidationPass}, nil
	})

	o := New(opts)
	p, items := threeTaskPlan(t)

	state, err := o.Run(context.Background(), NewRunState("add todos", TaskTypeChange, p, items))
	require.NoError(t, err)

	assert.True(t, state.Succeeded)
	assert.Equal(t, 1, state.DebugAttempts)
	assert.Equal(t, 1, impl.count("src/app/page.tsx"), "auto-fix targeted the diagnosed file")
}

func TestUnfixableAnalysisEndsRun(t *testing.T) {
	impl := newCountingImplementer()
	opts := testOptions(impl)
	opts.Validator = ValidatorFunc(func(ctx context.Context, state *RunState) (ValidationResult, error) {
		return ValidationResult{Status: ValidationFail, Summary: "schema drift"}, nil
	})
	opts.Analyzer = AnalyzerFunc(func(ctx context.Context, state *RunState) (Analysis, error) {
		return Analysis{RootCause: "manual migration required", Fixable: false}, nil
	})

	o := New(opts)
	p, items := threeTaskPlan(t)

	state, err := o.Run(context.Background(), NewRunState("add todos", TaskTypeChange, p, items))
	require.NoError(t, err)

	assert.True(t, state.Done)
	assert.False(t, state.Succeeded)
	assert.Contains(t, state.Reason, "manual migration required")
}

func TestCyclicPlanIsFatal(t *testing.T) {
	impl := newCountingImplementer()
	o := New(testOptions(impl))

	a := plan.NewTask("a")
	b := plan.NewTask("b")
	a.Dependencies = []string{b.ID}
	b.Dependencies = []string{a.ID}
	// Built by hand to bypass the sorting constructor.
	cyclic := &plan.Plan{Goal: "broken", Tasks: []*plan.Task{a, b}}

	state, err := o.Run(context.Background(), NewRunState("broken", TaskTypeChange, cyclic, nil))
	require.Error(t, err)
	assert.True(t, masonerrors.IsConfiguration(err))
	assert.True(t, state.Done)
	assert.False(t, state.Succeeded)
}

func TestSetupFailureIsTerminalAndReported(t *testing.T) {
	impl := newCountingImplementer()
	opts := testOptions(impl)
	opts.Preparer = PreparerFunc(func(ctx context.Context, state *RunState) error {
		return fmt.Errorf("workspace not ready")
	})

	o := New(opts)
	state, err := o.Run(context.Background(), NewRunState("add todos", TaskTypeChange, nil, []layer.WorkItem{{Path: "a.ts"}}))
	require.NoError(t, err)

	assert.True(t, state.Done)
	assert.False(t, state.Succeeded)
	assert.Contains(t, state.Reason, "setup failed")
	assert.NotEmpty(t, state.Errors)
	assert.Zero(t, impl.count("a.ts"))
}

func TestPauseAndResumeSkipsCompletedLayers(t *testing.T) {
	impl := newCountingImplementer()
	opts := testOptions(impl)
	o := New(opts)

	p, items := threeTaskPlan(t)
	state := NewRunState("add todos", TaskTypeChange, p, items)

	// Request the pause while the first layer executes; it is honored at the
	// next layer boundary, never mid-item.
	impl.onCall = func(item layer.WorkItem) {
		if item.Path == "prisma/schema.prisma" {
			require.NoError(t, o.Pause(state.RunID))
		}
	}

	paused, err := o.Run(context.Background(), state)
	require.NoError(t, err)
	assert.False(t, paused.Done)
	assert.Equal(t, StagePauseCheckpoint, paused.Stage)
	assert.Equal(t, StageImplementParallel, paused.ResumeStage)
	assert.Equal(t, 1, impl.count("prisma/schema.prisma"))
	assert.Zero(t, impl.count("src/components/TodoCard.tsx"))

	impl.onCall = nil
	resumed, err := o.Resume(context.Background(), state.RunID)
	require.NoError(t, err)

	assert.True(t, resumed.Done)
	assert.True(t, resumed.Succeeded)
	// The schema layer was already merged and must not run again.
	assert.Equal(t, 1, impl.count("prisma/schema.prisma"))
	assert.Equal(t, 1, impl.count("src/components/TodoCard.tsx"))
	assert.Equal(t, 1, impl.count("src/components/TodoBadge.tsx"))
}

func TestChatRunRoutesToResponder(t *testing.T) {
	opts := testOptions(nil)
	opts.Responder = ResponderFunc(func(ctx context.Context, state *RunState) (string, error) {
		return "hello from mason", nil
	})

	o := New(opts)
	state, err := o.Run(context.Background(), NewRunState("what can you do", TaskTypeChat, nil, nil))
	require.NoError(t, err)

	assert.True(t, state.Done)
	assert.True(t, state.Succeeded)
	assert.Equal(t, "hello from mason", state.Response)
}

func TestSequentialReviewLoopOnLBTM(t *testing.T) {
	impl := newCountingImplementer()
	reviews := 0

	opts := testOptions(impl)
	opts.ParallelEnabled = false
	opts.Reviewer = ReviewerFunc(func(ctx context.Context, state *RunState) (ReviewResult, error) {
		reviews++
		if reviews == 1 {
			return ReviewResult{Verdict: VerdictLBTM, Comments: "missing null check"}, nil
		}
		return ReviewResult{Verdict: VerdictLGTM}, nil
	})

	o := New(opts)
	items := []layer.WorkItem{{Path: "src/lib/util.ts", Action: layer.ActionModify}}

	state, err := o.Run(context.Background(), NewRunState("tweak util", TaskTypeChange, nil, items))
	require.NoError(t, err)

	assert.True(t, state.Succeeded)
	// First pass rejected, second accepted.
	assert.Equal(t, 2, impl.count("src/lib/util.ts"))
	assert.Equal(t, 2, reviews)
}

func TestEmptyPlanFinishesImmediately(t *testing.T) {
	o := New(testOptions(newCountingImplementer()))
	p, err := plan.New("noop", nil)
	require.NoError(t, err)

	state, runErr := o.Run(context.Background(), NewRunState("noop", TaskTypeChange, p, nil))
	require.NoError(t, runErr)

	assert.True(t, state.Done)
	assert.True(t, state.Succeeded)
	assert.Equal(t, 1.0, state.Plan.Progress())
}

func TestEventsEmittedToSink(t *testing.T) {
	var mu sync.Mutex
	var seen []EventType

	opts := testOptions(newCountingImplementer())
	opts.Sink = SinkFunc(func(e Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})

	o := New(opts)
	p, items := threeTaskPlan(t)
	_, err := o.Run(context.Background(), NewRunState("add todos", TaskTypeChange, p, items))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, EventStageEntered)
	assert.Contains(t, seen, EventItemCompleted)
	assert.Contains(t, seen, EventRunFinished)
}
