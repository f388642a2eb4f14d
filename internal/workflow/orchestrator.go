// Package workflow drives a run through the stage machine: setup, planning,
// layered implementation, validation, and the bounded repair loop, persisting
// state to the checkpoint store after every transition so a run survives
// pauses and process restarts.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mason/internal/checkpoint"
	"mason/internal/errors"
	"mason/internal/layer"
	"mason/internal/logging"
	"mason/internal/plan"
	"mason/internal/runner"
)

// Options configures an orchestrator. Only Implementer is mandatory for
// change-type runs; every other collaborator degrades to a sensible default
// when nil.
type Options struct {
	Store       checkpoint.Store
	Implementer Implementer
	Validator   Validator
	Analyzer    Analyzer
	Reviewer    Reviewer
	Planner     Planner
	Responder   Responder
	Preparer    Preparer
	Sink        Sink
	Logger      logging.Logger
	Metrics     *Metrics

	MaxConcurrent    int
	MinParallelBatch int
	ParallelEnabled  bool
	MaxDebugAttempts int
}

// Orchestrator owns run state transitions. Exactly one orchestrator advances
// a given run id at a time; the checkpoint store is the only cross-process
// shared resource.
type Orchestrator struct {
	opts    Options
	store   checkpoint.Store
	logger  logging.Logger
	metrics *Metrics

	mu     sync.Mutex
	active map[string]*runControl
}

// runControl carries the external pause signal for an in-flight run. The
// signal is polled at layer boundaries and at analyze_error entry; it never
// interrupts an item mid-execution.
type runControl struct {
	mu     sync.Mutex
	paused bool
}

func (c *runControl) requestPause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

func (c *runControl) pauseRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// New creates an orchestrator, filling defaulted options.
func New(opts Options) *Orchestrator {
	if opts.Store == nil {
		opts.Store = checkpoint.NewMemoryStore()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = runner.MaxConcurrent
	}
	if opts.MinParallelBatch <= 0 {
		opts.MinParallelBatch = runner.MinParallelBatch
	}
	if opts.MaxDebugAttempts <= 0 {
		opts.MaxDebugAttempts = DefaultMaxDebugAttempts
	}
	if opts.Metrics == nil {
		opts.Metrics = defaultMetrics()
	}
	logger := logging.OrNop(opts.Logger)
	if logging.IsNil(opts.Logger) {
		logger = logging.NewComponentLogger("Orchestrator")
	}
	return &Orchestrator{
		opts:    opts,
		store:   opts.Store,
		logger:  logger,
		metrics: opts.Metrics,
		active:  make(map[string]*runControl),
	}
}

// Run drives the state machine to a terminal stage or a pause checkpoint.
// The returned state is the same pointer, advanced; callers inspect
// state.Done and state.Stage to distinguish completion from suspension.
func (o *Orchestrator) Run(ctx context.Context, state *RunState) (*RunState, error) {
	if state == nil {
		return nil, fmt.Errorf("nil run state")
	}
	state.applyDefaults()
	if o.opts.MaxDebugAttempts > 0 && state.MaxDebugAttempts == DefaultMaxDebugAttempts {
		state.MaxDebugAttempts = o.opts.MaxDebugAttempts
	}

	control := o.register(state.RunID)
	defer o.unregister(state.RunID)

	o.metrics.IncActiveRuns()
	defer o.metrics.DecActiveRuns()

	for !state.Done {
		if err := o.step(ctx, state, control); err != nil {
			o.saveCheckpoint(ctx, state)
			return state, err
		}
		o.saveCheckpoint(ctx, state)

		if state.Stage == StagePauseCheckpoint {
			o.logger.Info("Run %s suspended at checkpoint", state.RunID)
			o.emit(Event{Type: EventRunPaused, RunID: state.RunID, Stage: state.ResumeStage})
			return state, nil
		}
	}

	// Terminal runs no longer need their checkpoint.
	if err := o.store.Delete(ctx, state.RunID); err != nil {
		o.logger.Warn("Failed to clear checkpoint for %s: %v", state.RunID, err)
	}
	return state, nil
}

// Step executes exactly one stage transition. External pause signals are not
// polled; only the persisted one applies. Run is the usual entry point.
func (o *Orchestrator) Step(ctx context.Context, state *RunState) error {
	state.applyDefaults()
	return o.step(ctx, state, nil)
}

func (o *Orchestrator) step(ctx context.Context, state *RunState, control *runControl) error {
	stage := state.Stage
	o.emit(Event{Type: EventStageEntered, RunID: state.RunID, Stage: stage})
	o.logger.Debug("Run %s entering stage %s", state.RunID, stage)

	start := time.Now()
	err := o.dispatch(ctx, state, control)
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.metrics.ObserveStageDuration(stage, status, time.Since(start))
	o.emit(Event{Type: EventStageFinished, RunID: state.RunID, Stage: stage, Error: errString(err)})
	return err
}

func (o *Orchestrator) dispatch(ctx context.Context, state *RunState, control *runControl) error {
	switch state.Stage {
	case StageSetup:
		return o.stageSetup(ctx, state)
	case StagePlan:
		return o.stagePlan(ctx, state)
	case StageImplementParallel:
		return o.stageImplementParallel(ctx, state, control)
	case StageImplement:
		return o.stageImplement(ctx, state)
	case StageReview:
		return o.stageReview(ctx, state)
	case StageRunValidation:
		return o.stageRunValidation(ctx, state)
	case StageAnalyzeError:
		return o.stageAnalyzeError(ctx, state, control)
	case StageRespond:
		return o.stageRespond(ctx, state)
	case StagePauseCheckpoint, StageEnd:
		// Suspended or terminal; nothing to execute.
		return nil
	default:
		return fmt.Errorf("run %s: unknown stage %q", state.RunID, state.Stage)
	}
}

// Pause requests suspension of an in-flight run. The signal is honored at
// the next polling point; the run persists state and parks rather than
// aborting mid-item.
func (o *Orchestrator) Pause(runID string) error {
	o.mu.Lock()
	control, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s is not active", runID)
	}
	control.requestPause()
	o.logger.Info("Pause requested for run %s", runID)
	return nil
}

// Resume reloads a suspended run from its checkpoint, clears the pause
// signal, and drives it forward again.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*RunState, error) {
	data, err := o.store.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", runID, err)
	}
	state, err := DecodeState(data)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", runID, err)
	}
	if state.Done {
		return state, fmt.Errorf("run %s already finished", runID)
	}

	state.PauseRequested = false
	if state.Stage == StagePauseCheckpoint {
		state.Stage = state.ResumeStage
	}
	o.emit(Event{Type: EventRunResumed, RunID: runID, Stage: state.Stage})
	o.logger.Info("Run %s resumed at stage %s", runID, state.Stage)
	return o.Run(ctx, state)
}

// --- stage handlers ---

func (o *Orchestrator) stageSetup(ctx context.Context, state *RunState) error {
	if state.TaskType == TaskTypeChange && o.opts.Implementer == nil {
		o.finish(state, false, "no implementer configured")
		return nil
	}
	if o.opts.Preparer != nil {
		if err := o.opts.Preparer.Prepare(ctx, state); err != nil {
			state.RecordError(err.Error())
			o.metrics.IncStageFailure(StageSetup, "prepare")
			o.finish(state, false, fmt.Sprintf("setup failed: %v", err))
			return nil
		}
	}
	state.Stage = StagePlan
	return nil
}

func (o *Orchestrator) stagePlan(ctx context.Context, state *RunState) error {
	if state.Plan == nil && o.opts.Planner != nil {
		p, items, err := o.opts.Planner.BuildPlan(ctx, state.Goal)
		if err != nil {
			if errors.IsConfiguration(err) {
				o.finish(state, false, fmt.Sprintf("plan rejected: %v", err))
				return err
			}
			state.RecordError(err.Error())
			o.metrics.IncStageFailure(StagePlan, "planner")
			o.finish(state, false, fmt.Sprintf("planning failed: %v", err))
			return nil
		}
		state.Plan = p
		state.Items = items
	}

	if state.Plan != nil {
		// A dependency cycle is fatal, never retried.
		if err := state.Plan.Validate(); err != nil {
			o.metrics.IncStageFailure(StagePlan, "cycle")
			o.finish(state, false, fmt.Sprintf("plan rejected: %v", err))
			return err
		}
	}

	if len(state.Items) == 0 && state.Plan != nil {
		state.Items = itemsFromPlan(state.Plan)
	}
	if len(state.Items) == 0 {
		o.finish(state, true, "empty plan, nothing to execute")
		return nil
	}

	if o.opts.ParallelEnabled && runner.ShouldUseParallel(state.Items, o.opts.MinParallelBatch) {
		state.Stage = StageImplementParallel
	} else {
		state.Queue = state.Items
		state.Cursor = 0
		state.Stage = StageImplement
	}
	return nil
}

func (o *Orchestrator) stageImplementParallel(ctx context.Context, state *RunState, control *runControl) error {
	if o.observePause(state, control, StageImplementParallel) {
		return nil
	}

	groups := layer.GroupByLayer(state.Items)
	shared := o.sharedContext(state)

	for _, l := range layer.SortedLayers(groups) {
		// Re-entry after a resume skips layers whose results are already
		// merged into run state.
		if state.LayerCompleted(l) {
			continue
		}
		if o.observePause(state, control, StageImplementParallel) {
			return nil
		}

		batch := groups[l]
		o.logger.Info("Run %s layer %s: %d item(s)", state.RunID, l, len(batch))
		results := runner.RunLayer(ctx, batch, o.executor(), shared, o.opts.MaxConcurrent)
		state.ModifiedFiles, state.ParallelErrors = runner.MergeResults(results, state.ModifiedFiles, state.ParallelErrors)
		for i, res := range results {
			if !res.Success {
				state.FailedItems = append(state.FailedItems, batch[i])
			}
			o.emit(Event{Type: EventItemCompleted, RunID: state.RunID, Stage: StageImplementParallel, Item: &batch[i], Error: res.Error})
		}
		state.MarkLayerCompleted(l)
		o.saveCheckpoint(ctx, state)
	}

	if len(state.ParallelErrors) > 0 {
		if !state.FallbackAttempted {
			// Demote to sequential exactly once per run.
			state.FallbackAttempted = true
			state.Queue = state.FailedItems
			state.FailedItems = nil
			state.Cursor = 0
			o.metrics.IncFallback()
			o.logger.Warn("Run %s: %d parallel error(s), falling back to sequential", state.RunID, len(state.ParallelErrors))
			state.Stage = StageImplement
			return nil
		}
		o.logger.Warn("Run %s: parallel errors persist after fallback, continuing to validation", state.RunID)
	}
	state.ReconcilePlan()
	state.Stage = StageRunValidation
	return nil
}

func (o *Orchestrator) stageImplement(ctx context.Context, state *RunState) error {
	if state.Cursor >= len(state.Queue) {
		state.ReconcilePlan()
		state.Stage = StageRunValidation
		return nil
	}

	item := state.Queue[state.Cursor]
	res := runItemSequential(ctx, o.opts.Implementer, item, o.sharedContext(state))
	o.emit(Event{Type: EventItemCompleted, RunID: state.RunID, Stage: StageImplement, Item: &item, Error: res.Error})

	if res.Success {
		state.ModifiedFiles, _ = runner.MergeResults([]runner.Result{res}, state.ModifiedFiles, nil)
		state.clearFailedItem(item.Path)
	} else {
		state.RecordError(fmt.Sprintf("implement %s: %s", item.Path, res.Error))
		state.FailedItems = append(state.FailedItems, item)
		o.metrics.IncStageFailure(StageImplement, "item")
	}

	state.ReviewIndex = state.Cursor
	state.Cursor++

	if res.Success && !skipReview(state, item) {
		state.Stage = StageReview
	} else {
		state.Stage = StageImplement
	}
	return nil
}

// maxReviewRedos caps how often a reviewer can bounce the same step back, so
// a stubborn LBTM verdict cannot wedge the run.
const maxReviewRedos = 3

func (o *Orchestrator) stageReview(ctx context.Context, state *RunState) error {
	verdict := ReviewResult{Verdict: VerdictLGTM}
	if o.opts.Reviewer != nil {
		res, err := o.opts.Reviewer.Review(ctx, state)
		if err != nil {
			// A broken reviewer never blocks progress.
			o.logger.Warn("Run %s: review error, accepting step: %v", state.RunID, err)
		} else {
			verdict = res
		}
	}

	if verdict.Verdict == VerdictLBTM && state.ReviewIndex >= 0 {
		if state.reviewRedos(state.ReviewIndex) < maxReviewRedos {
			state.recordReviewRedo(state.ReviewIndex)
			state.Cursor = state.ReviewIndex
			o.logger.Info("Run %s: step %d sent back by review", state.RunID, state.ReviewIndex)
		} else {
			o.logger.Warn("Run %s: step %d rejected %d times, moving on", state.RunID, state.ReviewIndex, maxReviewRedos)
		}
	}
	state.Stage = StageImplement
	return nil
}

func (o *Orchestrator) stageRunValidation(ctx context.Context, state *RunState) error {
	result := ValidationResult{Status: ValidationPass}
	if o.opts.Validator != nil {
		res, err := o.opts.Validator.Validate(ctx, state)
		if err != nil {
			res = ValidationResult{Status: ValidationError, Summary: err.Error()}
		}
		result = res
	}
	state.Validation = &result

	if result.Status == ValidationPass {
		state.ReconcilePlan()
		o.finish(state, true, "validation passed")
		return nil
	}

	state.RecordError(fmt.Sprintf("validation %s: %s", result.Status, result.Summary))
	o.metrics.IncStageFailure(StageRunValidation, string(result.Status))

	if state.DebugAttempts < state.MaxDebugAttempts {
		state.Stage = StageAnalyzeError
		return nil
	}
	o.finish(state, false, fmt.Sprintf("validation failed after %d repair attempts: %s", state.DebugAttempts, result.Summary))
	return nil
}

func (o *Orchestrator) stageAnalyzeError(ctx context.Context, state *RunState, control *runControl) error {
	if o.observePause(state, control, StageAnalyzeError) {
		return nil
	}

	stderr := ""
	summary := ""
	if state.Validation != nil {
		stderr = state.Validation.Stderr
		summary = state.Validation.Summary
	}

	if fix, ok := TryAutoFix(stderr + "\n" + summary); ok {
		state.DebugAttempts++
		o.metrics.IncDebugAttempt()
		o.logger.Info("Run %s: auto-fix %s for %q", state.RunID, fix.Rule, fix.Symbol)

		item := layer.WorkItem{
			Path:   fix.Path,
			Action: layer.ActionModify,
			Metadata: map[string]any{
				"instruction": fix.Instruction,
				"auto_fix":    fix.Rule,
				"complexity":  "low",
			},
		}
		res := runItemSequential(ctx, o.opts.Implementer, item, o.sharedContext(state))
		o.emit(Event{Type: EventItemCompleted, RunID: state.RunID, Stage: StageAnalyzeError, Item: &item, Error: res.Error})
		if res.Success {
			state.ModifiedFiles, _ = runner.MergeResults([]runner.Result{res}, state.ModifiedFiles, nil)
			state.Stage = StageRunValidation
			return nil
		}
		o.logger.Warn("Run %s: auto-fix failed, escalating to analyzer: %s", state.RunID, res.Error)
	}

	if o.opts.Analyzer == nil {
		o.finish(state, false, fmt.Sprintf("validation failed and no analyzer available: %s", summary))
		return nil
	}

	analysis, err := o.opts.Analyzer.Analyze(ctx, state)
	if err != nil {
		state.RecordError(err.Error())
		o.finish(state, false, fmt.Sprintf("error analysis failed: %v", err))
		return nil
	}
	if !analysis.Fixable || len(analysis.Steps) == 0 {
		o.finish(state, false, fmt.Sprintf("unfixable validation failure: %s", analysis.RootCause))
		return nil
	}

	state.DebugAttempts++
	o.metrics.IncDebugAttempt()
	o.logger.Info("Run %s: repair attempt %d/%d, %d step(s): %s",
		state.RunID, state.DebugAttempts, state.MaxDebugAttempts, len(analysis.Steps), analysis.RootCause)

	// Repair passes are low-complexity and skip review.
	state.Queue = analysis.Steps
	state.Cursor = 0
	state.LowComplexity = true
	state.Stage = StageImplement
	return nil
}

func (o *Orchestrator) stageRespond(ctx context.Context, state *RunState) error {
	if o.opts.Responder == nil {
		o.finish(state, false, "no responder configured for chat run")
		return nil
	}
	response, err := o.opts.Responder.Respond(ctx, state)
	if err != nil {
		state.RecordError(err.Error())
		o.finish(state, false, fmt.Sprintf("respond failed: %v", err))
		return nil
	}
	state.Response = response
	o.finish(state, true, "responded")
	return nil
}

// --- internals ---

// finish moves the run to its terminal stage. The reason and accumulated
// error list always survive; a run never ends silently.
func (o *Orchestrator) finish(state *RunState, succeeded bool, reason string) {
	state.Stage = StageEnd
	state.Done = true
	state.Succeeded = succeeded
	state.Reason = reason
	if succeeded {
		o.logger.Info("Run %s finished: %s", state.RunID, reason)
	} else {
		o.logger.Error("Run %s failed: %s (errors: %d)", state.RunID, reason, len(state.Errors))
	}
	o.emit(Event{Type: EventRunFinished, RunID: state.RunID, Stage: StageEnd, Detail: reason})
}

// observePause checks the external signal and the persisted one. When set,
// the run parks at the pause checkpoint and remembers where to resume.
func (o *Orchestrator) observePause(state *RunState, control *runControl, resumeAt Stage) bool {
	if control != nil && control.pauseRequested() {
		state.PauseRequested = true
	}
	if !state.PauseRequested {
		return false
	}
	state.ResumeStage = resumeAt
	state.Stage = StagePauseCheckpoint
	return true
}

func (o *Orchestrator) executor() runner.ExecutorFunc {
	return func(ctx context.Context, item layer.WorkItem, shared map[string]any) (runner.Result, error) {
		res, err := o.opts.Implementer.Implement(ctx, item, shared)
		if err != nil {
			return runner.Result{Path: item.Path}, err
		}
		return runner.Result{
			Path:          item.Path,
			Success:       res.Success,
			ModifiedFiles: res.ModifiedFiles,
			Error:         res.Error,
		}, nil
	}
}

// runItemSequential executes one item outside the parallel runner, with the
// same error isolation: failures land in the result, never as a panic or a
// propagated error.
func runItemSequential(ctx context.Context, impl Implementer, item layer.WorkItem, shared map[string]any) (result runner.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = runner.Result{Path: item.Path, Error: fmt.Sprintf("executor panic: %v", r)}
		}
	}()
	if impl == nil {
		return runner.Result{Path: item.Path, Error: "no implementer configured"}
	}
	if err := ctx.Err(); err != nil {
		return runner.Result{Path: item.Path, Error: err.Error()}
	}
	res, err := impl.Implement(ctx, item, shared)
	if err != nil {
		return runner.Result{Path: item.Path, Error: err.Error()}
	}
	return runner.Result{Path: item.Path, Success: res.Success, ModifiedFiles: res.ModifiedFiles, Error: res.Error}
}

func (o *Orchestrator) sharedContext(state *RunState) map[string]any {
	return map[string]any{
		"run_id": state.RunID,
		"goal":   state.Goal,
	}
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, state *RunState) {
	data, err := state.Encode()
	if err != nil {
		o.logger.Error("Run %s: checkpoint encode failed: %v", state.RunID, err)
		return
	}
	// Checkpoint failures degrade durability, never the run itself.
	if err := o.store.Save(ctx, state.RunID, data); err != nil {
		o.logger.Warn("Run %s: checkpoint save failed: %v", state.RunID, err)
	}
}

func (o *Orchestrator) register(runID string) *runControl {
	o.mu.Lock()
	defer o.mu.Unlock()
	control, ok := o.active[runID]
	if !ok {
		control = &runControl{}
		o.active[runID] = control
	}
	return control
}

func (o *Orchestrator) unregister(runID string) {
	o.mu.Lock()
	delete(o.active, runID)
	o.mu.Unlock()
}

func (o *Orchestrator) emit(event Event) {
	if o.opts.Sink == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	o.opts.Sink.Emit(event)
}

// itemsFromPlan derives one work item per task that names a target path in
// its context map. Tasks without a path contribute no file-level work.
func itemsFromPlan(p *plan.Plan) []layer.WorkItem {
	var items []layer.WorkItem
	for _, task := range p.Tasks {
		if task.Finished {
			continue
		}
		path, _ := task.Context["path"].(string)
		if path == "" {
			continue
		}
		action := layer.ActionModify
		if a, ok := task.Context["action"].(string); ok && a != "" {
			action = layer.Action(a)
		}
		items = append(items, layer.WorkItem{Path: path, Action: action, TaskID: task.ID})
	}
	return items
}

func skipReview(state *RunState, item layer.WorkItem) bool {
	if state.LowComplexity {
		return true
	}
	complexity, _ := item.Metadata["complexity"].(string)
	return complexity == "low"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
