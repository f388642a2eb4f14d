package workflow

import (
	"context"
	"time"

	"mason/internal/layer"
	"mason/internal/plan"
)

// The orchestrator sequences work; it never generates file contents, runs
// validation commands, or reasons about failures itself. Those jobs belong to
// injected collaborators behind the interfaces below.

// ImplementResult is the outcome of generating the changes for one work item.
type ImplementResult struct {
	Success       bool     `json:"success"`
	ModifiedFiles []string `json:"modified_files,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Implementer produces the file changes for a single work item.
type Implementer interface {
	Implement(ctx context.Context, item layer.WorkItem, shared map[string]any) (ImplementResult, error)
}

// ImplementerFunc adapts a function to the Implementer interface.
type ImplementerFunc func(ctx context.Context, item layer.WorkItem, shared map[string]any) (ImplementResult, error)

func (f ImplementerFunc) Implement(ctx context.Context, item layer.WorkItem, shared map[string]any) (ImplementResult, error) {
	return f(ctx, item, shared)
}

// ValidationStatus is the verdict of a post-implementation check.
type ValidationStatus string

const (
	ValidationPass  ValidationStatus = "PASS"
	ValidationFail  ValidationStatus = "FAIL"
	ValidationError ValidationStatus = "ERROR"
)

// ValidationResult carries the verdict plus whatever diagnostics the check
// produced.
type ValidationResult struct {
	Status  ValidationStatus `json:"status"`
	Summary string           `json:"summary,omitempty"`
	Stderr  string           `json:"stderr,omitempty"`
}

// Validator runs the post-implementation check, e.g. a build or test suite.
type Validator interface {
	Validate(ctx context.Context, state *RunState) (ValidationResult, error)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, state *RunState) (ValidationResult, error)

func (f ValidatorFunc) Validate(ctx context.Context, state *RunState) (ValidationResult, error) {
	return f(ctx, state)
}

// Analysis is a bounded root-cause diagnosis with concrete repair steps.
// Fixable false, or an empty step list, ends the run with the failure
// recorded.
type Analysis struct {
	RootCause string           `json:"root_cause"`
	Fixable   bool             `json:"fixable"`
	Steps     []layer.WorkItem `json:"steps,omitempty"`
}

// Analyzer diagnoses a validation failure the auto-fix table could not
// handle.
type Analyzer interface {
	Analyze(ctx context.Context, state *RunState) (Analysis, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, state *RunState) (Analysis, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, state *RunState) (Analysis, error) {
	return f(ctx, state)
}

// ReviewVerdict is the outcome of reviewing a sequential implement step.
type ReviewVerdict string

const (
	// VerdictLGTM accepts the step.
	VerdictLGTM ReviewVerdict = "LGTM"
	// VerdictLBTM rejects the step and sends it back to implement.
	VerdictLBTM ReviewVerdict = "LBTM"
)

// ReviewResult carries the verdict and optional reviewer comments.
type ReviewResult struct {
	Verdict  ReviewVerdict `json:"verdict"`
	Comments string        `json:"comments,omitempty"`
}

// Reviewer judges the most recent sequential implement step.
type Reviewer interface {
	Review(ctx context.Context, state *RunState) (ReviewResult, error)
}

// ReviewerFunc adapts a function to the Reviewer interface.
type ReviewerFunc func(ctx context.Context, state *RunState) (ReviewResult, error)

func (f ReviewerFunc) Review(ctx context.Context, state *RunState) (ReviewResult, error) {
	return f(ctx, state)
}

// Planner turns a goal into a plan and its file-level work items. Optional;
// runs created from an explicit plan skip it.
type Planner interface {
	BuildPlan(ctx context.Context, goal string) (*plan.Plan, []layer.WorkItem, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, goal string) (*plan.Plan, []layer.WorkItem, error)

func (f PlannerFunc) BuildPlan(ctx context.Context, goal string) (*plan.Plan, []layer.WorkItem, error) {
	return f(ctx, goal)
}

// Responder answers chat-type runs.
type Responder interface {
	Respond(ctx context.Context, state *RunState) (string, error)
}

// ResponderFunc adapts a function to the Responder interface.
type ResponderFunc func(ctx context.Context, state *RunState) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, state *RunState) (string, error) {
	return f(ctx, state)
}

// Preparer readies the workspace before planning. A returned error is fatal
// to the run.
type Preparer interface {
	Prepare(ctx context.Context, state *RunState) error
}

// PreparerFunc adapts a function to the Preparer interface.
type PreparerFunc func(ctx context.Context, state *RunState) error

func (f PreparerFunc) Prepare(ctx context.Context, state *RunState) error {
	return f(ctx, state)
}

// EventType enumerates run lifecycle signals emitted to the sink.
type EventType string

const (
	EventStageEntered  EventType = "stage_entered"
	EventStageFinished EventType = "stage_finished"
	EventItemCompleted EventType = "item_completed"
	EventRunPaused     EventType = "run_paused"
	EventRunResumed    EventType = "run_resumed"
	EventRunFinished   EventType = "run_finished"
)

// Event is a run lifecycle notification.
type Event struct {
	Type      EventType       `json:"type"`
	RunID     string          `json:"run_id"`
	Stage     Stage           `json:"stage,omitempty"`
	Item      *layer.WorkItem `json:"item,omitempty"`
	Error     string          `json:"error,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Sink receives run lifecycle events for progress reporting and telemetry.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Emit(event Event) { f(event) }
