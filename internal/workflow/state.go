package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"mason/internal/layer"
	"mason/internal/plan"
)

// Stage names a state of the run state machine.
type Stage string

const (
	StageSetup             Stage = "setup"
	StagePlan              Stage = "plan"
	StageImplement         Stage = "implement"
	StageImplementParallel Stage = "implement_parallel"
	StageReview            Stage = "review"
	StageRunValidation     Stage = "run_validation"
	StageAnalyzeError      Stage = "analyze_error"
	StagePauseCheckpoint   Stage = "pause_checkpoint"
	StageRespond           Stage = "respond"
	StageEnd               Stage = "end"
)

// TaskType selects the initial stage for a run.
type TaskType string

const (
	// TaskTypeChange is a change-implementation run: setup through validation.
	TaskTypeChange TaskType = "change"
	// TaskTypeChat answers directly without touching the workspace.
	TaskTypeChat TaskType = "chat"
)

// DefaultMaxDebugAttempts bounds the validation repair loop.
const DefaultMaxDebugAttempts = 5

// RunState is the orchestrator's single mutable record for one run. It is
// owned by exactly one orchestrator at a time and persisted to the checkpoint
// store after every stage transition.
//
// The JSON form is self-describing: unknown fields are ignored on read, and
// missing fields fall back to defaults, so old checkpoints stay loadable as
// fields are added.
type RunState struct {
	RunID    string   `json:"run_id"`
	TaskType TaskType `json:"task_type"`
	Goal     string   `json:"goal"`
	Stage    Stage    `json:"stage"`

	Plan  *plan.Plan       `json:"plan,omitempty"`
	Items []layer.WorkItem `json:"items,omitempty"`

	// Queue and Cursor drive the sequential implement loop. The queue starts
	// as the full item list and is replaced by failed items on parallel
	// fallback, or by repair steps out of analyze_error.
	Queue       []layer.WorkItem `json:"queue,omitempty"`
	Cursor      int              `json:"cursor"`
	ReviewIndex int              `json:"review_index"`

	// CompletedLayers records which layers already merged their results, so
	// re-entering implement_parallel after a resume never re-runs them.
	CompletedLayers []string `json:"completed_layers,omitempty"`

	ModifiedFiles  []string         `json:"modified_files,omitempty"`
	ParallelErrors []string         `json:"parallel_errors,omitempty"`
	FailedItems    []layer.WorkItem `json:"failed_items,omitempty"`
	Errors         []string         `json:"errors,omitempty"`

	// ReviewRedos counts LBTM bounces per queue position, keyed by the
	// position's decimal string so the map survives JSON round-trips.
	ReviewRedos map[string]int `json:"review_redos,omitempty"`

	DebugAttempts     int  `json:"debug_attempts"`
	MaxDebugAttempts  int  `json:"max_debug_attempts"`
	FallbackAttempted bool `json:"fallback_attempted"`
	LowComplexity     bool `json:"low_complexity"`

	PauseRequested bool  `json:"pause_requested"`
	ResumeStage    Stage `json:"resume_stage,omitempty"`

	Validation *ValidationResult `json:"validation,omitempty"`
	Response   string            `json:"response,omitempty"`

	Done      bool   `json:"done"`
	Succeeded bool   `json:"succeeded"`
	Reason    string `json:"reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRunState creates the initial state for a run. The plan and item list may
// both be nil when a planner collaborator will produce them.
func NewRunState(goal string, taskType TaskType, p *plan.Plan, items []layer.WorkItem) *RunState {
	if taskType == "" {
		taskType = TaskTypeChange
	}
	now := time.Now()
	return &RunState{
		RunID:            uuid.NewString(),
		TaskType:         taskType,
		Goal:             goal,
		Stage:            InitialStage(taskType),
		Plan:             p,
		Items:            items,
		ReviewIndex:      -1,
		MaxDebugAttempts: DefaultMaxDebugAttempts,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// InitialStage routes by task type: chat-style input answers directly, change
// input goes through the full pipeline.
func InitialStage(taskType TaskType) Stage {
	if taskType == TaskTypeChat {
		return StageRespond
	}
	return StageSetup
}

// Encode serializes the state for checkpointing.
func (s *RunState) Encode() ([]byte, error) {
	s.UpdatedAt = time.Now()
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode run state %s: %w", s.RunID, err)
	}
	return data, nil
}

// DecodeState deserializes a checkpoint, tolerating unknown fields and
// applying defaults for missing ones.
func DecodeState(data []byte) (*RunState, error) {
	state := &RunState{ReviewIndex: -1}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("decode run state: %w", err)
	}
	state.applyDefaults()
	return state, nil
}

func (s *RunState) applyDefaults() {
	if s.TaskType == "" {
		s.TaskType = TaskTypeChange
	}
	if s.Stage == "" {
		s.Stage = InitialStage(s.TaskType)
	}
	if s.MaxDebugAttempts <= 0 {
		s.MaxDebugAttempts = DefaultMaxDebugAttempts
	}
	if s.ResumeStage == "" {
		s.ResumeStage = StageImplementParallel
	}
}

// RecordError appends a run-level error message.
func (s *RunState) RecordError(msg string) {
	if msg == "" {
		return
	}
	s.Errors = append(s.Errors, msg)
}

// LayerCompleted reports whether the layer's results were already merged.
func (s *RunState) LayerCompleted(l layer.Layer) bool {
	key := l.String()
	for _, done := range s.CompletedLayers {
		if done == key {
			return true
		}
	}
	return false
}

// MarkLayerCompleted records the layer as merged. Idempotent.
func (s *RunState) MarkLayerCompleted(l layer.Layer) {
	if s.LayerCompleted(l) {
		return
	}
	s.CompletedLayers = append(s.CompletedLayers, l.String())
}

// clearFailedItem drops the first failed-item record for the path, used when
// a sequential retry of that item succeeds.
func (s *RunState) clearFailedItem(path string) {
	for i, item := range s.FailedItems {
		if item.Path == path {
			s.FailedItems = append(s.FailedItems[:i], s.FailedItems[i+1:]...)
			return
		}
	}
}

func (s *RunState) reviewRedos(index int) int {
	return s.ReviewRedos[strconv.Itoa(index)]
}

func (s *RunState) recordReviewRedo(index int) {
	if s.ReviewRedos == nil {
		s.ReviewRedos = make(map[string]int)
	}
	s.ReviewRedos[strconv.Itoa(index)]++
}

// failedTaskIDs collects the task ids that still have a failed item.
func (s *RunState) failedTaskIDs() map[string]bool {
	failed := make(map[string]bool, len(s.FailedItems))
	for _, item := range s.FailedItems {
		if item.TaskID != "" {
			failed[item.TaskID] = true
		}
	}
	return failed
}

// ReconcilePlan marks every plan task finished whose work items all
// succeeded, then recomputes the current-task pointer. Tasks that still own a
// failed item are left unfinished.
func (s *RunState) ReconcilePlan() {
	if s.Plan == nil {
		return
	}
	failed := s.failedTaskIDs()
	for _, task := range s.Plan.Tasks {
		if task.Finished || failed[task.ID] {
			continue
		}
		task.MarkFinished(true)
	}
	s.Plan.Refresh()
}
