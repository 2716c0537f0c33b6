package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/terralith/geoetl-backend/internal/domain"
)

type Parallelism string

const (
	Single Parallelism = "single"
	FanOut Parallelism = "fan_out"
	FanIn  Parallelism = "fan_in"
)

// PreviousResultsKey is the parameter under which a fan-in task receives
// the full previous-stage result list.
const PreviousResultsKey = "_previous_results"

// TaskDescriptor is one task the orchestrator should create for a stage.
type TaskDescriptor struct {
	TaskType   string
	TaskIndex  int
	Parameters map[string]any
}

// TaskFactory builds the task list for a stage from the job parameters
// and the completed results of the previous stage.
type TaskFactory func(stage *StageDefinition, jobParams map[string]any, previous []domain.TaskResult) ([]TaskDescriptor, error)

type StageDefinition struct {
	Number      int
	Name        string
	TaskType    string
	Parallelism Parallelism
	// BuildTasks overrides the default factory. Required for fan_out.
	BuildTasks TaskFactory
}

// FinalizeContext is handed to the optional finalize hook once the last
// stage completes.
type FinalizeContext struct {
	Job          *domain.Job
	StageResults map[int]domain.StageResult
	FinalResults []domain.TaskResult
}

type WorkflowDefinition struct {
	JobType string
	Stages  []StageDefinition
	// ContinueOnError: a failed task counts toward stage completion and the
	// job proceeds, ending as completed_with_errors. When false, the first
	// stage that completes with failures terminates the job as failed.
	ContinueOnError bool
	// Validate normalizes submission parameters; nil accepts anything.
	Validate func(params map[string]any) (map[string]any, error)
	// Finalize computes result_data after the last stage; nil leaves the
	// aggregated counts as the result.
	Finalize func(ctx context.Context, fc *FinalizeContext) (map[string]any, error)
}

func (w *WorkflowDefinition) TotalStages() int { return len(w.Stages) }

func (w *WorkflowDefinition) Stage(number int) (*StageDefinition, error) {
	for i := range w.Stages {
		if w.Stages[i].Number == number {
			return &w.Stages[i], nil
		}
	}
	return nil, fmt.Errorf("workflow %s has no stage %d", w.JobType, number)
}

// Tasks builds the stage's task descriptors, falling back to the default
// factory for the stage's parallelism mode when none is set.
func (w *WorkflowDefinition) Tasks(stage *StageDefinition, jobParams map[string]any, previous []domain.TaskResult) ([]TaskDescriptor, error) {
	factory := stage.BuildTasks
	if factory == nil {
		switch stage.Parallelism {
		case Single:
			factory = singleTaskFactory
		case FanIn:
			factory = fanInTaskFactory
		case FanOut:
			return nil, fmt.Errorf("workflow %s stage %d: fan_out requires a task factory", w.JobType, stage.Number)
		default:
			return nil, fmt.Errorf("workflow %s stage %d: unknown parallelism %q", w.JobType, stage.Number, stage.Parallelism)
		}
	}
	descriptors, err := factory(stage, jobParams, previous)
	if err != nil {
		return nil, err
	}
	for i := range descriptors {
		if descriptors[i].TaskType == "" {
			descriptors[i].TaskType = stage.TaskType
		}
	}
	return descriptors, nil
}

func singleTaskFactory(stage *StageDefinition, jobParams map[string]any, _ []domain.TaskResult) ([]TaskDescriptor, error) {
	return []TaskDescriptor{{
		TaskType:   stage.TaskType,
		TaskIndex:  0,
		Parameters: CopyParams(jobParams),
	}}, nil
}

func fanInTaskFactory(stage *StageDefinition, jobParams map[string]any, previous []domain.TaskResult) ([]TaskDescriptor, error) {
	params := CopyParams(jobParams)
	results := make([]any, 0, len(previous))
	for _, r := range previous {
		results = append(results, map[string]any{
			"task_id":    r.TaskID.String(),
			"task_type":  r.TaskType,
			"task_index": r.TaskIndex,
			"result":     r.Result,
		})
	}
	params[PreviousResultsKey] = results
	return []TaskDescriptor{{
		TaskType:   stage.TaskType,
		TaskIndex:  0,
		Parameters: params,
	}}, nil
}

// CopyParams shallow-copies a parameter map so descriptors never alias
// the job row's decoded parameters.
func CopyParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Checkpoint is the phase-progress surface handed to long-running
// handlers. Short-lived contexts carry a no-op implementation.
type Checkpoint interface {
	// ShouldSkip is true when the phase already completed and its artifact
	// (if a validator was attached at save time) still exists.
	ShouldSkip(ctx context.Context, phase int) bool
	// Save atomically records the phase and an opaque payload. Phase is
	// monotonic for the life of the task.
	Save(ctx context.Context, phase int, payload map[string]any, validator string) error
	// GetData reads a key from the last saved payload.
	GetData(key string, def any) any
	Phase() int
}

// TaskContext is the execution handle a handler receives alongside its
// parameters.
type TaskContext interface {
	TaskID() uuid.UUID
	JobID() uuid.UUID
	CorrelationID() string
	Checkpoint() Checkpoint
	// ShutdownRequested is true once the hosting worker got SIGTERM/SIGINT.
	// Handlers check it between phases, checkpoint, and return interrupted.
	ShutdownRequested() bool
	// ReportProgress persists advisory progress on the task row.
	ReportProgress(ctx context.Context, percent int, message string)
}

// Handler executes one task. A returned error is treated as a transient
// failure (retried up to the queue's max delivery count); permanent
// outcomes are expressed through HandlerResult.
type Handler func(ctx context.Context, params map[string]any, tc TaskContext) (*domain.HandlerResult, error)
