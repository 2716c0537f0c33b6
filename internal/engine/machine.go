package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/terralith/geoetl-backend/internal/broker"
	"github.com/terralith/geoetl-backend/internal/checkpoint"
	"github.com/terralith/geoetl-backend/internal/data/repos"
	"github.com/terralith/geoetl-backend/internal/domain"
	"github.com/terralith/geoetl-backend/internal/platform/logger"
	"github.com/terralith/geoetl-backend/internal/taskrouter"
	"github.com/terralith/geoetl-backend/internal/workflow"
)

type Config struct {
	JobQueue string
	WorkerID string
	// Queues supplies per-queue delivery policy; the engine uses the max
	// delivery count to decide when a retryable failure becomes permanent.
	Queues   map[string]broker.QueueConfig
	Defaults broker.QueueConfig
}

// CoreMachine is the stateless orchestrator. All durable state lives in
// the job/task rows; every instance of the machine across every worker
// processes messages interchangeably.
type CoreMachine struct {
	log         *logger.Logger
	jobs        repos.JobRepo
	tasks       repos.TaskRepo
	workflows   *workflow.Registry
	handlers    *workflow.HandlerRegistry
	router      *taskrouter.Router
	broker      broker.Broker
	checkpoints *checkpoint.Manager
	cfg         Config
}

func NewCoreMachine(
	baseLog *logger.Logger,
	jobs repos.JobRepo,
	tasks repos.TaskRepo,
	workflows *workflow.Registry,
	handlers *workflow.HandlerRegistry,
	router *taskrouter.Router,
	brk broker.Broker,
	checkpoints *checkpoint.Manager,
	cfg Config,
) *CoreMachine {
	if cfg.Defaults.MaxDeliveryCount <= 0 {
		cfg.Defaults.MaxDeliveryCount = 3
	}
	return &CoreMachine{
		log:         baseLog.With("component", "CoreMachine"),
		jobs:        jobs,
		tasks:       tasks,
		workflows:   workflows,
		handlers:    handlers,
		router:      router,
		broker:      brk,
		checkpoints: checkpoints,
		cfg:         cfg,
	}
}

func (m *CoreMachine) maxDelivery(queue string) int {
	if cfg, ok := m.cfg.Queues[queue]; ok && cfg.MaxDeliveryCount > 0 {
		return cfg.MaxDeliveryCount
	}
	return m.cfg.Defaults.MaxDeliveryCount
}

// ProcessJobMessage handles one stage dispatch: create the stage's task
// rows idempotently and enqueue their task messages on routed queues.
func (m *CoreMachine) ProcessJobMessage(ctx context.Context, d *broker.Delivery) error {
	var msg domain.JobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		m.log.Error("Malformed job message, dead-lettering", "message_id", d.ID, "error", err)
		return m.broker.DeadLetter(ctx, d, "malformed job message")
	}
	log := m.log.With("job_id", msg.JobID, "job_type", msg.JobType, "stage", msg.Stage, "correlation_id", msg.CorrelationID)

	wf, err := m.workflows.Get(msg.JobType)
	if err != nil {
		log.Error("Unknown job_type, dead-lettering", "error", err)
		return m.broker.DeadLetter(ctx, d, err.Error())
	}

	job, err := m.jobs.GetByID(ctx, nil, msg.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Error("Job row missing for job message, dead-lettering")
		return m.broker.DeadLetter(ctx, d, "job record not found")
	}
	if err != nil {
		return m.abandonAfter(ctx, d, fmt.Errorf("load job: %w", err))
	}
	if domain.JobTerminal(job.Status) {
		log.Info("Job already terminal, dropping stale job message", "status", job.Status)
		return m.broker.Complete(ctx, d)
	}

	if err := m.jobs.UpdateStatus(ctx, nil, job.ID, domain.JobProcessing); err != nil {
		return m.abandonAfter(ctx, d, fmt.Errorf("mark job processing: %w", err))
	}
	if err := m.jobs.UpdateStage(ctx, nil, job.ID, msg.Stage); err != nil {
		return m.abandonAfter(ctx, d, fmt.Errorf("advance job stage pointer: %w", err))
	}

	stageDef, err := wf.Stage(msg.Stage)
	if err != nil {
		log.Error("Job message references undefined stage, dead-lettering", "error", err)
		return m.broker.DeadLetter(ctx, d, err.Error())
	}

	jobParams := decodeJSONMap(job.Parameters)

	var previous []domain.TaskResult
	if msg.Stage > 1 {
		previous, err = m.tasks.CompletedForStage(ctx, nil, job.ID, msg.Stage-1)
		if err != nil {
			return m.abandonAfter(ctx, d, fmt.Errorf("load previous stage results: %w", err))
		}
	}

	descriptors, err := wf.Tasks(stageDef, jobParams, previous)
	if err != nil {
		log.Error("Task factory failed, dead-lettering", "error", err)
		return m.broker.DeadLetter(ctx, d, err.Error())
	}

	if len(descriptors) == 0 {
		// empty fan-out: the stage is complete with no work performed
		log.Info("Stage produced zero tasks, advancing immediately")
		comp := &domain.StageCompletion{StageComplete: true}
		if err := m.advanceStage(ctx, job.ID, wf, msg.Stage, comp, msg.CorrelationID); err != nil {
			return m.abandonAfter(ctx, d, err)
		}
		return m.broker.Complete(ctx, d)
	}

	for _, desc := range descriptors {
		taskID := domain.TaskID(job.ID, msg.Stage, desc.TaskType, desc.TaskIndex)
		queue := m.router.Route(job.JobType, desc.TaskType, desc.Parameters, jobParams)

		rawParams, err := json.Marshal(desc.Parameters)
		if err != nil {
			return m.abandonAfter(ctx, d, fmt.Errorf("encode task parameters: %w", err))
		}
		task := &domain.Task{
			ID:          taskID,
			ParentJobID: job.ID,
			JobType:     job.JobType,
			TaskType:    desc.TaskType,
			Stage:       msg.Stage,
			TaskIndex:   desc.TaskIndex,
			Status:      domain.TaskPending,
			Parameters:  datatypes.JSON(rawParams),
			TargetQueue: queue,
		}
		if err := m.tasks.UpsertPending(ctx, nil, task); err != nil {
			return m.abandonAfter(ctx, d, fmt.Errorf("upsert task: %w", err))
		}

		tm := domain.TaskMessage{
			TaskID:        taskID,
			ParentJobID:   job.ID,
			JobType:       job.JobType,
			TaskType:      desc.TaskType,
			Stage:         msg.Stage,
			TaskIndex:     desc.TaskIndex,
			Parameters:    desc.Parameters,
			CorrelationID: msg.CorrelationID,
		}
		body, err := json.Marshal(tm)
		if err != nil {
			return m.abandonAfter(ctx, d, fmt.Errorf("encode task message: %w", err))
		}
		if _, err := m.broker.Send(ctx, queue, body); err != nil {
			return m.abandonAfter(ctx, d, fmt.Errorf("enqueue task message: %w", err))
		}
	}

	log.Info("Stage dispatched", "tasks", len(descriptors))
	return m.broker.Complete(ctx, d)
}

// ProcessTaskMessage executes one task delivery end to end: claim the
// row, run the handler, interpret its result, and drive the atomic
// completion check. The broker disposition encodes the outcome.
func (m *CoreMachine) ProcessTaskMessage(ctx context.Context, d *broker.Delivery, exec TaskExecution) error {
	var msg domain.TaskMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		m.log.Error("Malformed task message, dead-lettering", "message_id", d.ID, "error", err)
		return m.broker.DeadLetter(ctx, d, "malformed task message")
	}
	log := m.log.With(
		"task_id", msg.TaskID,
		"job_id", msg.ParentJobID,
		"task_type", msg.TaskType,
		"stage", msg.Stage,
		"correlation_id", msg.CorrelationID,
	)

	handler, err := m.handlers.Get(msg.TaskType)
	if err != nil {
		log.Error("No handler for task_type, dead-lettering", "error", err)
		return m.broker.DeadLetter(ctx, d, err.Error())
	}
	wf, err := m.workflows.Get(msg.JobType)
	if err != nil {
		log.Error("Unknown job_type on task message, dead-lettering", "error", err)
		return m.broker.DeadLetter(ctx, d, err.Error())
	}

	task, err := m.tasks.GetByID(ctx, nil, msg.TaskID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Error("Task row missing for task message, dead-lettering")
		return m.broker.DeadLetter(ctx, d, "task record not found")
	}
	if err != nil {
		return m.abandonAfter(ctx, d, fmt.Errorf("load task: %w", err))
	}
	if domain.TaskTerminal(task.Status) {
		log.Info("Task already terminal, acking redelivery", "status", task.Status)
		return m.broker.Complete(ctx, d)
	}

	if err := m.tasks.MarkProcessing(ctx, nil, task.ID, m.cfg.WorkerID, d.DeliveryCount); err != nil {
		return m.abandonAfter(ctx, d, fmt.Errorf("mark task processing: %w", err))
	}

	params := decodeJSONMap(task.Parameters)
	tc := m.newTaskContext(task, msg.CorrelationID, exec)
	result, herr := m.invoke(ctx, handler, params, tc)

	maxDelivery := m.maxDelivery(task.TargetQueue)
	switch {
	case herr != nil && d.DeliveryCount < maxDelivery:
		log.Warn("Handler failed, abandoning for retry", "error", herr, "delivery_count", d.DeliveryCount)
		return m.broker.Abandon(ctx, d)

	case herr != nil:
		log.Error("Handler failed on final delivery, marking task failed", "error", herr)
		return m.finishTask(ctx, d, wf, task, msg.CorrelationID, domain.TaskFailed, nil, herr.Error())

	case result == nil:
		log.Error("Handler returned no result, marking task failed")
		return m.finishTask(ctx, d, wf, task, msg.CorrelationID, domain.TaskFailed, nil, "handler returned no result")

	case result.Success && result.Interrupted:
		// checkpointed mid-flight: the task stays non-terminal and the
		// message goes back so another worker resumes from the checkpoint
		log.Info("Handler interrupted after checkpoint, abandoning for resume",
			"phase_completed", result.PhaseCompleted)
		return m.broker.Abandon(ctx, d)

	case result.Success:
		return m.finishTask(ctx, d, wf, task, msg.CorrelationID, domain.TaskCompleted, result.Result, "")

	case result.Retryable && d.DeliveryCount < maxDelivery:
		log.Warn("Handler reported retryable failure, abandoning",
			"error", result.Error, "error_code", result.ErrorCode, "delivery_count", d.DeliveryCount)
		return m.broker.Abandon(ctx, d)

	default:
		log.Error("Handler reported permanent failure, marking task failed",
			"error", result.Error, "error_code", result.ErrorCode)
		return m.finishTask(ctx, d, wf, task, msg.CorrelationID, domain.TaskFailed, result.Result, result.Error)
	}
}

func (m *CoreMachine) invoke(ctx context.Context, handler workflow.Handler, params map[string]any, tc workflow.TaskContext) (result *domain.HandlerResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, params, tc)
}

// finishTask drives the atomic completion check and, for exactly one
// caller per stage, the stage-advancement path.
func (m *CoreMachine) finishTask(ctx context.Context, d *broker.Delivery, wf *workflow.WorkflowDefinition, task *domain.Task, correlationID, status string, result map[string]any, errorDetails string) error {
	comp, err := m.tasks.CompleteAndCheckStage(ctx, task.ID, task.ParentJobID, task.Stage, status, result, errorDetails)
	if err != nil {
		return m.abandonAfter(ctx, d, fmt.Errorf("complete task: %w", err))
	}
	if comp.StageComplete {
		if err := m.advanceStage(ctx, task.ParentJobID, wf, task.Stage, comp, correlationID); err != nil {
			return m.abandonAfter(ctx, d, err)
		}
	}
	return m.broker.Complete(ctx, d)
}

// advanceStage runs once per (job, stage): record the aggregated stage
// result, then either emit the next stage's job message or finalize.
func (m *CoreMachine) advanceStage(ctx context.Context, jobID uuid.UUID, wf *workflow.WorkflowDefinition, stage int, comp *domain.StageCompletion, correlationID string) error {
	job, err := m.jobs.GetByID(ctx, nil, jobID)
	if err != nil {
		return fmt.Errorf("load job for stage advancement: %w", err)
	}
	log := m.log.With("job_id", job.ID, "job_type", job.JobType, "stage", stage, "correlation_id", correlationID)

	stageResult := domain.StageResult{Total: comp.Total, Succeeded: comp.Succeeded, Failed: comp.Failed}
	if err := m.jobs.SetStageResult(ctx, nil, job.ID, stage, stageResult); err != nil {
		return fmt.Errorf("record stage result: %w", err)
	}

	if comp.Failed > 0 && !wf.ContinueOnError {
		log.Error("Stage completed with failures and workflow does not continue on error",
			"failed", comp.Failed, "succeeded", comp.Succeeded)
		return m.failJob(ctx, job, stage)
	}

	if stage < wf.TotalStages() {
		next := domain.JobMessage{
			JobID:         job.ID,
			JobType:       job.JobType,
			Stage:         stage + 1,
			Parameters:    decodeJSONMap(job.Parameters),
			CorrelationID: correlationID,
		}
		body, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode next stage job message: %w", err)
		}
		if _, err := m.broker.Send(ctx, m.cfg.JobQueue, body); err != nil {
			return fmt.Errorf("enqueue next stage: %w", err)
		}
		log.Info("Stage complete, next stage enqueued",
			"succeeded", comp.Succeeded, "failed", comp.Failed, "next_stage", stage+1)
		return nil
	}

	return m.finalizeJob(ctx, job, wf, stage)
}

func (m *CoreMachine) failJob(ctx context.Context, job *domain.Job, stage int) error {
	failed, err := m.tasks.FailedForJob(ctx, nil, job.ID)
	if err != nil {
		return fmt.Errorf("load failed tasks: %w", err)
	}
	return m.jobs.Finalize(ctx, nil, job.ID, domain.JobFailed, nil, errorDetailsOf(stage, failed))
}

func (m *CoreMachine) finalizeJob(ctx context.Context, job *domain.Job, wf *workflow.WorkflowDefinition, lastStage int) error {
	log := m.log.With("job_id", job.ID, "job_type", job.JobType)

	// re-read for the stage result recorded just above
	job, err := m.jobs.GetByID(ctx, nil, job.ID)
	if err != nil {
		return fmt.Errorf("reload job for finalize: %w", err)
	}

	stageResults := decodeStageResults(job.StageResults)
	totalFailed := 0
	for _, sr := range stageResults {
		totalFailed += sr.Failed
	}

	finalResults, err := m.tasks.CompletedForStage(ctx, nil, job.ID, lastStage)
	if err != nil {
		return fmt.Errorf("load final stage results: %w", err)
	}

	resultData := map[string]any{}
	if wf.Finalize != nil {
		resultData, err = wf.Finalize(ctx, &workflow.FinalizeContext{
			Job:          job,
			StageResults: stageResults,
			FinalResults: finalResults,
		})
		if err != nil {
			return fmt.Errorf("workflow finalize: %w", err)
		}
	} else if len(finalResults) == 1 && finalResults[0].Result != nil {
		resultData = finalResults[0].Result
	}

	status := domain.JobCompleted
	var errDetails map[string]any
	if totalFailed > 0 {
		status = domain.JobCompletedWithErrors
		failed, err := m.tasks.FailedForJob(ctx, nil, job.ID)
		if err != nil {
			return fmt.Errorf("load failed tasks: %w", err)
		}
		errDetails = errorDetailsOf(lastStage, failed)
	}

	if err := m.jobs.Finalize(ctx, nil, job.ID, status, resultData, errDetails); err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	log.Info("Job finalized", "status", status, "failed_tasks", totalFailed)
	return nil
}

func (m *CoreMachine) abandonAfter(ctx context.Context, d *broker.Delivery, cause error) error {
	if abandonErr := m.broker.Abandon(ctx, d); abandonErr != nil && !errors.Is(abandonErr, broker.ErrLockLost) {
		m.log.Warn("Abandon failed", "message_id", d.ID, "error", abandonErr)
	}
	return cause
}

func errorDetailsOf(stage int, failed []domain.TaskResult) map[string]any {
	tasks := make([]map[string]any, 0, len(failed))
	for _, f := range failed {
		tasks = append(tasks, map[string]any{
			"task_id":    f.TaskID.String(),
			"task_type":  f.TaskType,
			"task_index": f.TaskIndex,
			"error":      f.Error,
		})
	}
	return map[string]any{
		"stage":        stage,
		"failed_count": len(failed),
		"failed_tasks": tasks,
	}
}

func decodeJSONMap(raw []byte) map[string]any {
	out := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return out
}

func decodeStageResults(raw []byte) map[int]domain.StageResult {
	byKey := map[string]domain.StageResult{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &byKey)
	}
	out := make(map[int]domain.StageResult, len(byKey))
	for k, v := range byKey {
		if n, err := strconv.Atoi(k); err == nil {
			out[n] = v
		}
	}
	return out
}
