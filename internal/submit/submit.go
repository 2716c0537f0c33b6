package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/terralith/geoetl-backend/internal/broker"
	"github.com/terralith/geoetl-backend/internal/data/repos"
	"github.com/terralith/geoetl-backend/internal/domain"
	"github.com/terralith/geoetl-backend/internal/platform/ctxutil"
	"github.com/terralith/geoetl-backend/internal/platform/logger"
	"github.com/terralith/geoetl-backend/internal/workflow"
)

// Disposition of a submission relative to prior identical submissions.
const (
	Created          = "created"
	InProgress       = "in_progress"
	AlreadyCompleted = "already_completed"
)

// QueueInfo identifies the stage-1 message a submission produced.
type QueueInfo struct {
	QueueName string `json:"queue_name"`
	MessageID string `json:"message_id"`
}

type SubmitResult struct {
	JobID       uuid.UUID `json:"job_id"`
	Disposition string    `json:"disposition"`
	Status      string    `json:"status"`
	// Idempotent is true when the submission matched an existing job.
	Idempotent bool       `json:"idempotent"`
	QueueInfo  *QueueInfo `json:"queue_info,omitempty"`
	// ResultData is populated only for already-completed jobs.
	ResultData map[string]any `json:"result_data,omitempty"`
}

// Service performs idempotent job submission: validate, derive the
// deterministic job id, create-or-reuse the row, and enqueue stage 1
// only for a fresh row.
type Service struct {
	log       *logger.Logger
	jobs      repos.JobRepo
	workflows *workflow.Registry
	broker    broker.Broker
	jobQueue  string
}

func NewService(baseLog *logger.Logger, jobs repos.JobRepo, workflows *workflow.Registry, brk broker.Broker, jobQueue string) *Service {
	return &Service{
		log:       baseLog.With("service", "SubmitService"),
		jobs:      jobs,
		workflows: workflows,
		broker:    brk,
		jobQueue:  jobQueue,
	}
}

func (s *Service) Submit(ctx context.Context, jobType string, params map[string]any) (*SubmitResult, error) {
	wf, err := s.workflows.Get(jobType)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	if wf.Validate != nil {
		params, err = wf.Validate(params)
		if err != nil {
			return nil, err
		}
	}

	jobID, err := domain.JobID(jobType, params)
	if err != nil {
		return nil, err
	}
	log := s.log.With("job_id", jobID, "job_type", jobType)

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode job parameters: %w", err)
	}

	correlationID := ""
	if td := ctxutil.GetTraceData(ctx); td != nil {
		correlationID = td.CorrelationID
	}

	job := &domain.Job{
		ID:            jobID,
		JobType:       jobType,
		Status:        domain.JobQueued,
		Stage:         1,
		TotalStages:   wf.TotalStages(),
		Parameters:    datatypes.JSON(rawParams),
		CorrelationID: correlationID,
	}

	err = s.jobs.Create(ctx, nil, job)
	if errors.Is(err, domain.ErrAlreadyExists) {
		existing, getErr := s.jobs.GetByID(ctx, nil, jobID)
		if getErr != nil {
			return nil, getErr
		}
		result := &SubmitResult{JobID: jobID, Status: existing.Status, Idempotent: true}
		switch {
		case domain.JobTerminal(existing.Status):
			result.Disposition = AlreadyCompleted
			if len(existing.ResultData) > 0 {
				resultData := map[string]any{}
				if err := json.Unmarshal(existing.ResultData, &resultData); err == nil {
					result.ResultData = resultData
				}
			}
		case existing.Status == domain.JobQueued:
			// The earlier submit may have died between Create and Send. Stage
			// dispatch is idempotent, so re-enqueuing stage 1 is safe.
			result.Disposition = InProgress
			qi, err := s.enqueueStage1(ctx, jobID, jobType, params, correlationID)
			if err != nil {
				return nil, err
			}
			result.QueueInfo = qi
		default:
			result.Disposition = InProgress
		}
		log.Info("Duplicate submission, returning existing job",
			"status", existing.Status, "disposition", result.Disposition)
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	qi, err := s.enqueueStage1(ctx, jobID, jobType, params, correlationID)
	if err != nil {
		// The row exists but stage 1 never left; the caller sees the error
		// and retries, landing on the duplicate path which re-enqueues.
		return nil, err
	}

	log.Info("Job submitted", "total_stages", wf.TotalStages())
	return &SubmitResult{
		JobID:       jobID,
		Disposition: Created,
		Status:      domain.JobQueued,
		QueueInfo:   qi,
	}, nil
}

func (s *Service) enqueueStage1(ctx context.Context, jobID uuid.UUID, jobType string, params map[string]any, correlationID string) (*QueueInfo, error) {
	msg := domain.JobMessage{
		JobID:         jobID,
		JobType:       jobType,
		Stage:         1,
		Parameters:    params,
		CorrelationID: correlationID,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode job message: %w", err)
	}
	messageID, err := s.broker.Send(ctx, s.jobQueue, body)
	if err != nil {
		return nil, fmt.Errorf("enqueue stage 1: %w", err)
	}
	return &QueueInfo{QueueName: s.jobQueue, MessageID: messageID}, nil
}

// Get returns the job row for status queries.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return s.jobs.GetByID(ctx, nil, id)
}
