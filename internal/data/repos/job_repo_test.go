package repos

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/terralith/geoetl-backend/internal/domain"
	"github.com/terralith/geoetl-backend/internal/platform/logger"
)

func newTestJob(t *testing.T) *domain.Job {
	t.Helper()
	id, err := domain.JobID("raster_ingest", map[string]any{"collection": t.Name()})
	if err != nil {
		t.Fatalf("JobID: %v", err)
	}
	return &domain.Job{
		ID:          id,
		JobType:     "raster_ingest",
		Status:      domain.JobQueued,
		Stage:       1,
		TotalStages: 3,
		Parameters:  datatypes.JSON(`{"collection":"c"}`),
	}
}

func TestJobRepo_CreateDuplicateReturnsAlreadyExists(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepo(testDB(t), logger.NewNop())

	job := newTestJob(t)
	if err := repo.Create(ctx, nil, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dup := *job
	if err := repo.Create(ctx, nil, &dup); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate Create: %v, want ErrAlreadyExists", err)
	}
}

func TestJobRepo_GetByIDNotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepo(testDB(t), logger.NewNop())
	if _, err := repo.GetByID(ctx, nil, uuid.New()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetByID: %v, want ErrNotFound", err)
	}
}

func TestJobRepo_UpdateStatusTransitions(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepo(testDB(t), logger.NewNop())
	job := newTestJob(t)
	if err := repo.Create(ctx, nil, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repo.UpdateStatus(ctx, nil, job.ID, domain.JobProcessing); err != nil {
		t.Fatalf("queued -> processing: %v", err)
	}
	// same-status rewrite is an idempotent no-op
	if err := repo.UpdateStatus(ctx, nil, job.ID, domain.JobProcessing); err != nil {
		t.Fatalf("processing -> processing no-op: %v", err)
	}
	// processing -> queued is illegal
	var itErr *domain.InvalidTransitionError
	if err := repo.UpdateStatus(ctx, nil, job.ID, domain.JobQueued); !errors.As(err, &itErr) {
		t.Fatalf("processing -> queued: %v, want InvalidTransitionError", err)
	}
}

func TestJobRepo_UpdateStageMonotonic(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepo(testDB(t), logger.NewNop())
	job := newTestJob(t)
	_ = repo.Create(ctx, nil, job)

	if err := repo.UpdateStage(ctx, nil, job.ID, 2); err != nil {
		t.Fatalf("UpdateStage: %v", err)
	}
	// stale redelivery pointing backwards is silently dropped
	if err := repo.UpdateStage(ctx, nil, job.ID, 1); err != nil {
		t.Fatalf("stale UpdateStage: %v", err)
	}
	got, _ := repo.GetByID(ctx, nil, job.ID)
	if got.Stage != 2 {
		t.Fatalf("stage = %d, want 2", got.Stage)
	}
}

func TestJobRepo_SetStageResultAccumulates(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepo(testDB(t), logger.NewNop())
	job := newTestJob(t)
	_ = repo.Create(ctx, nil, job)

	if err := repo.SetStageResult(ctx, nil, job.ID, 1, domain.StageResult{Total: 1, Succeeded: 1}); err != nil {
		t.Fatalf("SetStageResult 1: %v", err)
	}
	if err := repo.SetStageResult(ctx, nil, job.ID, 2, domain.StageResult{Total: 4, Succeeded: 3, Failed: 1}); err != nil {
		t.Fatalf("SetStageResult 2: %v", err)
	}

	got, _ := repo.GetByID(ctx, nil, job.ID)
	var results map[string]domain.StageResult
	if err := json.Unmarshal(got.StageResults, &results); err != nil {
		t.Fatalf("decode stage_results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("stage_results entries = %d, want 2", len(results))
	}
	if results["2"].Failed != 1 {
		t.Fatalf("stage 2 failed = %d, want 1", results["2"].Failed)
	}
}

func TestJobRepo_FinalizeFromProcessingOnly(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepo(testDB(t), logger.NewNop())
	job := newTestJob(t)
	_ = repo.Create(ctx, nil, job)

	// queued job cannot be finalized
	var itErr *domain.InvalidTransitionError
	if err := repo.Finalize(ctx, nil, job.ID, domain.JobCompleted, nil, nil); !errors.As(err, &itErr) {
		t.Fatalf("finalize queued job: %v, want InvalidTransitionError", err)
	}

	_ = repo.UpdateStatus(ctx, nil, job.ID, domain.JobProcessing)
	if err := repo.Finalize(ctx, nil, job.ID, domain.JobCompleted,
		map[string]any{"items": 3}, nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	got, _ := repo.GetByID(ctx, nil, job.ID)
	if got.Status != domain.JobCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if len(got.ResultData) == 0 {
		t.Fatalf("result_data not written")
	}

	// finalizing again with the same status is a no-op
	if err := repo.Finalize(ctx, nil, job.ID, domain.JobCompleted, nil, nil); err != nil {
		t.Fatalf("repeat Finalize: %v", err)
	}
	// but a different terminal status is rejected
	if err := repo.Finalize(ctx, nil, job.ID, domain.JobFailed, nil, nil); !errors.As(err, &itErr) {
		t.Fatalf("re-finalize to failed: %v, want InvalidTransitionError", err)
	}
}
