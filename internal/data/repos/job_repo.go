package repos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/terralith/geoetl-backend/internal/domain"
	"github.com/terralith/geoetl-backend/internal/platform/logger"
)

type JobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, job *domain.Job) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Job, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, newStatus string) error
	UpdateStage(ctx context.Context, tx *gorm.DB, id uuid.UUID, newStage int) error
	SetStageResult(ctx context.Context, tx *gorm.DB, id uuid.UUID, stage int, result domain.StageResult) error
	Finalize(ctx context.Context, tx *gorm.DB, id uuid.UUID, status string, resultData map[string]any, errorDetails map[string]any) error
}

type jobRepo struct {
	// db resolves the current pool on every call so credential-driven
	// pool rebuilds take effect without rewiring.
	db  func() *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db func() *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db()
}

func (r *jobRepo) Create(ctx context.Context, tx *gorm.DB, job *domain.Job) error {
	if job == nil || job.ID == uuid.Nil {
		return fmt.Errorf("job with nil id")
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	err := r.conn(tx).WithContext(ctx).Create(job).Error
	if err != nil && isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

func (r *jobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Job, error) {
	var job domain.Job
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateStatus applies a transition-validated status change. Writing the
// status the row already has is an idempotent no-op. Any other write from
// a state the matrix forbids raises InvalidTransitionError.
func (r *jobRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, newStatus string) error {
	conn := r.conn(tx).WithContext(ctx)

	validFrom := make([]string, 0, 2)
	for _, from := range []string{domain.JobQueued, domain.JobProcessing} {
		if from != newStatus && domain.CanTransitionJob(from, newStatus) {
			validFrom = append(validFrom, from)
		}
	}

	res := conn.Model(&domain.Job{}).
		Where("id = ? AND status IN ?", id, validFrom).
		Updates(map[string]interface{}{
			"status":     newStatus,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	job, err := r.GetByID(ctx, tx, id)
	if err != nil {
		return err
	}
	if job.Status == newStatus && !domain.JobTerminal(newStatus) {
		return nil
	}
	if job.Status == newStatus {
		// terminal row rewritten with its own status: treat as no-op
		return nil
	}
	return &domain.InvalidTransitionError{Entity: "job", From: job.Status, To: newStatus}
}

// UpdateStage moves the stage pointer forward. The stage is monotonically
// non-decreasing; a smaller value is silently ignored (stale redelivery).
func (r *jobRepo) UpdateStage(ctx context.Context, tx *gorm.DB, id uuid.UUID, newStage int) error {
	return r.conn(tx).WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND stage < ?", id, newStage).
		Updates(map[string]interface{}{
			"stage":      newStage,
			"updated_at": time.Now(),
		}).Error
}

func (r *jobRepo) SetStageResult(ctx context.Context, tx *gorm.DB, id uuid.UUID, stage int, result domain.StageResult) error {
	conn := r.conn(tx).WithContext(ctx)
	job, err := r.GetByID(ctx, tx, id)
	if err != nil {
		return err
	}

	results := map[string]domain.StageResult{}
	if len(job.StageResults) > 0 {
		if err := json.Unmarshal(job.StageResults, &results); err != nil {
			return fmt.Errorf("decode stage_results: %w", err)
		}
	}
	results[strconv.Itoa(stage)] = result
	raw, err := json.Marshal(results)
	if err != nil {
		return err
	}

	return conn.Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"stage_results": datatypes.JSON(raw),
			"updated_at":    time.Now(),
		}).Error
}

// Finalize writes the terminal status with result data in one update,
// guarded by the transition matrix (only a processing job can finish).
func (r *jobRepo) Finalize(ctx context.Context, tx *gorm.DB, id uuid.UUID, status string, resultData map[string]any, errorDetails map[string]any) error {
	if !domain.JobTerminal(status) {
		return &domain.InvalidTransitionError{Entity: "job", From: domain.JobProcessing, To: status}
	}
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if resultData != nil {
		raw, err := json.Marshal(resultData)
		if err != nil {
			return err
		}
		updates["result_data"] = datatypes.JSON(raw)
	}
	if errorDetails != nil {
		raw, err := json.Marshal(errorDetails)
		if err != nil {
			return err
		}
		updates["error_details"] = datatypes.JSON(raw)
	}

	res := r.conn(tx).WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, domain.JobProcessing).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		job, err := r.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Status == status {
			return nil
		}
		return &domain.InvalidTransitionError{Entity: "job", From: job.Status, To: status}
	}
	return nil
}
