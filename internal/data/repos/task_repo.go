package repos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/terralith/geoetl-backend/internal/domain"
	"github.com/terralith/geoetl-backend/internal/platform/logger"
)

type TaskRepo interface {
	UpsertPending(ctx context.Context, tx *gorm.DB, task *domain.Task) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Task, error)
	MarkProcessing(ctx context.Context, tx *gorm.DB, id uuid.UUID, workerID string, deliveryCount int) error
	UpdateCheckpoint(ctx context.Context, tx *gorm.DB, id uuid.UUID, phase int, payload map[string]any) error
	UpdateProgress(ctx context.Context, tx *gorm.DB, id uuid.UUID, percent int, message string) error
	CompletedForStage(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, stage int) ([]domain.TaskResult, error)
	ListForJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]domain.Task, error)
	FailedForJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]domain.TaskResult, error)
	CompleteAndCheckStage(ctx context.Context, taskID, jobID uuid.UUID, stage int, status string, result map[string]any, errorDetails string) (*domain.StageCompletion, error)
}

type taskRepo struct {
	// db resolves the current pool on every call so credential-driven
	// pool rebuilds take effect without rewiring.
	db  func() *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db func() *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{
		db:  db,
		log: baseLog.With("repo", "TaskRepo"),
	}
}

func (r *taskRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db()
}

// UpsertPending inserts the task row if its deterministic id is new and
// leaves an existing row untouched, so redelivered job messages never
// reset task state.
func (r *taskRepo) UpsertPending(ctx context.Context, tx *gorm.DB, task *domain.Task) error {
	if task == nil || task.ID == uuid.Nil {
		return fmt.Errorf("task with nil id")
	}
	now := time.Now()
	if task.Status == "" {
		task.Status = domain.TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	return r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(task).Error
}

func (r *taskRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Task, error) {
	var task domain.Task
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// MarkProcessing transitions into PROCESSING. execution_started_at is set
// on the first entry only; redeliveries re-enter PROCESSING and keep it.
func (r *taskRepo) MarkProcessing(ctx context.Context, tx *gorm.DB, id uuid.UUID, workerID string, deliveryCount int) error {
	conn := r.conn(tx).WithContext(ctx)
	now := time.Now()

	retryCount := deliveryCount - 1
	if retryCount < 0 {
		retryCount = 0
	}

	res := conn.Model(&domain.Task{}).
		Where("id = ? AND status IN ?", id, []string{domain.TaskPending, domain.TaskProcessing}).
		Updates(map[string]interface{}{
			"status":               domain.TaskProcessing,
			"execution_started_at": gorm.Expr("COALESCE(execution_started_at, ?)", now),
			"executed_by_app":      workerID,
			"retry_count":          retryCount,
			"updated_at":           now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		task, err := r.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		return &domain.InvalidTransitionError{Entity: "task", From: task.Status, To: domain.TaskProcessing}
	}
	return nil
}

// UpdateCheckpoint persists phase progress. The phase is monotonically
// non-decreasing while the task is non-terminal; stale writes from a
// concurrent redelivery are dropped.
func (r *taskRepo) UpdateCheckpoint(ctx context.Context, tx *gorm.DB, id uuid.UUID, phase int, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode checkpoint payload: %w", err)
	}
	now := time.Now()
	return r.conn(tx).WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND checkpoint_phase <= ? AND status NOT IN ?",
			id, phase, []string{domain.TaskCompleted, domain.TaskFailed}).
		Updates(map[string]interface{}{
			"checkpoint_phase":      phase,
			"checkpoint_data":       datatypes.JSON(raw),
			"checkpoint_updated_at": now,
			"updated_at":            now,
		}).Error
}

func (r *taskRepo) UpdateProgress(ctx context.Context, tx *gorm.DB, id uuid.UUID, percent int, message string) error {
	return r.conn(tx).WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status = ?", id, domain.TaskProcessing).
		Updates(map[string]interface{}{
			"progress_percent": percent,
			"progress_message": message,
			"updated_at":       time.Now(),
		}).Error
}

func (r *taskRepo) CompletedForStage(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, stage int) ([]domain.TaskResult, error) {
	var tasks []domain.Task
	err := r.conn(tx).WithContext(ctx).
		Where("parent_job_id = ? AND stage = ? AND status = ?", jobID, stage, domain.TaskCompleted).
		Order("task_index ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.TaskResult, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResultOf(&t))
	}
	return out, nil
}

func (r *taskRepo) ListForJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]domain.Task, error) {
	var tasks []domain.Task
	err := r.conn(tx).WithContext(ctx).
		Where("parent_job_id = ?", jobID).
		Order("stage ASC, task_index ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepo) FailedForJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]domain.TaskResult, error) {
	var tasks []domain.Task
	err := r.conn(tx).WithContext(ctx).
		Where("parent_job_id = ? AND status = ?", jobID, domain.TaskFailed).
		Order("stage ASC, task_index ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.TaskResult, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResultOf(&t))
	}
	return out, nil
}

func taskResultOf(t *domain.Task) domain.TaskResult {
	res := domain.TaskResult{
		TaskID:    t.ID,
		TaskType:  t.TaskType,
		TaskIndex: t.TaskIndex,
		Status:    t.Status,
		Error:     t.ErrorDetails,
	}
	if len(t.ResultData) > 0 {
		var m map[string]any
		if err := json.Unmarshal(t.ResultData, &m); err == nil {
			res.Result = m
		}
	}
	return res
}

// CompleteAndCheckStage is the critical atomic primitive. In a single
// transaction it serializes on an advisory lock keyed by (job_id, stage),
// writes the task's terminal status and result, counts the stage, and
// reports StageComplete=true only to the caller whose write left zero
// non-terminal tasks. Every other caller (including redeliveries of an
// already-terminal task) observes StageComplete=false.
func (r *taskRepo) CompleteAndCheckStage(ctx context.Context, taskID, jobID uuid.UUID, stage int, status string, result map[string]any, errorDetails string) (*domain.StageCompletion, error) {
	if !domain.TaskTerminal(status) {
		return nil, &domain.InvalidTransitionError{Entity: "task", From: domain.TaskProcessing, To: status}
	}

	var out domain.StageCompletion
	err := r.db().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.lockStage(tx, jobID, stage); err != nil {
			return err
		}

		updates := map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		}
		if result != nil {
			raw, err := json.Marshal(result)
			if err != nil {
				return fmt.Errorf("encode result_data: %w", err)
			}
			updates["result_data"] = datatypes.JSON(raw)
		}
		if errorDetails != "" {
			updates["error_details"] = errorDetails
		}

		res := tx.Model(&domain.Task{}).
			Where("id = ? AND status NOT IN ?", taskID, []string{domain.TaskCompleted, domain.TaskFailed}).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		madeTerminal := res.RowsAffected > 0

		type statusCount struct {
			Status string
			N      int
		}
		var counts []statusCount
		if err := tx.Model(&domain.Task{}).
			Select("status, COUNT(*) AS n").
			Where("parent_job_id = ? AND stage = ?", jobID, stage).
			Group("status").
			Scan(&counts).Error; err != nil {
			return err
		}

		nonTerminal := 0
		for _, c := range counts {
			out.Total += c.N
			switch c.Status {
			case domain.TaskCompleted:
				out.Succeeded += c.N
			case domain.TaskFailed:
				out.Failed += c.N
			default:
				nonTerminal += c.N
			}
		}

		out.StageComplete = madeTerminal && nonTerminal == 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// lockStage takes the per-(job, stage) critical section for the life of
// the surrounding transaction. On Postgres this is a transaction-scoped
// advisory lock; elsewhere a stage_guards coordination row is upserted
// and then updated, which holds its row lock until commit.
func (r *taskRepo) lockStage(tx *gorm.DB, jobID uuid.UUID, stage int) error {
	if isPostgres(tx) {
		key := fmt.Sprintf("%s:%d", jobID, stage)
		return tx.Exec("SELECT pg_advisory_xact_lock(hashtextextended(?, 0))", key).Error
	}

	guard := domain.StageGuard{JobID: jobID, Stage: stage, UpdatedAt: time.Now()}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&guard).Error; err != nil {
		return err
	}
	return tx.Model(&domain.StageGuard{}).
		Where("job_id = ? AND stage = ?", jobID, stage).
		Update("updated_at", time.Now()).Error
}
