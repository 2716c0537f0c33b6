package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Job is one submission instance. The ID is a deterministic hash of
// job_type plus canonical parameters, so a resubmission with identical
// parameters lands on the existing row.
type Job struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobType       string         `gorm:"column:job_type;not null;index" json:"job_type"`
	Status        string         `gorm:"column:status;not null;index" json:"status"`
	Stage         int            `gorm:"column:stage;not null;default:1" json:"stage"`
	TotalStages   int            `gorm:"column:total_stages;not null" json:"total_stages"`
	Parameters    datatypes.JSON `gorm:"column:parameters;type:jsonb" json:"parameters"`
	StageResults  datatypes.JSON `gorm:"column:stage_results;type:jsonb" json:"stage_results"`
	ResultData    datatypes.JSON `gorm:"column:result_data;type:jsonb" json:"result_data"`
	ErrorDetails  datatypes.JSON `gorm:"column:error_details;type:jsonb" json:"error_details,omitempty"`
	CorrelationID string         `gorm:"column:correlation_id" json:"correlation_id,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }

// Task is one unit of work within a stage. The ID is a deterministic hash
// of (job_id, stage, task_type, task_index); retries of the same logical
// task never create new rows.
type Task struct {
	ID                  uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ParentJobID         uuid.UUID      `gorm:"type:uuid;not null;index:idx_tasks_job_stage" json:"parent_job_id"`
	JobType             string         `gorm:"column:job_type;not null" json:"job_type"`
	TaskType            string         `gorm:"column:task_type;not null" json:"task_type"`
	Stage               int            `gorm:"column:stage;not null;index:idx_tasks_job_stage" json:"stage"`
	TaskIndex           int            `gorm:"column:task_index;not null" json:"task_index"`
	Status              string         `gorm:"column:status;not null;index" json:"status"`
	Parameters          datatypes.JSON `gorm:"column:parameters;type:jsonb" json:"parameters"`
	ResultData          datatypes.JSON `gorm:"column:result_data;type:jsonb" json:"result_data"`
	ErrorDetails        string         `gorm:"column:error_details" json:"error_details,omitempty"`
	RetryCount          int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	CheckpointPhase     int            `gorm:"column:checkpoint_phase;not null;default:0" json:"checkpoint_phase"`
	CheckpointData      datatypes.JSON `gorm:"column:checkpoint_data;type:jsonb" json:"checkpoint_data,omitempty"`
	CheckpointUpdatedAt *time.Time     `gorm:"column:checkpoint_updated_at" json:"checkpoint_updated_at,omitempty"`
	ExecutionStartedAt  *time.Time     `gorm:"column:execution_started_at" json:"execution_started_at,omitempty"`
	ProgressPercent     int            `gorm:"column:progress_percent;not null;default:0" json:"progress_percent"`
	ProgressMessage     string         `gorm:"column:progress_message" json:"progress_message,omitempty"`
	TargetQueue         string         `gorm:"column:target_queue" json:"target_queue,omitempty"`
	ExecutedByApp       string         `gorm:"column:executed_by_app" json:"executed_by_app,omitempty"`
	CreatedAt           time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"not null" json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }

// StageGuard is the coordination row used in place of a Postgres advisory
// lock on dialects that lack one. The completion-check transaction updates
// this row first, serializing concurrent completions for the same stage.
type StageGuard struct {
	JobID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	Stage     int       `gorm:"primaryKey"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (StageGuard) TableName() string { return "stage_guards" }
