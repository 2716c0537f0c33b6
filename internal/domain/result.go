package domain

import "github.com/google/uuid"

// HandlerResult is the contract every task handler returns.
type HandlerResult struct {
	Success        bool           `json:"success"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	Retryable      bool           `json:"retryable,omitempty"`
	Interrupted    bool           `json:"interrupted,omitempty"`
	PhaseCompleted int            `json:"phase_completed,omitempty"`
	Resumable      bool           `json:"resumable,omitempty"`
}

// TaskResult is the per-task summary carried into stage aggregation and
// fan-in parameters.
type TaskResult struct {
	TaskID    uuid.UUID      `json:"task_id"`
	TaskType  string         `json:"task_type"`
	TaskIndex int            `json:"task_index"`
	Status    string         `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// StageResult is the aggregated summary recorded on the job once a stage
// is fully complete.
type StageResult struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// StageCompletion is the outcome of the atomic completion check.
// StageComplete is true for exactly one caller per (job, stage): the one
// whose terminal write left zero non-terminal tasks behind.
type StageCompletion struct {
	StageComplete bool
	Total         int
	Succeeded     int
	Failed        int
}
