package domain

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// JobMessage dispatches one stage of a job. Stage 1 is enqueued at
// submission; stage N+1 by the last completer of stage N.
type JobMessage struct {
	JobID         uuid.UUID      `json:"job_id"`
	JobType       string         `json:"job_type"`
	Stage         int            `json:"stage"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// TaskMessage dispatches one task to a routed task queue.
type TaskMessage struct {
	TaskID        uuid.UUID      `json:"task_id"`
	ParentJobID   uuid.UUID      `json:"parent_job_id"`
	JobType       string         `json:"job_type"`
	TaskType      string         `json:"task_type"`
	Stage         int            `json:"stage"`
	TaskIndex     int            `json:"task_index"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

var (
	// jobIDNamespace and taskIDNamespace keep the two id families in their
	// own SHA1 UUID namespaces.
	jobIDNamespace  = uuid.NewSHA1(uuid.NameSpaceOID, []byte("geoetl.job"))
	taskIDNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("geoetl.task"))
)

// JobID derives the stable job id for (job_type, parameters). Encoding
// goes through json.Marshal, which emits map keys in sorted order, so two
// submissions with the same logical parameters hash identically.
func JobID(jobType string, params map[string]any) (uuid.UUID, error) {
	canonical, err := json.Marshal(params)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode job parameters: %w", err)
	}
	h := sha1.New()
	h.Write([]byte(jobType))
	h.Write([]byte{0})
	h.Write(canonical)
	return uuid.NewSHA1(jobIDNamespace, h.Sum(nil)), nil
}

// TaskID derives the stable task id for (job, stage, task_type, index).
// Stable across retries and restarts, so upserts converge on one row.
func TaskID(jobID uuid.UUID, stage int, taskType string, taskIndex int) uuid.UUID {
	h := sha1.New()
	h.Write(jobID[:])
	h.Write([]byte{byte(stage >> 24), byte(stage >> 16), byte(stage >> 8), byte(stage)})
	h.Write([]byte(taskType))
	h.Write([]byte{byte(taskIndex >> 24), byte(taskIndex >> 16), byte(taskIndex >> 8), byte(taskIndex)})
	return uuid.NewSHA1(taskIDNamespace, h.Sum(nil))
}
