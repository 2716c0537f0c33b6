package domain

// Job statuses.
const (
	JobQueued              = "queued"
	JobProcessing          = "processing"
	JobCompleted           = "completed"
	JobCompletedWithErrors = "completed_with_errors"
	JobFailed              = "failed"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

func JobTerminal(status string) bool {
	switch status {
	case JobCompleted, JobCompletedWithErrors, JobFailed:
		return true
	default:
		return false
	}
}

func TaskTerminal(status string) bool {
	return status == TaskCompleted || status == TaskFailed
}

// CanTransitionJob reports whether a job status transition is legal.
// Terminal states are sinks; same-status transitions are idempotent no-ops
// and allowed for non-terminal states.
func CanTransitionJob(from, to string) bool {
	if from == to {
		return !JobTerminal(from)
	}
	switch from {
	case JobQueued:
		return to == JobProcessing
	case JobProcessing:
		return to == JobCompleted || to == JobCompletedWithErrors || to == JobFailed
	default:
		return false
	}
}

// CanTransitionTask reports whether a task status transition is legal.
// PROCESSING -> PROCESSING is allowed: redelivery of an interrupted task
// re-enters processing on another worker.
func CanTransitionTask(from, to string) bool {
	switch from {
	case TaskPending:
		return to == TaskProcessing
	case TaskProcessing:
		return to == TaskProcessing || to == TaskCompleted || to == TaskFailed
	default:
		return false
	}
}
