package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/terralith/geoetl-backend/internal/checkpoint"
	"github.com/terralith/geoetl-backend/internal/domain"
	"github.com/terralith/geoetl-backend/internal/platform/logger"
	"github.com/terralith/geoetl-backend/internal/platform/shutdown"
	"github.com/terralith/geoetl-backend/internal/workflow"
)

type ExecMode string

const (
	// ModeShort: serverless-style invocation. No checkpoint, no shutdown
	// awareness; the runtime deadline is the only bound.
	ModeShort ExecMode = "short"
	// ModeLong: container worker. Checkpoint-aware resume and cooperative
	// shutdown between phases.
	ModeLong ExecMode = "long"
)

// TaskExecution describes the hosting worker for one task invocation.
type TaskExecution struct {
	Mode     ExecMode
	Shutdown *shutdown.Signal
}

// taskContext implements workflow.TaskContext for both worker modes.
type taskContext struct {
	task          *domain.Task
	correlationID string
	cp            workflow.Checkpoint
	sig           *shutdown.Signal
	machine       *CoreMachine
	log           *logger.Logger
}

func (m *CoreMachine) newTaskContext(task *domain.Task, correlationID string, exec TaskExecution) *taskContext {
	tc := &taskContext{
		task:          task,
		correlationID: correlationID,
		machine:       m,
		log:           m.log.With("task_id", task.ID, "job_id", task.ParentJobID),
	}
	if exec.Mode == ModeLong {
		tc.cp = m.checkpoints.ForTask(task)
		tc.sig = exec.Shutdown
	} else {
		tc.cp = checkpoint.Noop{}
	}
	return tc
}

func (c *taskContext) TaskID() uuid.UUID               { return c.task.ID }
func (c *taskContext) JobID() uuid.UUID                { return c.task.ParentJobID }
func (c *taskContext) CorrelationID() string           { return c.correlationID }
func (c *taskContext) Checkpoint() workflow.Checkpoint { return c.cp }

func (c *taskContext) ShutdownRequested() bool {
	return c.sig != nil && c.sig.IsSet()
}

func (c *taskContext) ReportProgress(ctx context.Context, percent int, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if err := c.machine.tasks.UpdateProgress(ctx, nil, c.task.ID, percent, message); err != nil {
		c.log.Warn("Progress update failed", "error", err)
	}
}
