package checkpoint

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/terralith/geoetl-backend/internal/data/repos"
	"github.com/terralith/geoetl-backend/internal/domain"
	"github.com/terralith/geoetl-backend/internal/platform/logger"
)

// validatorKeyField stores the artifact validator name inside the
// checkpoint payload so resume can re-run it.
const validatorKeyField = "_artifact_validator"

// ArtifactValidator re-queries an external collaborator and reports
// whether a phase's output still exists. Registered by name at process
// start; a checkpoint save references the name, not the function.
type ArtifactValidator func(ctx context.Context, payload map[string]any) bool

// Manager owns checkpoint reads/writes; no other component touches the
// checkpoint columns.
type Manager struct {
	mu         sync.RWMutex
	tasks      repos.TaskRepo
	log        *logger.Logger
	validators map[string]ArtifactValidator
}

func NewManager(tasks repos.TaskRepo, baseLog *logger.Logger) *Manager {
	return &Manager{
		tasks:      tasks,
		log:        baseLog.With("service", "CheckpointManager"),
		validators: make(map[string]ArtifactValidator),
	}
}

func (m *Manager) RegisterValidator(name string, v ArtifactValidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[name] = v
}

func (m *Manager) validator(name string) ArtifactValidator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validators[name]
}

// ForTask builds the per-task handle from the task row as delivered.
func (m *Manager) ForTask(task *domain.Task) *Handle {
	h := &Handle{
		m:      m,
		taskID: task.ID,
		phase:  task.CheckpointPhase,
		data:   map[string]any{},
	}
	if len(task.CheckpointData) > 0 {
		_ = json.Unmarshal(task.CheckpointData, &h.data)
	}
	return h
}

// Handle is the checkpoint surface for one task execution. It implements
// workflow.Checkpoint.
type Handle struct {
	m      *Manager
	taskID uuid.UUID
	mu     sync.Mutex
	phase  int
	data   map[string]any
}

func (h *Handle) Phase() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

// ShouldSkip reports whether phase already completed. When the saved
// payload names an artifact validator, the validator must also confirm
// the phase's output still exists; a deleted artifact forces a re-run.
func (h *Handle) ShouldSkip(ctx context.Context, phase int) bool {
	h.mu.Lock()
	currentPhase := h.phase
	data := h.data
	h.mu.Unlock()

	if currentPhase < phase {
		return false
	}
	name, _ := data[validatorKeyField].(string)
	if name == "" {
		return true
	}
	v := h.m.validator(name)
	if v == nil {
		h.m.log.Warn("Checkpoint references unknown artifact validator, forcing re-run",
			"task_id", h.taskID, "validator", name)
		return false
	}
	if !v(ctx, data) {
		h.m.log.Info("Checkpoint artifact missing, re-running phase",
			"task_id", h.taskID, "phase", phase, "validator", name)
		return false
	}
	return true
}

// Save persists the phase and payload. Phase regressions are rejected
// locally and dropped by the store, so a stale concurrent execution can
// never roll progress back.
func (h *Handle) Save(ctx context.Context, phase int, payload map[string]any, validator string) error {
	h.mu.Lock()
	if phase < h.phase {
		h.mu.Unlock()
		return nil
	}
	merged := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		merged[k] = v
	}
	if validator != "" {
		merged[validatorKeyField] = validator
	}
	h.mu.Unlock()

	if err := h.m.tasks.UpdateCheckpoint(ctx, nil, h.taskID, phase, merged); err != nil {
		return err
	}

	h.mu.Lock()
	h.phase = phase
	h.data = merged
	h.mu.Unlock()
	return nil
}

func (h *Handle) GetData(key string, def any) any {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.data[key]; ok {
		return v
	}
	return def
}

// Noop is the checkpoint surface of short-lived contexts: nothing is
// skipped and saves are dropped.
type Noop struct{}

func (Noop) ShouldSkip(context.Context, int) bool                    { return false }
func (Noop) Save(context.Context, int, map[string]any, string) error { return nil }
func (Noop) GetData(_ string, def any) any                           { return def }
func (Noop) Phase() int                                              { return 0 }
