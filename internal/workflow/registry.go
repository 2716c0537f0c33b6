package workflow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/terralith/geoetl-backend/internal/domain"
)

// Registry maps job_type to its workflow definition. Populated at process
// start, read-mostly afterwards.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*WorkflowDefinition
}

func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]*WorkflowDefinition)}
}

func (r *Registry) Register(w *WorkflowDefinition) error {
	if w == nil {
		return fmt.Errorf("nil workflow")
	}
	if w.JobType == "" {
		return fmt.Errorf("workflow JobType is empty")
	}
	if len(w.Stages) == 0 {
		return fmt.Errorf("workflow %s has no stages", w.JobType)
	}
	for i := range w.Stages {
		if w.Stages[i].Number != i+1 {
			return fmt.Errorf("workflow %s: stage %d out of order (got number %d)", w.JobType, i+1, w.Stages[i].Number)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[w.JobType]; exists {
		return fmt.Errorf("workflow already registered for job_type=%s", w.JobType)
	}
	r.workflows[w.JobType] = w
	return nil
}

func (r *Registry) Get(jobType string) (*WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[jobType]
	if !ok {
		return nil, &domain.UnknownJobTypeError{JobType: jobType}
	}
	return w, nil
}

// List returns the registered definitions sorted by job_type.
func (r *Registry) List() []*WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*WorkflowDefinition, 0, len(r.workflows))
	for _, w := range r.workflows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobType < out[j].JobType })
	return out
}

// HandlerRegistry maps task_type to its handler.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

func (r *HandlerRegistry) Register(taskType string, h Handler) error {
	if taskType == "" {
		return fmt.Errorf("handler task_type is empty")
	}
	if h == nil {
		return fmt.Errorf("nil handler for task_type=%s", taskType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("handler already registered for task_type=%s", taskType)
	}
	r.handlers[taskType] = h
	return nil
}

func (r *HandlerRegistry) Get(taskType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	if !ok {
		return nil, &domain.UnknownTaskTypeError{TaskType: taskType}
	}
	return h, nil
}
