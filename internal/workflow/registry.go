package workflow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"signal-responder/internal/schema"
)

// ChangeOp identifies a registry mutation.
type ChangeOp string

const (
	ChangeAdded   ChangeOp = "added"
	ChangeUpdated ChangeOp = "updated"
)

// ChangeListener is notified after a registry mutation.
type ChangeListener func(op ChangeOp, wf *ResponseWorkflow)

// Registry holds named workflows, addressable by id and mutable at runtime.
// Matching iterates workflows in insertion order so that repeated calls with
// unchanged state return the same workflow.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*ResponseWorkflow
	order     []string
	listeners []ChangeListener
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows: make(map[string]*ResponseWorkflow),
	}
}

// OnChange registers a listener for registry mutations.
func (r *Registry) OnChange(l ChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Add registers a workflow. Re-adding an existing id replaces the previous
// entry in place, keeping its original position in iteration order.
func (r *Registry) Add(wf *ResponseWorkflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}

	now := time.Now()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	r.mu.Lock()
	if _, exists := r.workflows[wf.ID]; !exists {
		r.order = append(r.order, wf.ID)
	}
	r.workflows[wf.ID] = wf
	listeners := r.listeners
	r.mu.Unlock()

	slog.Info("workflow registered", "workflow_id", wf.ID, "name", wf.Name, "mode", wf.Execution.Mode)
	r.notify(listeners, ChangeAdded, wf)
	return nil
}

// Get retrieves a workflow by id.
func (r *Registry) Get(id string) (*ResponseWorkflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow not found: %s", id)
	}
	return wf, nil
}

// Update merges non-zero fields into an existing workflow and notifies
// listeners with an updated event.
func (r *Registry) Update(id string, fields UpdateFields) (*ResponseWorkflow, error) {
	r.mu.Lock()
	wf, ok := r.workflows[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("workflow not found: %s", id)
	}

	if fields.Name != nil {
		wf.Name = *fields.Name
	}
	if fields.Description != nil {
		wf.Description = *fields.Description
	}
	if fields.Active != nil {
		wf.Active = *fields.Active
	}
	if fields.Priority != nil {
		wf.Priority = *fields.Priority
	}
	if fields.Triggers != nil {
		wf.Triggers = *fields.Triggers
	}
	if fields.Steps != nil {
		wf.Steps = fields.Steps
	}
	if fields.Execution != nil {
		wf.Execution = *fields.Execution
	}
	wf.UpdatedAt = time.Now()
	listeners := r.listeners
	r.mu.Unlock()

	slog.Info("workflow updated", "workflow_id", id)
	r.notify(listeners, ChangeUpdated, wf)
	return wf, nil
}

// UpdateFields carries the partial fields merged by Update. Nil fields are
// left untouched.
type UpdateFields struct {
	Name        *string
	Description *string
	Active      *bool
	Priority    *int
	Triggers    *TriggerConditions
	Steps       []Step
	Execution   *ExecutionConfig
}

// List returns all workflows in insertion order.
func (r *Registry) List() []*ResponseWorkflow {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*ResponseWorkflow, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.workflows[id])
	}
	return result
}

// FindApplicable returns the first active workflow whose triggers match the
// signal, walking the registry in insertion order. Returns nil if no
// workflow applies.
func (r *Registry) FindApplicable(sig *schema.Signal) *ResponseWorkflow {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		wf := r.workflows[id]
		if !wf.Active {
			continue
		}
		if wf.Triggers.Matches(sig) {
			return wf
		}
	}
	return nil
}

// Count returns the number of registered workflows.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workflows)
}

// Export serializes a workflow to indented JSON.
func (r *Registry) Export(id string) ([]byte, error) {
	wf, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(wf, "", "  ")
}

// Import registers a workflow from its JSON form.
func (r *Registry) Import(data []byte) (*ResponseWorkflow, error) {
	var wf ResponseWorkflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}
	if err := r.Add(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (r *Registry) notify(listeners []ChangeListener, op ChangeOp, wf *ResponseWorkflow) {
	for _, l := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("registry listener panicked", "op", op, "workflow_id", wf.ID, "panic", rec)
				}
			}()
			l(op, wf)
		}()
	}
}
