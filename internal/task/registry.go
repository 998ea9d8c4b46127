package task

import (
	"slices"
	"sync"
)

// Registry tracks running tasks. A nil *Registry tracks nothing.
type Registry struct {
	mu    sync.Mutex
	tasks []*Task
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) add(t *Task) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.tasks, t) {
		r.tasks = append(r.tasks, t)
	}
}

func (r *Registry) remove(t *Task) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = slices.DeleteFunc(r.tasks, func(x *Task) bool { return x == t })
}

// Running returns the running tasks in the order they began.
func (r *Registry) Running() []*Task {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.tasks)
}

// Lookup finds a running task by ID.
func (r *Registry) Lookup(id string) *Task {
	for _, t := range r.Running() {
		if t.ID() == id {
			return t
		}
	}
	return nil
}

// StopAll stops every running task.
func (r *Registry) StopAll() {
	for _, t := range r.Running() {
		t.Stop()
	}
}
