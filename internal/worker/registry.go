package worker

import (
	"context"
	"encoding/json"
	"sync"
)

// Handler executes one task type. The returned payload is stored as the
// task result; a returned error marks the task failed with the error text.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Registry maps task names to handlers. Adding a task type never touches
// the claim protocol or the worker loop.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	return h, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}
