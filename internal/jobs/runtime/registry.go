package runtime

import (
	"context"
	"fmt"
	"sync"
)

// Handler executes one kind of task. The local queue looks handlers up by
// Task.Kind.
type Handler interface {
	Kind() TaskKind
	Run(ctx context.Context, t Task) error
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[TaskKind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[TaskKind]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	k := h.Kind()
	if k == "" {
		return fmt.Errorf("handler Kind() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[k]; exists {
		return fmt.Errorf("handler already registered for kind=%s", k)
	}
	r.handlers[k] = h
	return nil
}

func (r *Registry) Get(kind TaskKind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	K  TaskKind
	Fn func(ctx context.Context, t Task) error
}

func (h HandlerFunc) Kind() TaskKind                        { return h.K }
func (h HandlerFunc) Run(ctx context.Context, t Task) error { return h.Fn(ctx, t) }
