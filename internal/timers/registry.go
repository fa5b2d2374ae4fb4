package timers

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps event kinds to handlers. Feature packages populate it at
// startup, before the scheduler loop begins; lookups at dispatch time are
// read-only and cheap.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register associates a handler with an event kind. A second registration
// for the same kind fails with ErrDuplicateHandler; there is no silent
// overwrite.
func (r *Registry) Register(event string, h Handler) error {
	if event == "" {
		return fmt.Errorf("register: empty event kind")
	}
	if h == nil {
		return fmt.Errorf("register %q: nil handler", event)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[event]; ok {
		return fmt.Errorf("register %q: %w", event, ErrDuplicateHandler)
	}
	r.handlers[event] = h
	return nil
}

func (r *Registry) lookup(event string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[event]
	return h, ok
}

// Kinds returns the registered event kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
