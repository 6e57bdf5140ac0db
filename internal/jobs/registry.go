// Package jobs holds the job handlers a worker can execute, keyed by kind.
package jobs

import (
	"fmt"
	"sort"
	"sync"

	"async-dispatch/internal/domain"
)

// Registry maps job kinds to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]domain.JobHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]domain.JobHandler)}
}

// Register adds a handler. Registering a kind twice is a programming error.
func (r *Registry) Register(kind string, h domain.JobHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("handler for job kind %q already registered", kind)
	}
	r.handlers[kind] = h
	return nil
}

// Lookup returns domain.ErrUnknownJobKind for unregistered kinds.
func (r *Registry) Lookup(kind string) (domain.JobHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownJobKind, kind)
	}
	return h, nil
}

// Has reports whether kind has a handler.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[kind]
	return ok
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
