// ABOUTME: Registry mapping stable task references to handler functions
// ABOUTME: Populated at startup so persisted tasks still resolve after a restart

package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/2389/stagehand/internal/transport"
)

// Handler runs a fired task. out is bound to the user's current address.
type Handler func(ctx context.Context, userID string, out *transport.Output) error

// Registry maps task references to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under ref. Registering the same ref twice is an error.
func (r *Registry) Register(ref string, h Handler) error {
	if ref == "" || h == nil {
		return fmt.Errorf("registering %q: reference and handler are required", ref)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[ref]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRef, ref)
	}
	r.handlers[ref] = h
	return nil
}

// Lookup returns the handler for ref.
func (r *Registry) Lookup(ref string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRef, ref)
	}
	return h, nil
}

// Refs returns the registered references, sorted.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]string, 0, len(r.handlers))
	for ref := range r.handlers {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
