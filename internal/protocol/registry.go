package protocol

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownScheme is returned for URLs no registered handler serves
var ErrUnknownScheme = errors.New("unknown protocol scheme")

// Registry maps scheme names to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*Handler)}
}

// Register adds h, replacing any handler for the same scheme
func (r *Registry) Register(h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Scheme()] = h
}

// Remove drops the handler for scheme
func (r *Registry) Remove(scheme string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, scheme)
}

// Lookup returns the handler for scheme
func (r *Registry) Lookup(scheme string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[scheme]
	return h, ok
}

// Schemes lists registered schemes in sorted order
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := make([]string, 0, len(r.handlers))
	for s := range r.handlers {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

// Handle dispatches req to the handler named by its URL scheme
func (r *Registry) Handle(ctx context.Context, req Request) (*Response, error) {
	scheme, _, ok := strings.Cut(req.URL, "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q has no scheme", ErrUnknownScheme, req.URL)
	}
	h, found := r.Lookup(scheme)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, scheme)
	}
	return h.Handle(ctx, req)
}
