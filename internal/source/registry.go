package source

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"WorkflowScanner/internal/ports"
)

// ErrSourceNotRegistered is returned when a chain names an unknown source.
var ErrSourceNotRegistered = errors.New("source is not registered")

// Registry keeps a mapping from source names to their implementations.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]ports.WorkflowSource
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: map[string]ports.WorkflowSource{}}
}

// Register adds or replaces a source implementation.
func (r *Registry) Register(src ports.WorkflowSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sources == nil {
		r.sources = map[string]ports.WorkflowSource{}
	}
	r.sources[src.Name()] = src
}

// Resolve returns a source by name or an error if it is absent.
func (r *Registry) Resolve(name string) (ports.WorkflowSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if src, ok := r.sources[name]; ok {
		return src, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSourceNotRegistered, name)
}

// Names lists registered sources in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
