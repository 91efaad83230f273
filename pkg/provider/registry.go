package provider

import (
	"sync"

	"github.com/groundctl/groundctl/pkg/errors"
)

// Factory creates a provider instance for a resource kind.
type Factory func() (Provider, error)

// Registry maps resource kinds to provider factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a provider factory for a resource kind. Registering the
// same kind twice replaces the earlier factory.
func (r *Registry) Register(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Get returns a provider for the given resource kind.
func (r *Registry) Get(kind string) (Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.NotFoundError("provider for resource kind", kind)
	}

	return factory()
}

// Kinds returns the registered resource kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	return kinds
}

// DefaultRegistry is the process-wide registry that provider packages
// register into from their init functions.
var DefaultRegistry = NewRegistry()

// Register adds a provider factory to the default registry.
func Register(kind string, factory Factory) {
	DefaultRegistry.Register(kind, factory)
}

// Get returns a provider for the kind from the default registry.
func Get(kind string) (Provider, error) {
	return DefaultRegistry.Get(kind)
}
