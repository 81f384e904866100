package llm

import (
	"fmt"
	"sort"
	"sync"

	"squadron/internal/domain"
)

// Registry holds named backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]domain.Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]domain.Backend)}
}

// Register adds b under name. Names are unique.
func (r *Registry) Register(name string, b domain.Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("backend %q already registered", name)
	}
	r.backends[name] = b
	return nil
}

// Get retrieves a backend by name.
func (r *Registry) Get(name string) (domain.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrBackendNotFound, name)
	}
	return b, nil
}

// List returns registered backend names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
