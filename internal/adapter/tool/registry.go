// Package tool holds the tool registry, argument validation and the MCP
// bridge that exposes remote tools to agents.
package tool

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"squadron/internal/domain"
	"squadron/internal/infra/logger"
)

// Registry holds named tools. Every registered tool is wrapped with JSON
// Schema validation of its arguments when its schema compiles.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]domain.Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(l *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]domain.Tool),
		logger: logger.OrDiscard(l),
	}
}

// Register adds a tool. Names are unique. A schema that fails to compile is
// logged and the tool is registered without validation.
func (r *Registry) Register(t domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}

	wrapped, err := WithSchemaValidation(t)
	if err != nil {
		r.logger.Warn("schema validation disabled for tool", "tool", name, "error", err)
	} else {
		t = wrapped
	}
	r.tools[name] = t
	return nil
}

// Get implements domain.ToolExecutor.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas implements domain.ToolExecutor. Order is stable by name.
func (r *Registry) Schemas() []domain.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]domain.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		schemas = append(schemas, t.Schema())
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// Scope returns an executor limited to names. Every name must be registered.
func (r *Registry) Scope(names []string) (domain.ToolExecutor, error) {
	s := &scoped{tools: make(map[string]domain.Tool, len(names))}
	for _, n := range names {
		t, err := r.Get(n)
		if err != nil {
			return nil, err
		}
		s.tools[n] = t
		s.order = append(s.order, n)
	}
	sort.Strings(s.order)
	return s, nil
}

// scoped is a fixed subset of a Registry.
type scoped struct {
	tools map[string]domain.Tool
	order []string
}

func (s *scoped) Get(name string) (domain.Tool, error) {
	t, ok := s.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Scope.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

func (s *scoped) Schemas() []domain.ToolSchema {
	out := make([]domain.ToolSchema, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.tools[n].Schema())
	}
	return out
}

var (
	_ domain.ToolExecutor = (*Registry)(nil)
	_ domain.ToolExecutor = (*scoped)(nil)
)
