package multiagent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"squadron/internal/domain"
	infralogger "squadron/internal/infra/logger"
)

// Entry bundles a registered descriptor with the adapter that serves it.
type Entry struct {
	Descriptor domain.AgentDescriptor
	Adapter    domain.AgentAdapter
}

// snapshot is an immutable view of the registry. Writers replace it
// wholesale; readers load it without locking.
type snapshot struct {
	order []Entry
	index map[string]int
}

func (s *snapshot) lookup(id string) (Entry, bool) {
	i, ok := s.index[id]
	if !ok {
		return Entry{}, false
	}
	return s.order[i], true
}

// Registry holds registered agents in registration order. Reads are
// lock-free snapshot loads, so routing never waits on registration.
type Registry struct {
	mu        sync.Mutex // serializes writers
	current   atomic.Pointer[snapshot]
	defaultID string
	bus       domain.EventBus
	logger    *slog.Logger
}

// NewRegistry creates a Registry. defaultID may be empty; bus and logger
// may be nil.
func NewRegistry(defaultID string, bus domain.EventBus, logger *slog.Logger) *Registry {
	r := &Registry{defaultID: defaultID, bus: bus, logger: infralogger.OrDiscard(logger)}
	r.current.Store(&snapshot{index: map[string]int{}})
	return r
}

// Register adds an agent. It fails with ErrDuplicateAgentID and leaves the
// registry unchanged when the id is taken.
func (r *Registry) Register(desc domain.AgentDescriptor, adapter domain.AgentAdapter) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if adapter == nil {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, "adapter is nil for agent "+desc.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	if _, exists := cur.index[desc.ID]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicateAgentID, desc.ID)
	}

	next := &snapshot{
		order: make([]Entry, len(cur.order), len(cur.order)+1),
		index: make(map[string]int, len(cur.index)+1),
	}
	copy(next.order, cur.order)
	for k, v := range cur.index {
		next.index[k] = v
	}
	next.order = append(next.order, Entry{Descriptor: desc.Clone(), Adapter: adapter})
	next.index[desc.ID] = len(next.order) - 1
	r.current.Store(next)

	r.logger.Info("agent registered", "agent_id", desc.ID, "name", desc.Name)
	r.publish(domain.EventAgentRegistered, desc)
	return nil
}

// Deregister removes an agent. Returns ErrAgentNotFound if not present.
// In-flight invocations keep the adapter they already resolved.
func (r *Registry) Deregister(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	pos, ok := cur.index[agentID]
	if !ok {
		return domain.NewDomainError("Registry.Deregister", domain.ErrAgentNotFound, agentID)
	}
	removed := cur.order[pos].Descriptor

	next := &snapshot{
		order: make([]Entry, 0, len(cur.order)-1),
		index: make(map[string]int, len(cur.index)-1),
	}
	for i, e := range cur.order {
		if i == pos {
			continue
		}
		next.index[e.Descriptor.ID] = len(next.order)
		next.order = append(next.order, e)
	}
	r.current.Store(next)

	r.logger.Info("agent deregistered", "agent_id", agentID)
	r.publish(domain.EventAgentDeregistered, removed)
	return nil
}

// Get returns a copy of the descriptor for agentID, or ErrAgentNotFound.
func (r *Registry) Get(agentID string) (domain.AgentDescriptor, error) {
	e, err := r.Entry(agentID)
	if err != nil {
		return domain.AgentDescriptor{}, err
	}
	return e.Descriptor, nil
}

// Entry returns the descriptor and adapter for agentID.
func (r *Registry) Entry(agentID string) (Entry, error) {
	e, ok := r.current.Load().lookup(agentID)
	if !ok {
		return Entry{}, domain.NewDomainError("Registry.Get", domain.ErrAgentNotFound, agentID)
	}
	e.Descriptor = e.Descriptor.Clone()
	return e, nil
}

// Default returns the default agent entry.
func (r *Registry) Default() (Entry, error) {
	if r.defaultID == "" {
		return Entry{}, domain.NewDomainError("Registry.Default", domain.ErrAgentNotFound, "no default agent configured")
	}
	return r.Entry(r.defaultID)
}

// List returns descriptors in registration order.
func (r *Registry) List() []domain.AgentDescriptor {
	cur := r.current.Load()
	out := make([]domain.AgentDescriptor, len(cur.order))
	for i, e := range cur.order {
		out[i] = e.Descriptor.Clone()
	}
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	return len(r.current.Load().order)
}

func (r *Registry) publish(typ domain.EventType, desc domain.AgentDescriptor) {
	if r.bus == nil {
		return
	}
	payload, _ := json.Marshal(domain.AgentEventPayload{AgentID: desc.ID, Name: desc.Name})
	r.bus.Publish(context.Background(), domain.Event{
		Type:      typ,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
