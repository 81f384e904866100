package usecase

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"squadron/internal/domain"
)

// NewID returns a new ULID string; used for session and turn ids.
func NewID() string {
	return ulid.Make().String()
}

// ConversationState is the orchestrator's in-memory view of one session.
// Writers hold the session lock; the state's own mutex only protects
// readers such as History from observing a half-applied update.
type ConversationState struct {
	mu                  sync.RWMutex
	id                  string
	phase               domain.SessionPhase
	lastSelectedAgentID string
	pinnedAgentID       string
	turns               []domain.Turn
	createdAt           time.Time
	updatedAt           time.Time
}

func newConversationState(id string, now time.Time) *ConversationState {
	return &ConversationState{id: id, phase: domain.PhaseNew, createdAt: now, updatedAt: now}
}

func stateFromRecord(rec *domain.SessionRecord) *ConversationState {
	s := &ConversationState{
		id:                  rec.ID,
		phase:               domain.PhaseResponded,
		lastSelectedAgentID: rec.LastSelectedAgentID,
		pinnedAgentID:       rec.PinnedAgentID,
		turns:               slices.Clone(rec.Turns),
		createdAt:           rec.CreatedAt,
		updatedAt:           rec.UpdatedAt,
	}
	if len(s.turns) == 0 {
		s.phase = domain.PhaseNew
	}
	return s
}

func (s *ConversationState) ID() string { return s.id }

func (s *ConversationState) Phase() domain.SessionPhase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *ConversationState) LastSelectedAgentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSelectedAgentID
}

func (s *ConversationState) PinnedAgentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pinnedAgentID
}

// Turns returns a copy of the turn sequence.
func (s *ConversationState) Turns() []domain.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.turns)
}

// UpdatedAt is the time of the last mutation.
func (s *ConversationState) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

func (s *ConversationState) setPhase(p domain.SessionPhase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *ConversationState) appendTurn(t domain.Turn) {
	s.mu.Lock()
	s.turns = append(s.turns, t)
	s.updatedAt = t.Timestamp
	s.mu.Unlock()
}

func (s *ConversationState) selectAgent(agentID string) {
	s.mu.Lock()
	s.lastSelectedAgentID = agentID
	s.mu.Unlock()
}

func (s *ConversationState) pin(agentID string, now time.Time) {
	s.mu.Lock()
	s.pinnedAgentID = agentID
	s.updatedAt = now
	s.mu.Unlock()
}

// record snapshots the state for a ConversationStore.
func (s *ConversationState) record() *domain.SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &domain.SessionRecord{
		ID:                  s.id,
		LastSelectedAgentID: s.lastSelectedAgentID,
		PinnedAgentID:       s.pinnedAgentID,
		Turns:               slices.Clone(s.turns),
		CreatedAt:           s.createdAt,
		UpdatedAt:           s.updatedAt,
	}
}

// sessionTable holds live sessions, lazily loading them from an optional
// store.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*ConversationState
	store    domain.ConversationStore
	onLoadErr func(sessionID string, err error)
}

func newSessionTable(store domain.ConversationStore, onLoadErr func(string, error)) *sessionTable {
	return &sessionTable{sessions: make(map[string]*ConversationState), store: store, onLoadErr: onLoadErr}
}

func (t *sessionTable) lookup(id string) (*ConversationState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	return s, ok
}

// get returns the live state for id, loading it from the store when it is
// not in memory. With create set an unknown session is started at now.
func (t *sessionTable) get(ctx context.Context, id string, create bool, now time.Time) *ConversationState {
	if s, ok := t.lookup(id); ok {
		return s
	}

	var loaded *ConversationState
	if t.store != nil {
		rec, err := t.store.Load(ctx, id)
		switch {
		case err != nil:
			t.onLoadErr(id, err)
		case rec != nil:
			loaded = stateFromRecord(rec)
		}
	}
	if loaded == nil && !create {
		return nil
	}
	if loaded == nil {
		loaded = newConversationState(id, now)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[id]; ok {
		return s
	}
	t.sessions[id] = loaded
	return loaded
}

func (t *sessionTable) remove(id string) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

func (t *sessionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// idleSince lists sessions not updated since cutoff.
func (t *sessionTable) idleSince(cutoff time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, s := range t.sessions {
		if s.UpdatedAt().Before(cutoff) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}
