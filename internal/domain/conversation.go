package domain

import (
	"context"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// TurnStatus is the outcome recorded for a turn.
type TurnStatus string

const (
	TurnCompleted TurnStatus = "completed"
	TurnError     TurnStatus = "error"
	TurnCancelled TurnStatus = "cancelled"
	// TurnFallback marks the deterministic reply recorded when no agent
	// could be selected.
	TurnFallback TurnStatus = "fallback"
)

// Turn is one entry of a session's conversation. Turns are append-only.
type Turn struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	AgentID   string     `json:"agent_id,omitempty"`
	Status    TurnStatus `json:"status"`
	ErrorCode ErrorCode  `json:"error_code,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// InContext reports whether the turn should be shown to a model as history.
// Failed, cancelled and fallback replies are kept for the record only.
func (t Turn) InContext() bool {
	return t.Role == RoleUser || t.Status == TurnCompleted
}

// SessionPhase is the orchestrator state of a session.
type SessionPhase string

const (
	PhaseNew       SessionPhase = "NEW"
	PhaseRouting   SessionPhase = "ROUTING"
	PhaseInvoking  SessionPhase = "INVOKING"
	PhaseResponded SessionPhase = "RESPONDED"
	PhaseClosed    SessionPhase = "CLOSED"
)

// SessionRecord is the persisted form of a session.
type SessionRecord struct {
	ID                  string    `json:"id"`
	LastSelectedAgentID string    `json:"last_selected_agent_id,omitempty"`
	PinnedAgentID       string    `json:"pinned_agent_id,omitempty"`
	Turns               []Turn    `json:"turns"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ConversationStore persists session records. Implementations must be safe
// for concurrent use across sessions; the orchestrator serializes writes
// within one session.
type ConversationStore interface {
	Load(ctx context.Context, sessionID string) (*SessionRecord, error)
	Save(ctx context.Context, rec *SessionRecord) error
	Delete(ctx context.Context, sessionID string) error
	Close() error
}

// TokenCounter estimates prompt size for history trimming.
type TokenCounter interface {
	CountText(text string) int
}
