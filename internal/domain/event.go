package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventAgentRegistered   EventType = "agent.registered"
	EventAgentDeregistered EventType = "agent.deregistered"
	EventTurnRouted        EventType = "turn.routed"
	EventTurnCompleted     EventType = "turn.completed"
	EventTurnFailed        EventType = "turn.failed"
	EventTurnCancelled     EventType = "turn.cancelled"
	EventTurnFallback      EventType = "turn.fallback"
	EventSessionPinned     EventType = "session.pinned"
	EventSessionUnpinned   EventType = "session.unpinned"
	EventSessionClosed     EventType = "session.closed"
	EventSessionEvicted    EventType = "session.evicted"
	EventToolCalled        EventType = "tool.called"
)

// Event is a message published on the bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// TurnEventPayload is the payload of turn.* events.
type TurnEventPayload struct {
	AgentID   string     `json:"agent_id,omitempty"`
	TurnID    string     `json:"turn_id,omitempty"`
	Status    TurnStatus `json:"status,omitempty"`
	ErrorCode ErrorCode  `json:"error_code,omitempty"`
	Pinned    bool       `json:"pinned,omitempty"`
	LatencyMs int64      `json:"latency_ms,omitempty"`
}

// ToolEventPayload is the payload of tool.called events.
type ToolEventPayload struct {
	AgentID   string `json:"agent_id"`
	Tool      string `json:"tool"`
	CallID    string `json:"call_id"`
	IsError   bool   `json:"is_error"`
	LatencyMs int64  `json:"latency_ms"`
}

// AgentEventPayload is the payload of agent.* events.
type AgentEventPayload struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name,omitempty"`
}

// EventHandler processes a published event.
type EventHandler func(ctx context.Context, event Event)

// EventBus publishes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains queued events and prevents new publishes.
	Close()
}

// RoutingOutcome describes how a turn found its agent.
type RoutingOutcome string

const (
	RoutedClassified RoutingOutcome = "classified"
	RoutedPinned     RoutingOutcome = "pinned"
	RoutedDefault    RoutingOutcome = "default"
	RoutedFallback   RoutingOutcome = "fallback"
)

// TurnObserver receives per-turn measurements. Implementations must be safe
// for concurrent use.
type TurnObserver interface {
	ObserveRouting(outcome RoutingOutcome)
	ObserveTurn(agentID string, status TurnStatus, latency time.Duration)
	SetActiveSessions(n int)
}
