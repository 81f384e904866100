package domain

import "context"

// InvokeRequest is one turn handed to an agent adapter.
type InvokeRequest struct {
	SessionID string
	History   []Turn
	Input     string
	// Stream asks for a lazily produced response. Adapters that cannot
	// stream return a composed response instead.
	Stream bool
}

// AgentResponse is a composed agent reply.
type AgentResponse struct {
	AgentID     string       `json:"agent_id"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	StopReason  StopReason   `json:"stop_reason,omitempty"`
	Usage       Usage        `json:"usage"`
}

// Invocation holds exactly one of Response or Stream.
type Invocation struct {
	Response *AgentResponse
	Stream   *Stream
}

// Streaming reports whether the invocation produced a stream.
func (i *Invocation) Streaming() bool { return i != nil && i.Stream != nil }

// AgentAdapter wraps one backend capability behind a uniform contract.
type AgentAdapter interface {
	// SetSystemPrompt replaces the prompt template and its variables
	// wholesale. It takes effect on the next invocation.
	SetSystemPrompt(template string, vars PromptVariables)
	Invoke(ctx context.Context, req InvokeRequest) (*Invocation, error)
}
