package domain

import "context"

// MessageRole is the speaker of a model message.
type MessageRole string

const (
	MessageUser      MessageRole = "user"
	MessageAssistant MessageRole = "assistant"
)

// Message is one entry of the context sent to a backend. An assistant
// message may request tools; the following user message carries their
// results.
type Message struct {
	Role        MessageRole  `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// InferenceConfig holds the sampling options forwarded to the backend.
// Nil pointers leave the backend default in place.
type InferenceConfig struct {
	MaxTokens     int      `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Temperature   *float32 `json:"temperature,omitempty" yaml:"temperature"`
	TopP          *float32 `json:"top_p,omitempty" yaml:"top_p"`
	StopSequences []string `json:"stop_sequences,omitempty" yaml:"stop_sequences"`
}

// GuardrailRef names a pre-configured guardrail policy.
type GuardrailRef struct {
	ID      string `json:"id" yaml:"id"`
	Version string `json:"version" yaml:"version"`
}

// Enabled reports whether a guardrail is configured.
func (g GuardrailRef) Enabled() bool { return g.ID != "" }

// GenerateRequest is a single model call.
type GenerateRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Inference    InferenceConfig
	Tools        []ToolSchema
	// ForceTool, when set, requires the model to answer by calling the
	// named tool.
	ForceTool string
	Guardrail *GuardrailRef
}

// StopReason explains why generation ended.
type StopReason string

const (
	StopEndTurn       StopReason = "end_turn"
	StopToolUse       StopReason = "tool_use"
	StopMaxTokens     StopReason = "max_tokens"
	StopSequence      StopReason = "stop_sequence"
	StopGuardrail     StopReason = "guardrail_intervened"
	StopContentFilter StopReason = "content_filtered"
)

// Blocked reports whether the backend withheld output for policy reasons.
func (r StopReason) Blocked() bool {
	return r == StopGuardrail || r == StopContentFilter
}

// Usage reports token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.TotalTokens += u2.TotalTokens
}

// GenerateResponse is the composed result of a model call.
type GenerateResponse struct {
	Message    Message    `json:"message"`
	StopReason StopReason `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
}

// StreamDelta is one event of a streamed model call. Err is terminal: the
// channel is closed right after a delta carrying Err or Done. A channel
// closed without either is a truncated stream.
type StreamDelta struct {
	Text       string
	ToolCall   *ToolCall // complete call, emitted once its input is fully received
	StopReason StopReason
	Usage      *Usage
	Done       bool
	Err        error
}

// Backend is a text-generation capability.
type Backend interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	Name() string
}

// StreamingBackend is a Backend that can stream its output. Cancelling ctx
// stops the producer and closes the channel.
type StreamingBackend interface {
	Backend
	GenerateStream(ctx context.Context, req GenerateRequest) (<-chan StreamDelta, error)
}
