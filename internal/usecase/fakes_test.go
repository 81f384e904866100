package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"squadron/internal/domain"
)

// fakeBackend is a scripted domain.Backend. Each Generate call pops the
// next reply; the last one repeats.
type fakeBackend struct {
	name string

	mu       sync.Mutex
	replies  []fakeReply
	requests []domain.GenerateRequest
	generate func(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error)
}

type fakeReply struct {
	resp *domain.GenerateResponse
	err  error
}

func newFakeBackend(replies ...fakeReply) *fakeBackend {
	return &fakeBackend{name: "fake", replies: replies}
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	b.mu.Lock()
	b.requests = append(b.requests, cloneRequest(req))
	fn := b.generate
	var r fakeReply
	if len(b.replies) > 0 {
		r = b.replies[0]
		if len(b.replies) > 1 {
			b.replies = b.replies[1:]
		}
	}
	b.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if r.resp == nil && r.err == nil {
		return text("ok"), nil
	}
	return r.resp, r.err
}

func (b *fakeBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func (b *fakeBackend) request(i int) domain.GenerateRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[i]
}

func cloneRequest(req domain.GenerateRequest) domain.GenerateRequest {
	req.Messages = append([]domain.Message(nil), req.Messages...)
	return req
}

// fakeStreamingBackend streams scripted deltas, one script per call.
type fakeStreamingBackend struct {
	*fakeBackend
	stream func(ctx context.Context, req domain.GenerateRequest) (<-chan domain.StreamDelta, error)
}

func (b *fakeStreamingBackend) GenerateStream(ctx context.Context, req domain.GenerateRequest) (<-chan domain.StreamDelta, error) {
	b.mu.Lock()
	b.requests = append(b.requests, cloneRequest(req))
	b.mu.Unlock()
	return b.stream(ctx, req)
}

// scriptedDeltas returns a stream func replaying one script per call.
func scriptedDeltas(scripts ...[]domain.StreamDelta) func(context.Context, domain.GenerateRequest) (<-chan domain.StreamDelta, error) {
	var n atomic.Int32
	return func(ctx context.Context, _ domain.GenerateRequest) (<-chan domain.StreamDelta, error) {
		i := int(n.Add(1)) - 1
		if i >= len(scripts) {
			return nil, fmt.Errorf("unexpected stream call %d", i+1)
		}
		ch := make(chan domain.StreamDelta)
		go func() {
			defer close(ch)
			for _, d := range scripts[i] {
				select {
				case ch <- d:
				case <-ctx.Done():
					return
				}
			}
		}()
		return ch, nil
	}
}

func text(s string) *domain.GenerateResponse {
	return &domain.GenerateResponse{
		Message:    domain.Message{Role: domain.MessageAssistant, Content: s},
		StopReason: domain.StopEndTurn,
		Usage:      domain.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

func toolUse(calls ...domain.ToolCall) *domain.GenerateResponse {
	return &domain.GenerateResponse{
		Message:    domain.Message{Role: domain.MessageAssistant, ToolCalls: calls},
		StopReason: domain.StopToolUse,
	}
}

func call(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// fakeTool counts executions and delegates to exec.
type fakeTool struct {
	name  string
	exec  func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error)
	count atomic.Int32
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return "test tool " + t.name }
func (t *fakeTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name, Description: t.Description(), Parameters: json.RawMessage(`{"type":"object"}`)}
}

func (t *fakeTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	t.count.Add(1)
	return t.exec(ctx, params)
}

func staticTool(name, content string) *fakeTool {
	return &fakeTool{name: name, exec: func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
		return &domain.ToolResult{Content: content}, nil
	}}
}

type toolSet map[string]domain.Tool

func tools(ts ...domain.Tool) toolSet {
	s := toolSet{}
	for _, t := range ts {
		s[t.Name()] = t
	}
	return s
}

func (s toolSet) Get(name string) (domain.Tool, error) {
	t, ok := s[name]
	if !ok {
		return nil, domain.NewDomainError("toolSet.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

func (s toolSet) Schemas() []domain.ToolSchema {
	out := make([]domain.ToolSchema, 0, len(s))
	for _, t := range s {
		out = append(out, t.Schema())
	}
	return out
}

type fakeRetriever struct {
	passages []domain.Passage
	err      error
}

func (r *fakeRetriever) FetchContext(context.Context, string) ([]domain.Passage, error) {
	return r.passages, r.err
}

type fakeGuardrail struct {
	apply func(content string) (string, error)
}

func (g *fakeGuardrail) Apply(_ context.Context, content, _, _ string) (string, error) {
	return g.apply(content)
}

// recordingBus is a synchronous EventBus.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

func (b *recordingBus) last(typ domain.EventType) (domain.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].Type == typ {
			return b.events[i], true
		}
	}
	return domain.Event{}, false
}

// wordCounter counts whitespace separated words.
type wordCounter struct{}

func (wordCounter) CountText(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}
