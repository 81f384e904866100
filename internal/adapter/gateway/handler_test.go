package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"squadron/internal/domain"
	"squadron/internal/infra/config"
	"squadron/internal/usecase"
)

type fakeOrchestrator struct {
	mu      sync.Mutex
	route   func(ctx context.Context, sessionID, input string, stream bool) (*usecase.TurnResult, error)
	history map[string][]domain.Turn
	pins    map[string]string
	closed  []string
	agents  []domain.AgentDescriptor
}

func (f *fakeOrchestrator) RouteTurn(ctx context.Context, sessionID, input string, opts ...usecase.RouteOption) (*usecase.TurnResult, error) {
	stream := len(opts) > 0
	if f.route == nil {
		return &usecase.TurnResult{SessionID: sessionID, Outcome: domain.RoutedFallback}, nil
	}
	return f.route(ctx, sessionID, input, stream)
}

func (f *fakeOrchestrator) CloseSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
	return nil
}

func (f *fakeOrchestrator) PinSession(_ context.Context, sessionID, agentID string) error {
	for _, a := range f.agents {
		if a.ID == agentID {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.pins == nil {
				f.pins = map[string]string{}
			}
			f.pins[sessionID] = agentID
			return nil
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, agentID)
}

func (f *fakeOrchestrator) UnpinSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pins, sessionID)
	return nil
}

func (f *fakeOrchestrator) History(_ context.Context, sessionID string) []domain.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Turn{}, f.history[sessionID]...)
}

func (f *fakeOrchestrator) Agents() []domain.AgentDescriptor { return f.agents }

func agentTurn(agentID, content string, status domain.TurnStatus) domain.Turn {
	return domain.Turn{ID: "t-" + agentID, Role: domain.RoleAgent, AgentID: agentID, Content: content, Status: status, Timestamp: time.Now()}
}

func decodeResult[T any](t *testing.T, f Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Payload, &v))
	return v
}

func TestTurnRoute(t *testing.T) {
	orch := &fakeOrchestrator{
		route: func(_ context.Context, sessionID, input string, stream bool) (*usecase.TurnResult, error) {
			assert.Equal(t, "s1", sessionID)
			assert.Equal(t, "refund my order", input)
			assert.False(t, stream)
			return &usecase.TurnResult{
				SessionID: sessionID,
				AgentID:   "billing",
				Routed:    true,
				Outcome:   domain.RoutedClassified,
				Turn:      agentTurn("billing", "Refund issued.", domain.TurnCompleted),
				Response:  &domain.AgentResponse{AgentID: "billing", Content: "Refund issued."},
			}, nil
		},
	}
	_, obs, url := newTestServer(t, config.GatewayConfig{}, orch)
	c := dial(t, url, testToken)

	resp := call(t, c, 1, "turn.route", turnRouteRequest{SessionID: "s1", Input: "refund my order"})
	require.Nil(t, resp.Error)

	out := decodeResult[turnRouteResponse](t, resp)
	assert.Equal(t, "billing", out.AgentID)
	assert.True(t, out.Routed)
	assert.False(t, out.Streamed)
	assert.Equal(t, "Refund issued.", out.Content)
	assert.Equal(t, domain.RoutedClassified, out.Outcome)
	assert.Equal(t, []domain.ErrorCode{"OK"}, obs.codes("turn.route"))
}

func TestTurnRouteGeneratesSessionID(t *testing.T) {
	var got string
	orch := &fakeOrchestrator{
		route: func(_ context.Context, sessionID, _ string, _ bool) (*usecase.TurnResult, error) {
			got = sessionID
			return &usecase.TurnResult{SessionID: sessionID, Outcome: domain.RoutedFallback}, nil
		},
	}
	_, _, url := newTestServer(t, config.GatewayConfig{}, orch)
	c := dial(t, url, testToken)

	resp := call(t, c, 1, "turn.route", turnRouteRequest{Input: "hello"})
	require.Nil(t, resp.Error)
	out := decodeResult[turnRouteResponse](t, resp)
	assert.NotEmpty(t, got)
	assert.Equal(t, got, out.SessionID)
	assert.False(t, out.Routed)
}

func TestTurnRouteInvalidPayload(t *testing.T) {
	_, _, url := newTestServer(t, config.GatewayConfig{}, &fakeOrchestrator{})
	c := dial(t, url, testToken)

	for i, payload := range []any{nil, "not-an-object", turnRouteRequest{SessionID: "s1", Input: "   "}} {
		resp := call(t, c, uint64(i+1), "turn.route", payload)
		require.NotNil(t, resp.Error, "payload %v", payload)
		assert.Equal(t, domain.CodeRPCInvalidPayload, resp.Error.Code)
	}
}

func TestTurnRouteFailureCarriesTurn(t *testing.T) {
	orch := &fakeOrchestrator{
		route: func(_ context.Context, sessionID, _ string, _ bool) (*usecase.TurnResult, error) {
			err := domain.NewDomainError("Agent.Invoke", domain.ErrBackendInvocation, "throttled")
			return &usecase.TurnResult{
				SessionID: sessionID,
				AgentID:   "billing",
				Routed:    true,
				Turn:      agentTurn("billing", "Something went wrong.", domain.TurnError),
			}, err
		},
	}
	_, _, url := newTestServer(t, config.GatewayConfig{}, orch)
	c := dial(t, url, testToken)

	resp := call(t, c, 1, "turn.route", turnRouteRequest{SessionID: "s1", Input: "hi"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeBackendInvocation, resp.Error.Code)

	out := decodeResult[turnRouteResponse](t, resp)
	assert.Equal(t, domain.TurnError, out.Turn.Status)
	assert.Equal(t, "Something went wrong.", out.Content)
}

func TestTurnRouteStreamsChunksBeforeResponse(t *testing.T) {
	orch := &fakeOrchestrator{history: map[string][]domain.Turn{}}
	orch.route = func(_ context.Context, sessionID, _ string, stream bool) (*usecase.TurnResult, error) {
		assert.True(t, stream)
		s := domain.StreamFromChunks(
			domain.StreamChunk{Kind: domain.ChunkText, Text: "Hel"},
			domain.StreamChunk{Kind: domain.ChunkText, Text: "lo"},
		)
		// a turn queued from another connection lands in history first
		orch.mu.Lock()
		orch.history[sessionID] = []domain.Turn{
			agentTurn("support", "Hello", domain.TurnCompleted),
			agentTurn("billing", "Refund issued.", domain.TurnCompleted),
		}
		orch.mu.Unlock()
		return &usecase.TurnResult{
			SessionID: sessionID, AgentID: "support", Routed: true, Outcome: domain.RoutedClassified,
			Turn: agentTurn("support", "Hello", domain.TurnCompleted), Stream: s,
		}, nil
	}
	_, _, url := newTestServer(t, config.GatewayConfig{}, orch)
	c := dial(t, url, testToken)

	send(t, c, 9, "turn.route", turnRouteRequest{SessionID: "s1", Input: "hi", Stream: true})
	resp, events := await(t, c, 9)
	require.Nil(t, resp.Error)

	require.Len(t, events, 2)
	var text string
	for _, ev := range events {
		assert.Equal(t, "turn.chunk", ev.Method)
		assert.Equal(t, uint64(9), ev.ID)
		chunk := decodeResult[turnChunk](t, ev)
		assert.Equal(t, "support", chunk.AgentID)
		text += chunk.Chunk.Text
	}
	assert.Equal(t, "Hello", text)

	out := decodeResult[turnRouteResponse](t, resp)
	assert.True(t, out.Streamed)
	assert.Equal(t, "Hello", out.Content)
	assert.Equal(t, "support", out.Turn.AgentID)
}

func TestTurnCancel(t *testing.T) {
	started := make(chan struct{})
	orch := &fakeOrchestrator{
		route: func(ctx context.Context, sessionID, _ string, _ bool) (*usecase.TurnResult, error) {
			close(started)
			<-ctx.Done()
			return &usecase.TurnResult{
				SessionID: sessionID,
				Turn:      agentTurn("billing", "", domain.TurnCancelled),
			}, fmt.Errorf("%w: %w", domain.ErrTurnCancelled, ctx.Err())
		},
	}
	_, _, url := newTestServer(t, config.GatewayConfig{}, orch)
	c := dial(t, url, testToken)

	send(t, c, 1, "turn.route", turnRouteRequest{SessionID: "s1", Input: "slow"})
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not start")
	}

	send(t, c, 2, "turn.cancel", sessionRequest{SessionID: "s1"})
	first, _ := await(t, c, 2)
	require.Nil(t, first.Error)
	assert.True(t, decodeResult[struct{ Cancelled bool }](t, first).Cancelled)

	routed, _ := await(t, c, 1)
	require.NotNil(t, routed.Error)
	assert.Equal(t, domain.CodeTurnCancelled, routed.Error.Code)
}

func TestTurnCancelIdleSession(t *testing.T) {
	_, _, url := newTestServer(t, config.GatewayConfig{}, &fakeOrchestrator{})
	c := dial(t, url, testToken)

	resp := call(t, c, 1, "turn.cancel", sessionRequest{SessionID: "idle"})
	require.Nil(t, resp.Error)
	assert.False(t, decodeResult[struct{ Cancelled bool }](t, resp).Cancelled)
}

func TestSessionMethods(t *testing.T) {
	orch := &fakeOrchestrator{
		agents: []domain.AgentDescriptor{{ID: "billing", Name: "Billing"}},
		history: map[string][]domain.Turn{
			"s1": {{ID: "u1", Role: domain.RoleUser, Content: "hi", Status: domain.TurnCompleted}},
		},
	}
	_, _, url := newTestServer(t, config.GatewayConfig{}, orch)
	c := dial(t, url, testToken)

	resp := call(t, c, 1, "session.pin", sessionRequest{SessionID: "s1", AgentID: "billing"})
	require.Nil(t, resp.Error)
	assert.Equal(t, "billing", orch.pins["s1"])

	resp = call(t, c, 2, "session.pin", sessionRequest{SessionID: "s1", AgentID: "ghost"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeAgentNotFound, resp.Error.Code)

	resp = call(t, c, 3, "session.pin", sessionRequest{SessionID: "s1"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeRPCInvalidPayload, resp.Error.Code)

	resp = call(t, c, 4, "session.unpin", sessionRequest{SessionID: "s1"})
	require.Nil(t, resp.Error)
	assert.Empty(t, orch.pins["s1"])

	resp = call(t, c, 5, "session.history", sessionRequest{SessionID: "s1"})
	require.Nil(t, resp.Error)
	hist := decodeResult[historyResponse](t, resp)
	require.Len(t, hist.Turns, 1)
	assert.Equal(t, "hi", hist.Turns[0].Content)

	resp = call(t, c, 6, "session.history", sessionRequest{SessionID: "unknown"})
	require.Nil(t, resp.Error)
	assert.Empty(t, decodeResult[historyResponse](t, resp).Turns)

	resp = call(t, c, 7, "session.close", sessionRequest{SessionID: "s1"})
	require.Nil(t, resp.Error)
	assert.Equal(t, []string{"s1"}, orch.closed)

	resp = call(t, c, 8, "session.close", sessionRequest{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeRPCInvalidPayload, resp.Error.Code)
}

func TestAgentList(t *testing.T) {
	orch := &fakeOrchestrator{agents: []domain.AgentDescriptor{
		{ID: "billing", Name: "Billing", Capabilities: []string{"refunds"}},
		{ID: "support", Name: "Support", StreamingSupported: true},
	}}
	_, _, url := newTestServer(t, config.GatewayConfig{}, orch)
	c := dial(t, url, testToken)

	resp := call(t, c, 1, "agent.list", nil)
	require.Nil(t, resp.Error)
	out := decodeResult[struct {
		Agents []domain.AgentDescriptor `json:"agents"`
	}](t, resp)
	require.Len(t, out.Agents, 2)
	assert.Equal(t, "billing", out.Agents[0].ID)
	assert.True(t, out.Agents[1].StreamingSupported)
}
