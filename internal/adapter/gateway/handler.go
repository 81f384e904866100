package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"squadron/internal/domain"
	"squadron/internal/infra/logger"
	"squadron/internal/usecase"
)

// Orchestrator is the part of *usecase.Orchestrator the RPC handlers use.
type Orchestrator interface {
	RouteTurn(ctx context.Context, sessionID, input string, opts ...usecase.RouteOption) (*usecase.TurnResult, error)
	CloseSession(ctx context.Context, sessionID string) error
	PinSession(ctx context.Context, sessionID, agentID string) error
	UnpinSession(ctx context.Context, sessionID string) error
	History(ctx context.Context, sessionID string) []domain.Turn
	Agents() []domain.AgentDescriptor
}

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Orchestrator Orchestrator
	Logger       *slog.Logger
}

// RegisterDefaultHandlers registers the squadron RPC methods on s.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	h := &handlers{orch: deps.Orchestrator, logger: logger.OrDiscard(deps.Logger)}

	s.RegisterHandler("turn.route", h.turnRoute)
	s.RegisterHandler("turn.cancel", h.turnCancel)
	s.RegisterHandler("session.close", h.sessionClose)
	s.RegisterHandler("session.pin", h.sessionPin)
	s.RegisterHandler("session.unpin", h.sessionUnpin)
	s.RegisterHandler("session.history", h.sessionHistory)
	s.RegisterHandler("agent.list", h.agentList)
}

type handlers struct {
	orch   Orchestrator
	logger *slog.Logger
	active sync.Map // session id -> context.CancelFunc
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", domain.ErrRPCInvalidPayload)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRPCInvalidPayload, err)
	}
	return nil
}

// --- turn ---

type turnRouteRequest struct {
	SessionID string `json:"session_id"`
	Input     string `json:"input"`
	Stream    bool   `json:"stream"`
}

type turnRouteResponse struct {
	SessionID string                `json:"session_id"`
	AgentID   string                `json:"agent_id,omitempty"`
	Routed    bool                  `json:"routed"`
	Outcome   domain.RoutingOutcome `json:"outcome"`
	Streamed  bool                  `json:"streamed"`
	Content   string                `json:"content"`
	Turn      domain.Turn           `json:"turn"`
	Response  *domain.AgentResponse `json:"response,omitempty"`
}

type turnChunk struct {
	SessionID string             `json:"session_id"`
	AgentID   string             `json:"agent_id"`
	Chunk     domain.StreamChunk `json:"chunk"`
}

func (h *handlers) turnRoute(ctx context.Context, req *Request) (json.RawMessage, error) {
	var in turnRouteRequest
	if err := decode(req.Payload, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Input) == "" {
		return nil, fmt.Errorf("%w: input is required", domain.ErrRPCInvalidPayload)
	}
	if in.SessionID == "" {
		in.SessionID = usecase.NewID()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.active.Store(in.SessionID, cancel)
	defer h.active.CompareAndDelete(in.SessionID, cancel)

	var opts []usecase.RouteOption
	if in.Stream {
		opts = append(opts, usecase.WithStreaming())
	}
	res, err := h.orch.RouteTurn(ctx, in.SessionID, in.Input, opts...)
	if res == nil {
		return nil, err
	}

	out := turnRouteResponse{
		SessionID: res.SessionID,
		AgentID:   res.AgentID,
		Routed:    res.Routed,
		Outcome:   res.Outcome,
		Turn:      res.Turn,
		Response:  res.Response,
		Content:   res.Turn.Content,
	}
	if res.Stream != nil {
		out.Streamed = true
		err = h.relay(ctx, req, res)
		<-res.Done()
		out.Turn = res.Turn
		out.Content = res.Turn.Content
	}
	data, merr := json.Marshal(out)
	if merr != nil {
		return nil, merr
	}
	return data, err
}

// relay forwards every chunk of the streamed turn to the caller as a
// turn.chunk event frame.
func (h *handlers) relay(ctx context.Context, req *Request, res *usecase.TurnResult) error {
	defer res.Stream.Close()
	for chunk, err := range res.Stream.Chunks() {
		if err != nil {
			return err
		}
		if nerr := req.Notify(ctx, "turn.chunk", turnChunk{SessionID: res.SessionID, AgentID: res.AgentID, Chunk: chunk}); nerr != nil {
			h.logger.Debug("chunk not delivered, closing stream", "session", res.SessionID, "error", nerr)
			return nerr
		}
	}
	return nil
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id,omitempty"`
}

func (r sessionRequest) validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", domain.ErrRPCInvalidPayload)
	}
	return nil
}

func decodeSession(payload json.RawMessage) (sessionRequest, error) {
	var in sessionRequest
	if err := decode(payload, &in); err != nil {
		return in, err
	}
	return in, in.validate()
}

type ackResponse struct {
	OK bool `json:"ok"`
}

func ack() (json.RawMessage, error) { return json.Marshal(ackResponse{OK: true}) }

// turnCancel cancels the in-flight turn of a session started over this
// gateway. Cancelling an idle session is not an error.
func (h *handlers) turnCancel(_ context.Context, req *Request) (json.RawMessage, error) {
	in, err := decodeSession(req.Payload)
	if err != nil {
		return nil, err
	}
	v, ok := h.active.Load(in.SessionID)
	if ok {
		v.(context.CancelFunc)()
	}
	return json.Marshal(struct {
		Cancelled bool `json:"cancelled"`
	}{ok})
}

// --- session ---

func (h *handlers) sessionClose(ctx context.Context, req *Request) (json.RawMessage, error) {
	in, err := decodeSession(req.Payload)
	if err != nil {
		return nil, err
	}
	if err := h.orch.CloseSession(ctx, in.SessionID); err != nil {
		return nil, err
	}
	return ack()
}

func (h *handlers) sessionPin(ctx context.Context, req *Request) (json.RawMessage, error) {
	in, err := decodeSession(req.Payload)
	if err != nil {
		return nil, err
	}
	if in.AgentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", domain.ErrRPCInvalidPayload)
	}
	if err := h.orch.PinSession(ctx, in.SessionID, in.AgentID); err != nil {
		return nil, err
	}
	return ack()
}

func (h *handlers) sessionUnpin(ctx context.Context, req *Request) (json.RawMessage, error) {
	in, err := decodeSession(req.Payload)
	if err != nil {
		return nil, err
	}
	if err := h.orch.UnpinSession(ctx, in.SessionID); err != nil {
		return nil, err
	}
	return ack()
}

type historyResponse struct {
	SessionID string        `json:"session_id"`
	Turns     []domain.Turn `json:"turns"`
}

func (h *handlers) sessionHistory(ctx context.Context, req *Request) (json.RawMessage, error) {
	in, err := decodeSession(req.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(historyResponse{SessionID: in.SessionID, Turns: h.orch.History(ctx, in.SessionID)})
}

// --- agents ---

func (h *handlers) agentList(context.Context, *Request) (json.RawMessage, error) {
	return json.Marshal(struct {
		Agents []domain.AgentDescriptor `json:"agents"`
	}{h.orch.Agents()})
}
