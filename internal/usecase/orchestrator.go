package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"squadron/internal/domain"
	"squadron/internal/infra/logger"
	"squadron/internal/infra/tracer"
	"squadron/internal/usecase/multiagent"
)

const (
	defaultFallbackMessage = "I'm sorry, I couldn't find the right specialist for that request. Could you rephrase it?"
	defaultErrorMessage    = "Something went wrong while answering. Please try again."
)

// OrchestratorConfig holds the fixed replies of the orchestrator.
type OrchestratorConfig struct {
	FallbackMessage string
	ErrorMessage    string
}

// OrchestratorDeps are the collaborators of an Orchestrator. Registry and
// Classifier are required; everything else is optional.
type OrchestratorDeps struct {
	Registry   *multiagent.Registry
	Classifier *multiagent.Classifier
	Locker     *SessionLocker
	Store      domain.ConversationStore
	Bus        domain.EventBus
	Observer   domain.TurnObserver
	Logger     *slog.Logger
	Config     OrchestratorConfig
	// Now is the clock; tests override it to drive eviction.
	Now func() time.Time
}

// Orchestrator routes user turns to agents and keeps per-session history.
// Turns of one session are serialized; different sessions run in parallel.
type Orchestrator struct {
	registry   *multiagent.Registry
	classifier *multiagent.Classifier
	locker     *SessionLocker
	sessions   *sessionTable
	store      domain.ConversationStore
	bus        domain.EventBus
	observer   domain.TurnObserver
	logger     *slog.Logger
	cfg        OrchestratorConfig
	now        func() time.Time
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	o := &Orchestrator{
		registry:   deps.Registry,
		classifier: deps.Classifier,
		locker:     deps.Locker,
		store:      deps.Store,
		bus:        deps.Bus,
		observer:   deps.Observer,
		logger:     logger.OrDiscard(deps.Logger),
		cfg:        deps.Config,
		now:        deps.Now,
	}
	if o.locker == nil {
		o.locker = NewSessionLocker()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.cfg.FallbackMessage == "" {
		o.cfg.FallbackMessage = defaultFallbackMessage
	}
	if o.cfg.ErrorMessage == "" {
		o.cfg.ErrorMessage = defaultErrorMessage
	}
	o.sessions = newSessionTable(deps.Store, func(id string, err error) {
		o.logger.Warn("session load failed, starting fresh", "session", id, "error", err)
	})
	return o
}

// RegisterAgent adds an agent to the registry.
func (o *Orchestrator) RegisterAgent(desc domain.AgentDescriptor, adapter domain.AgentAdapter) error {
	return o.registry.Register(desc, adapter)
}

// DeregisterAgent removes an agent. Sessions pinned to it fail their next
// turn with ErrAgentNotFound.
func (o *Orchestrator) DeregisterAgent(agentID string) error {
	return o.registry.Deregister(agentID)
}

// SetSystemPrompt replaces an agent's prompt template and variables.
func (o *Orchestrator) SetSystemPrompt(agentID, template string, vars domain.PromptVariables) error {
	e, err := o.registry.Entry(agentID)
	if err != nil {
		return err
	}
	e.Adapter.SetSystemPrompt(template, vars)
	o.logger.Info("system prompt replaced", "agent", agentID, "variables", len(vars))
	return nil
}

// Agents lists registered agents in registration order.
func (o *Orchestrator) Agents() []domain.AgentDescriptor {
	return o.registry.List()
}

// RouteOption tunes a single RouteTurn call.
type RouteOption func(*routeOptions)

type routeOptions struct {
	stream bool
}

// WithStreaming asks for a streamed response when the selected agent
// supports it.
func WithStreaming() RouteOption {
	return func(o *routeOptions) { o.stream = true }
}

// TurnResult is the outcome of RouteTurn. Exactly one of Response and
// Stream is set for a routed turn; a fallback carries neither.
type TurnResult struct {
	SessionID string
	AgentID   string
	Routed    bool
	Outcome   domain.RoutingOutcome
	UserTurn  domain.Turn
	// Turn is the recorded agent turn. For a streamed turn it is set when
	// the stream ends and may only be read after Done is closed.
	Turn     domain.Turn
	Response *domain.AgentResponse
	// Stream must be drained or closed: the session stays locked until it
	// ends.
	Stream *domain.Stream

	done chan struct{}
}

var closedDone = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Done is closed once the agent turn is recorded in Turn. For a streamed
// turn that happens before the final Recv or Close returns; otherwise it
// is closed already.
func (r *TurnResult) Done() <-chan struct{} {
	if r.done == nil {
		return closedDone
	}
	return r.done
}

// RouteTurn records the user input, selects an agent and invokes it. An
// empty sessionID starts a new session. On an invocation failure the error
// turn is recorded and both the result and the error are returned.
func (o *Orchestrator) RouteTurn(ctx context.Context, sessionID, input string, opts ...RouteOption) (*TurnResult, error) {
	var ro routeOptions
	for _, opt := range opts {
		opt(&ro)
	}
	if strings.TrimSpace(input) == "" {
		return nil, domain.NewDomainError("Orchestrator.RouteTurn", domain.ErrInvalidInput, "input is empty")
	}
	if sessionID == "" {
		sessionID = NewID()
	}

	ctx, span := tracer.StartSpan(ctx, "orchestrator.route_turn",
		trace.WithAttributes(
			tracer.StringAttr("session.id", sessionID),
			tracer.BoolAttr("stream.requested", ro.stream),
		),
	)

	unlock, err := o.locker.Lock(ctx, sessionID)
	if err != nil {
		tracer.RecordError(span, err)
		span.End()
		return nil, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			unlock()
			span.End()
		}
	}()

	start := o.now()
	state := o.sessions.get(ctx, sessionID, true, start)
	o.reportActive()

	prior := state.Turns()
	result := &TurnResult{SessionID: sessionID}
	result.UserTurn = domain.Turn{
		ID:        NewID(),
		Role:      domain.RoleUser,
		Content:   input,
		Status:    domain.TurnCompleted,
		Timestamp: start,
	}
	state.appendTurn(result.UserTurn)
	o.persist(ctx, state)

	state.setPhase(domain.PhaseRouting)
	entry, outcome, err := o.route(ctx, state, input, prior)
	result.Outcome = outcome
	if o.observer != nil {
		o.observer.ObserveRouting(outcome)
	}
	switch {
	case outcome == domain.RoutedFallback:
		result.Turn = o.recordFallback(ctx, state, start)
		span.SetAttributes(tracer.StringAttr("routing.outcome", string(outcome)))
		tracer.SetOK(span)
		return result, nil
	case err != nil:
		result.Turn = o.finishTurn(ctx, state, "", start, "", err)
		tracer.RecordError(span, err)
		return result, err
	}

	agentID := entry.Descriptor.ID
	result.AgentID = agentID
	result.Routed = true
	state.selectAgent(agentID)
	span.SetAttributes(
		tracer.StringAttr("agent.id", agentID),
		tracer.StringAttr("routing.outcome", string(outcome)),
	)
	publishEvent(o.bus, ctx, domain.EventTurnRouted, sessionID, domain.TurnEventPayload{
		AgentID: agentID,
		Pinned:  outcome == domain.RoutedPinned,
	})
	o.logger.Debug("turn routed", "session", sessionID, "agent", agentID, "outcome", outcome)

	state.setPhase(domain.PhaseInvoking)
	inv, err := entry.Adapter.Invoke(ctx, domain.InvokeRequest{
		SessionID: sessionID,
		History:   prior,
		Input:     input,
		Stream:    ro.stream,
	})
	if err != nil {
		result.Turn = o.finishTurn(ctx, state, agentID, start, "", err)
		tracer.RecordError(span, err)
		return result, err
	}

	if inv.Streaming() {
		handedOff = true
		result.done = make(chan struct{})
		result.Stream = o.wrapStream(ctx, inv.Stream, func(content string, err error) {
			defer unlock()
			result.Turn = o.finishTurn(ctx, state, agentID, start, content, err)
			close(result.done)
			endStreamSpan(span, result.Turn, err)
		})
		return result, nil
	}

	result.Response = inv.Response
	if result.Response != nil && result.Response.AgentID == "" {
		result.Response.AgentID = agentID
	}
	var content string
	if inv.Response != nil {
		content = inv.Response.Content
	}
	result.Turn = o.finishTurn(ctx, state, agentID, start, content, nil)
	tracer.SetOK(span)
	return result, nil
}

// route resolves the agent for this turn: the pinned agent, else the
// classifier's pick, else the default agent. A RoutedFallback outcome
// carries no entry and no error.
func (o *Orchestrator) route(ctx context.Context, state *ConversationState, input string, prior []domain.Turn) (multiagent.Entry, domain.RoutingOutcome, error) {
	if pinned := state.PinnedAgentID(); pinned != "" {
		e, err := o.registry.Entry(pinned)
		return e, domain.RoutedPinned, err
	}

	agentID, err := o.classifier.Classify(ctx, multiagent.ClassifyInput{
		Query:               input,
		History:             prior,
		LastSelectedAgentID: state.LastSelectedAgentID(),
	}, o.registry.List())
	if err == nil {
		e, err := o.registry.Entry(agentID)
		return e, domain.RoutedClassified, err
	}
	if !errors.Is(err, domain.ErrNoSuitableAgent) {
		return multiagent.Entry{}, domain.RoutedClassified, err
	}

	if e, derr := o.registry.Default(); derr == nil {
		o.logger.Debug("no suitable agent, using default", "session", state.ID(), "agent", e.Descriptor.ID)
		return e, domain.RoutedDefault, nil
	}
	o.logger.Info("no suitable agent", "session", state.ID(), "reason", err)
	return multiagent.Entry{}, domain.RoutedFallback, nil
}

func (o *Orchestrator) recordFallback(ctx context.Context, state *ConversationState, start time.Time) domain.Turn {
	turn := domain.Turn{
		ID:        NewID(),
		Role:      domain.RoleAgent,
		Content:   o.cfg.FallbackMessage,
		Status:    domain.TurnFallback,
		ErrorCode: domain.CodeNoSuitableAgent,
		Timestamp: o.now(),
	}
	state.appendTurn(turn)
	state.setPhase(domain.PhaseResponded)
	o.persist(ctx, state)

	latency := o.now().Sub(start)
	publishEvent(o.bus, ctx, domain.EventTurnFallback, state.ID(), domain.TurnEventPayload{
		TurnID:    turn.ID,
		Status:    turn.Status,
		ErrorCode: turn.ErrorCode,
		LatencyMs: latency.Milliseconds(),
	})
	if o.observer != nil {
		o.observer.ObserveTurn("", domain.TurnFallback, latency)
	}
	return turn
}

// finishTurn records the agent turn for a finished invocation. A nil err
// completes the turn; cancellation keeps the partial content; any other
// error records the configured error message and the error code.
func (o *Orchestrator) finishTurn(ctx context.Context, state *ConversationState, agentID string, start time.Time, content string, err error) domain.Turn {
	turn := domain.Turn{
		ID:        NewID(),
		Role:      domain.RoleAgent,
		Content:   content,
		AgentID:   agentID,
		Status:    domain.TurnCompleted,
		Timestamp: o.now(),
	}
	event := domain.EventTurnCompleted
	switch {
	case err == nil:
	case isCancellation(err):
		turn.Status = domain.TurnCancelled
		turn.ErrorCode = domain.CodeTurnCancelled
		event = domain.EventTurnCancelled
	default:
		turn.Status = domain.TurnError
		turn.Content = o.cfg.ErrorMessage
		turn.ErrorCode = domain.ErrorCodeOf(err)
		event = domain.EventTurnFailed
	}

	state.appendTurn(turn)
	state.setPhase(domain.PhaseResponded)
	o.persist(ctx, state)

	latency := o.now().Sub(start)
	publishEvent(o.bus, ctx, event, state.ID(), domain.TurnEventPayload{
		AgentID:   agentID,
		TurnID:    turn.ID,
		Status:    turn.Status,
		ErrorCode: turn.ErrorCode,
		LatencyMs: latency.Milliseconds(),
	})
	if o.observer != nil {
		o.observer.ObserveTurn(agentID, turn.Status, latency)
	}

	switch turn.Status {
	case domain.TurnError:
		o.logger.Warn("turn failed", "session", state.ID(), "agent", agentID, "code", turn.ErrorCode, "error", err)
	case domain.TurnCancelled:
		o.logger.Info("turn cancelled", "session", state.ID(), "agent", agentID, "partial_len", len(content))
	default:
		o.logger.Debug("turn completed", "session", state.ID(), "agent", agentID, "latency", latency)
	}
	return turn
}

// endStreamSpan closes the route_turn span of a streamed turn once the
// stream is over, so its latency covers the whole answer.
func endStreamSpan(span trace.Span, turn domain.Turn, err error) {
	span.SetAttributes(tracer.StringAttr("turn.status", string(turn.Status)))
	if err != nil && turn.Status == domain.TurnError {
		tracer.RecordError(span, err)
	} else {
		tracer.SetOK(span)
	}
	span.End()
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, domain.ErrStreamClosed) ||
		errors.Is(err, domain.ErrTurnCancelled)
}

// wrapStream forwards chunks from inner and calls finish exactly once with
// the accumulated text when the stream ends, fails, is closed or its
// context is cancelled.
func (o *Orchestrator) wrapStream(ctx context.Context, inner *domain.Stream, finish func(content string, err error)) *domain.Stream {
	var (
		mu   sync.Mutex
		text strings.Builder
		once sync.Once
		out  *domain.Stream
	)
	done := func(err error) {
		once.Do(func() {
			mu.Lock()
			content := text.String()
			mu.Unlock()
			finish(content, err)
		})
	}

	next := func() (domain.StreamChunk, error) {
		c, err := inner.Recv()
		switch {
		case err == nil:
			if c.Kind == domain.ChunkText {
				mu.Lock()
				text.WriteString(c.Text)
				mu.Unlock()
			}
			return c, nil
		case errors.Is(err, io.EOF):
			done(nil)
		case ctx.Err() != nil:
			done(ctx.Err())
		default:
			done(err)
		}
		return domain.StreamChunk{}, err
	}

	var stopWatch func() bool
	release := func() {
		if stopWatch != nil {
			stopWatch()
		}
		inner.Close()
		done(domain.ErrStreamClosed)
	}

	out = domain.NewStream(next, release)
	stopWatch = context.AfterFunc(ctx, func() { out.Close() })
	return out
}

// CloseSession ends a session: its state is dropped from memory and from
// the store. It waits for an in-flight turn of the session to finish.
func (o *Orchestrator) CloseSession(ctx context.Context, sessionID string) error {
	unlock, err := o.locker.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	if s, ok := o.sessions.lookup(sessionID); ok {
		s.setPhase(domain.PhaseClosed)
	}
	o.sessions.remove(sessionID)
	if o.store != nil {
		if err := o.store.Delete(context.WithoutCancel(ctx), sessionID); err != nil {
			o.logger.Warn("session delete failed", "session", sessionID, "error", err)
		}
	}
	o.reportActive()
	publishEvent(o.bus, ctx, domain.EventSessionClosed, sessionID, nil)
	o.logger.Info("session closed", "session", sessionID)
	return nil
}

// PinSession sends every later turn of the session to agentID, skipping
// classification, until UnpinSession.
func (o *Orchestrator) PinSession(ctx context.Context, sessionID, agentID string) error {
	if sessionID == "" {
		return domain.NewDomainError("Orchestrator.PinSession", domain.ErrInvalidInput, "session id is empty")
	}
	if _, err := o.registry.Get(agentID); err != nil {
		return err
	}
	return o.setPin(ctx, sessionID, agentID, domain.EventSessionPinned)
}

// UnpinSession restores classification for the session.
func (o *Orchestrator) UnpinSession(ctx context.Context, sessionID string) error {
	return o.setPin(ctx, sessionID, "", domain.EventSessionUnpinned)
}

func (o *Orchestrator) setPin(ctx context.Context, sessionID, agentID string, event domain.EventType) error {
	unlock, err := o.locker.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	state := o.sessions.get(ctx, sessionID, true, o.now())
	state.pin(agentID, o.now())
	o.persist(ctx, state)
	publishEvent(o.bus, ctx, event, sessionID, domain.TurnEventPayload{AgentID: agentID, Pinned: agentID != ""})
	o.logger.Info("session pin changed", "session", sessionID, "agent", agentID)
	return nil
}

// History returns a copy of the session's turns. Unknown sessions have an
// empty history. It does not wait for an in-flight turn.
func (o *Orchestrator) History(ctx context.Context, sessionID string) []domain.Turn {
	state := o.sessions.get(ctx, sessionID, false, o.now())
	if state == nil {
		return []domain.Turn{}
	}
	return state.Turns()
}

// Session returns a snapshot of the session, or false when it is unknown.
func (o *Orchestrator) Session(ctx context.Context, sessionID string) (*domain.SessionRecord, bool) {
	state := o.sessions.get(ctx, sessionID, false, o.now())
	if state == nil {
		return nil, false
	}
	return state.record(), true
}

// EvictIdle drops in-memory sessions not updated for olderThan. Sessions
// with a turn in flight are skipped. Persisted records are kept, so an
// evicted session is reloaded on its next turn. Returns the number evicted.
func (o *Orchestrator) EvictIdle(olderThan time.Duration) int {
	cutoff := o.now().Add(-olderThan)
	evicted := 0
	for _, id := range o.sessions.idleSince(cutoff) {
		unlock, ok := o.locker.TryLock(id)
		if !ok {
			continue
		}
		if s, ok := o.sessions.lookup(id); ok && s.UpdatedAt().Before(cutoff) {
			o.sessions.remove(id)
			evicted++
			publishEvent(o.bus, context.Background(), domain.EventSessionEvicted, id, nil)
		}
		unlock()
	}
	if evicted > 0 {
		o.logger.Info("idle sessions evicted", "count", evicted, "older_than", olderThan)
	}
	o.reportActive()
	return evicted
}

// ActiveSessions returns the number of sessions held in memory.
func (o *Orchestrator) ActiveSessions() int {
	return o.sessions.len()
}

func (o *Orchestrator) reportActive() {
	if o.observer != nil {
		o.observer.SetActiveSessions(o.sessions.len())
	}
}

// persist writes the session through to the store. Failures are logged and
// never fail the turn.
func (o *Orchestrator) persist(ctx context.Context, state *ConversationState) {
	if o.store == nil {
		return
	}
	if err := o.store.Save(context.WithoutCancel(ctx), state.record()); err != nil {
		o.logger.Warn("session save failed", "session", state.ID(), "error", err)
	}
}

// publishEvent marshals payload and publishes it. A nil bus is a no-op.
func publishEvent(bus domain.EventBus, ctx context.Context, eventType domain.EventType, sessionID string, payload any) {
	if bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Payload:   raw,
	})
}
