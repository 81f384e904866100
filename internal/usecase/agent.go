package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"squadron/internal/domain"
	"squadron/internal/infra/logger"
	"squadron/internal/infra/tracer"
	"squadron/internal/usecase/prompt"
)

const (
	defaultMaxIterations            = 10
	defaultToolTimeout              = 30 * time.Second
	defaultRetrievalTimeout         = 5 * time.Second
	defaultToolContinuationAttempts = 2
)

// contextPreamble introduces retrieved passages in the system prompt.
const contextPreamble = "\nHere is the context to use to answer the user's question:\n"

// AgentConfig holds the dependencies and limits of one Agent.
type AgentConfig struct {
	Descriptor domain.AgentDescriptor
	Backend    domain.Backend
	Model      string
	Inference  domain.InferenceConfig

	Template  string
	Variables domain.PromptVariables
	// StrictPrompt fails invocations whose template references unbound
	// variables instead of passing the placeholders through.
	StrictPrompt bool

	Guardrail    domain.Guardrail // optional
	GuardrailRef domain.GuardrailRef

	Retriever        domain.Retriever // optional
	RetrievalTimeout time.Duration

	Tools                    domain.ToolExecutor // optional
	ToolTimeout              time.Duration
	ToolContinuationAttempts int
	MaxIterations            int

	History HistoryWindow

	Retry           RetryPolicy
	ErrorClassifier *ErrorClassifier // nil disables retries
	Bus             domain.EventBus  // optional, receives tool.called
	Logger          *slog.Logger
}

// Agent adapts one backend to the domain.AgentAdapter contract: it renders
// the system prompt, adds retrieved context, runs the tool round trip and
// applies the guardrail.
type Agent struct {
	cfg    AgentConfig
	logger *slog.Logger

	mu     sync.RWMutex
	prompt prompt.Template
}

// NewAgent creates an agent adapter. Zero limits get defaults.
func NewAgent(cfg AgentConfig) *Agent {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = defaultRetrievalTimeout
	}
	if cfg.ToolContinuationAttempts <= 0 {
		cfg.ToolContinuationAttempts = defaultToolContinuationAttempts
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Agent{
		cfg:    cfg,
		logger: logger.OrDiscard(cfg.Logger).With("agent", cfg.Descriptor.ID),
		prompt: prompt.New(cfg.Template, cfg.Variables),
	}
}

// Descriptor returns the agent's descriptor.
func (a *Agent) Descriptor() domain.AgentDescriptor { return a.cfg.Descriptor.Clone() }

// SetSystemPrompt replaces the template and its variables wholesale.
func (a *Agent) SetSystemPrompt(template string, vars domain.PromptVariables) {
	t := prompt.New(template, vars)
	a.mu.Lock()
	a.prompt = t
	a.mu.Unlock()
}

func (a *Agent) currentPrompt() prompt.Template {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.prompt
}

// Invoke runs one turn. The response streams only when req.Stream is set,
// the descriptor supports streaming and the backend can stream.
func (a *Agent) Invoke(ctx context.Context, req domain.InvokeRequest) (*domain.Invocation, error) {
	ctx, span := tracer.StartSpan(ctx, "agent.invoke",
		trace.WithAttributes(
			tracer.StringAttr("agent.id", a.cfg.Descriptor.ID),
			tracer.StringAttr("session.id", req.SessionID),
			tracer.BoolAttr("stream.requested", req.Stream),
		),
	)
	defer span.End()

	gen, err := a.prepare(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	if sb, ok := a.cfg.Backend.(domain.StreamingBackend); ok && req.Stream && a.cfg.Descriptor.StreamingSupported {
		tracer.SetOK(span)
		return &domain.Invocation{Stream: a.newStream(ctx, sb, req.SessionID, gen)}, nil
	}

	resp, err := a.runLoop(ctx, req.SessionID, gen)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	resp.Content, err = a.applyGuardrail(ctx, resp.Content)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(tracer.IntAttr("usage.total_tokens", resp.Usage.TotalTokens))
	tracer.SetOK(span)
	return &domain.Invocation{Response: resp}, nil
}

// prepare applies the input guardrail, renders the system prompt, appends
// retrieved context and builds the message list.
func (a *Agent) prepare(ctx context.Context, req domain.InvokeRequest) (domain.GenerateRequest, error) {
	input, err := a.applyGuardrail(ctx, req.Input)
	if err != nil {
		return domain.GenerateRequest{}, err
	}

	var opts []prompt.Option
	if a.cfg.StrictPrompt {
		opts = append(opts, prompt.Strict())
	}
	system, err := a.currentPrompt().Render(opts...)
	if err != nil {
		return domain.GenerateRequest{}, err
	}
	if passages := a.fetchContext(ctx, input); passages != "" {
		system += contextPreamble + passages
	}

	msgs := historyMessages(req.History)
	msgs = append(msgs, domain.Message{Role: domain.MessageUser, Content: input})
	msgs = normalizeRoles(msgs)
	msgs = a.cfg.History.Apply(system, msgs)

	gen := domain.GenerateRequest{
		Model:        a.cfg.Model,
		SystemPrompt: system,
		Messages:     msgs,
		Inference:    a.cfg.Inference,
	}
	if a.cfg.Tools != nil {
		gen.Tools = a.cfg.Tools.Schemas()
	}
	if a.cfg.GuardrailRef.Enabled() {
		ref := a.cfg.GuardrailRef
		gen.Guardrail = &ref
	}
	return gen, nil
}

func (a *Agent) fetchContext(ctx context.Context, query string) string {
	if a.cfg.Retriever == nil {
		return ""
	}
	rctx, cancel := context.WithTimeout(ctx, a.cfg.RetrievalTimeout)
	defer cancel()

	passages, err := a.cfg.Retriever.FetchContext(rctx, query)
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrRetrievalFailure, err)
		a.logger.Warn("retrieval failed, answering without context", "error", err)
		return ""
	}
	parts := make([]string, 0, len(passages))
	for _, p := range passages {
		if s := strings.TrimSpace(p.Content); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

func (a *Agent) applyGuardrail(ctx context.Context, content string) (string, error) {
	if a.cfg.Guardrail == nil || !a.cfg.GuardrailRef.Enabled() {
		return content, nil
	}
	out, err := a.cfg.Guardrail.Apply(ctx, content, a.cfg.GuardrailRef.ID, a.cfg.GuardrailRef.Version)
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, domain.ErrGuardrailViolation), ctx.Err() != nil:
		return "", err
	default:
		return "", fmt.Errorf("%w: guardrail: %w", domain.ErrBackendInvocation, err)
	}
}

// runLoop is the composed (non-streaming) model/tool round trip.
func (a *Agent) runLoop(ctx context.Context, sessionID string, gen domain.GenerateRequest) (*domain.AgentResponse, error) {
	resp := &domain.AgentResponse{AgentID: a.cfg.Descriptor.ID}
	rt := newToolRound(a, sessionID)

	for i := 0; i < a.cfg.MaxIterations; i++ {
		out, err := a.generate(ctx, gen)
		if err != nil {
			return nil, err
		}
		resp.Usage.Add(out.Usage)
		resp.StopReason = out.StopReason
		if out.StopReason.Blocked() {
			return nil, domain.NewDomainError("Agent.Invoke", domain.ErrGuardrailViolation, "backend guardrail intervened")
		}
		if len(out.Message.ToolCalls) == 0 {
			resp.Content = out.Message.Content
			return resp, nil
		}

		results, err := rt.run(ctx, out.Message.ToolCalls)
		if err != nil {
			return nil, err
		}
		resp.ToolCalls = append(resp.ToolCalls, out.Message.ToolCalls...)
		resp.ToolResults = append(resp.ToolResults, results...)
		gen.Messages = append(gen.Messages,
			domain.Message{Role: domain.MessageAssistant, Content: out.Message.Content, ToolCalls: out.Message.ToolCalls},
			domain.Message{Role: domain.MessageUser, ToolResults: results},
		)
	}
	return nil, a.loopLimitError()
}

func (a *Agent) loopLimitError() error {
	return domain.NewDomainError("Agent.Invoke", domain.ErrBackendInvocation,
		fmt.Sprintf("tool loop limit of %d iterations reached", a.cfg.MaxIterations))
}

func (a *Agent) generate(ctx context.Context, gen domain.GenerateRequest) (*domain.GenerateResponse, error) {
	var out *domain.GenerateResponse
	err := a.withRetry(ctx, "generate", func(ctx context.Context) error {
		ctx, span := tracer.StartSpan(ctx, "agent.backend_call")
		defer span.End()
		resp, err := a.cfg.Backend.Generate(ctx, gen)
		if err != nil {
			tracer.RecordError(span, err)
			return err
		}
		out = resp
		return nil
	})
	return out, err
}

// withRetry retries transient backend failures with exponential backoff.
func (a *Agent) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if a.cfg.ErrorClassifier == nil || attempt >= a.cfg.Retry.MaxRetries {
			return a.backendError(err)
		}
		if a.cfg.ErrorClassifier.Classify(err).Category != ErrorCategoryRetryable {
			return a.backendError(err)
		}
		delay := a.cfg.Retry.Backoff(attempt)
		a.logger.Info("retrying backend "+op+" after error",
			"attempt", attempt+1, "delay", delay, "error", err)
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
}

// backendError wraps err in ErrBackendInvocation unless it already carries
// a taxonomy error that is more specific.
func (a *Agent) backendError(err error) error {
	switch {
	case errors.Is(err, domain.ErrBackendInvocation),
		errors.Is(err, domain.ErrGuardrailViolation),
		errors.Is(err, domain.ErrToolInvocationTimeout):
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrBackendInvocation, a.cfg.Backend.Name(), err)
}

var _ domain.AgentAdapter = (*Agent)(nil)
