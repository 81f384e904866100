package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"squadron/internal/domain"
	"squadron/internal/infra/config"
	"squadron/internal/infra/logger"
	"squadron/internal/infra/tracer"
)

const (
	defaultRegion    = "us-east-1"
	defaultMaxTokens = 1000
)

// bedrockAPI is the subset of the Bedrock runtime client used here.
type bedrockAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
	ApplyGuardrail(ctx context.Context, params *bedrockruntime.ApplyGuardrailInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ApplyGuardrailOutput, error)
}

// eventReader is satisfied by *bedrockruntime.ConverseStreamEventStream.
type eventReader interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

// CallObserver records backend call outcomes.
type CallObserver interface {
	ObserveBackend(backend string, err error, latency time.Duration)
}

// BedrockBackend implements domain.StreamingBackend with the Bedrock
// Converse API.
type BedrockBackend struct {
	name     string
	model    string
	client   bedrockAPI
	open     func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (eventReader, error)
	observer CallObserver
	logger   *slog.Logger
}

// BedrockOption customizes a BedrockBackend.
type BedrockOption func(*BedrockBackend)

// WithCallObserver reports every call to o.
func WithCallObserver(o CallObserver) BedrockOption {
	return func(b *BedrockBackend) { b.observer = o }
}

// NewBedrockClient builds a runtime client from the default AWS credential
// chain, honouring the configured region, profile and endpoint.
func NewBedrockClient(ctx context.Context, cfg config.BackendConfig) (*bedrockruntime.Client, error) {
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// NewBedrockBackend creates a backend for cfg.
func NewBedrockBackend(ctx context.Context, cfg config.BackendConfig, l *slog.Logger, opts ...BedrockOption) (*BedrockBackend, error) {
	client, err := NewBedrockClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newBedrockBackend(cfg.Name, cfg.Model, client, l, opts...), nil
}

func newBedrockBackend(name, model string, client bedrockAPI, l *slog.Logger, opts ...BedrockOption) *BedrockBackend {
	b := &BedrockBackend{
		name:   name,
		model:  model,
		client: client,
		logger: logger.OrDiscard(l).With("backend", name),
	}
	b.open = func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (eventReader, error) {
		out, err := b.client.ConverseStream(ctx, in)
		if err != nil {
			return nil, err
		}
		return out.GetStream(), nil
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements domain.Backend.
func (b *BedrockBackend) Name() string { return b.name }

// Generate implements domain.Backend.
func (b *BedrockBackend) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	model := b.modelFor(req)
	ctx, span := tracer.StartSpan(ctx, "backend.bedrock.generate",
		trace.WithAttributes(
			tracer.StringAttr("backend.name", b.name),
			tracer.StringAttr("backend.model", model),
		),
	)
	defer span.End()

	start := time.Now()
	out, err := b.client.Converse(ctx, toConverseInput(model, req))
	b.observe(err, time.Since(start))
	if err != nil {
		err = mapBedrockError(err)
		tracer.RecordError(span, err)
		return nil, err
	}

	resp := fromConverseOutput(out)
	span.SetAttributes(
		tracer.IntAttr("usage.input_tokens", resp.Usage.InputTokens),
		tracer.IntAttr("usage.output_tokens", resp.Usage.OutputTokens),
		tracer.StringAttr("stop_reason", string(resp.StopReason)),
	)
	tracer.SetOK(span)
	b.logger.Debug("converse completed",
		"model", model,
		"stop_reason", resp.StopReason,
		"tool_calls", len(resp.Message.ToolCalls),
		"total_tokens", resp.Usage.TotalTokens,
		"latency", time.Since(start),
	)
	return resp, nil
}

// GenerateStream implements domain.StreamingBackend. The reader goroutine
// stops and closes the event stream as soon as ctx is done.
func (b *BedrockBackend) GenerateStream(ctx context.Context, req domain.GenerateRequest) (<-chan domain.StreamDelta, error) {
	model := b.modelFor(req)
	start := time.Now()
	stream, err := b.open(ctx, toConverseStreamInput(model, req))
	if err != nil {
		b.observe(err, time.Since(start))
		return nil, mapBedrockError(err)
	}

	ch := make(chan domain.StreamDelta)
	go func() {
		defer close(ch)
		defer stream.Close()

		send := func(d domain.StreamDelta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		acc := newStreamAccumulator()
		events := stream.Events()
		for {
			var (
				evt types.ConverseStreamOutput
				ok  bool
			)
			select {
			case evt, ok = <-events:
			case <-ctx.Done():
				return
			}
			if !ok {
				break
			}
			for _, d := range acc.handle(evt) {
				if !send(d) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			b.observe(err, time.Since(start))
			send(domain.StreamDelta{Err: mapBedrockError(err)})
			return
		}
		if !acc.done && acc.stop == "" {
			err := domain.NewDomainError("Bedrock.GenerateStream", domain.ErrBackendInvocation, "stream ended before message stop")
			b.observe(err, time.Since(start))
			send(domain.StreamDelta{Err: err})
			return
		}
		b.observe(nil, time.Since(start))
		if !acc.done {
			send(domain.StreamDelta{StopReason: acc.stop, Done: true})
		}
	}()
	return ch, nil
}

func (b *BedrockBackend) modelFor(req domain.GenerateRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return b.model
}

func (b *BedrockBackend) observe(err error, latency time.Duration) {
	if b.observer != nil {
		b.observer.ObserveBackend(b.name, err, latency)
	}
}

// streamAccumulator turns Converse stream events into deltas. Tool input
// arrives in fragments and is emitted as one complete call when its
// content block stops.
type streamAccumulator struct {
	tools map[int32]*pendingToolUse
	stop  domain.StopReason
	done  bool
}

type pendingToolUse struct {
	id, name string
	input    strings.Builder
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{tools: make(map[int32]*pendingToolUse)}
}

func (a *streamAccumulator) handle(evt types.ConverseStreamOutput) []domain.StreamDelta {
	switch e := evt.(type) {
	case *types.ConverseStreamOutputMemberContentBlockStart:
		if start, ok := e.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
			a.tools[aws.ToInt32(e.Value.ContentBlockIndex)] = &pendingToolUse{
				id:   aws.ToString(start.Value.ToolUseId),
				name: aws.ToString(start.Value.Name),
			}
		}

	case *types.ConverseStreamOutputMemberContentBlockDelta:
		switch d := e.Value.Delta.(type) {
		case *types.ContentBlockDeltaMemberText:
			if d.Value != "" {
				return []domain.StreamDelta{{Text: d.Value}}
			}
		case *types.ContentBlockDeltaMemberToolUse:
			if p := a.tools[aws.ToInt32(e.Value.ContentBlockIndex)]; p != nil {
				p.input.WriteString(aws.ToString(d.Value.Input))
			}
		}

	case *types.ConverseStreamOutputMemberContentBlockStop:
		idx := aws.ToInt32(e.Value.ContentBlockIndex)
		p := a.tools[idx]
		if p == nil {
			return nil
		}
		delete(a.tools, idx)
		args := json.RawMessage(p.input.String())
		if len(args) == 0 || !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		return []domain.StreamDelta{{ToolCall: &domain.ToolCall{ID: p.id, Name: p.name, Arguments: args}}}

	case *types.ConverseStreamOutputMemberMessageStop:
		a.stop = domain.StopReason(e.Value.StopReason)

	case *types.ConverseStreamOutputMemberMetadata:
		a.done = true
		d := domain.StreamDelta{StopReason: a.stop, Done: true}
		if u := e.Value.Usage; u != nil {
			d.Usage = usageFrom(u)
		}
		return []domain.StreamDelta{d}
	}
	return nil
}

// --- request conversion ---

func toConverseInput(model string, req domain.GenerateRequest) *bedrockruntime.ConverseInput {
	in := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(model),
		Messages:        toBedrockMessages(req.Messages),
		InferenceConfig: toInferenceConfig(req.Inference),
		ToolConfig:      toToolConfig(req.Tools, req.ForceTool),
	}
	if req.SystemPrompt != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.SystemPrompt}}
	}
	if g := req.Guardrail; g != nil && g.Enabled() {
		in.GuardrailConfig = &types.GuardrailConfiguration{
			GuardrailIdentifier: aws.String(g.ID),
			GuardrailVersion:    aws.String(g.Version),
		}
	}
	return in
}

func toConverseStreamInput(model string, req domain.GenerateRequest) *bedrockruntime.ConverseStreamInput {
	ci := toConverseInput(model, req)
	in := &bedrockruntime.ConverseStreamInput{
		ModelId:         ci.ModelId,
		Messages:        ci.Messages,
		System:          ci.System,
		InferenceConfig: ci.InferenceConfig,
		ToolConfig:      ci.ToolConfig,
	}
	if g := req.Guardrail; g != nil && g.Enabled() {
		in.GuardrailConfig = &types.GuardrailStreamConfiguration{
			GuardrailIdentifier: aws.String(g.ID),
			GuardrailVersion:    aws.String(g.Version),
		}
	}
	return in
}

func toInferenceConfig(c domain.InferenceConfig) *types.InferenceConfiguration {
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &types.InferenceConfiguration{
		MaxTokens:     aws.Int32(int32(maxTokens)),
		Temperature:   c.Temperature,
		TopP:          c.TopP,
		StopSequences: c.StopSequences,
	}
}

func toBedrockMessages(msgs []domain.Message) []types.Message {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		var blocks []types.ContentBlock
		for _, r := range m.ToolResults {
			res := types.ToolResultBlock{
				ToolUseId: aws.String(r.ToolCallID),
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: r.Content}},
			}
			if r.IsError {
				res.Status = types.ToolResultStatusError
			}
			blocks = append(blocks, &types.ContentBlockMemberToolResult{Value: res})
		}
		if m.Content != "" {
			blocks = append(blocks, &types.ContentBlockMemberText{Value: m.Content})
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
				ToolUseId: aws.String(tc.ID),
				Name:      aws.String(tc.Name),
				Input:     document.NewLazyDocument(jsonObject(tc.Arguments)),
			}})
		}
		if len(blocks) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == domain.MessageAssistant {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{Role: role, Content: blocks})
	}
	return out
}

func toToolConfig(tools []domain.ToolSchema, force string) *types.ToolConfiguration {
	if len(tools) == 0 {
		return nil
	}
	cfg := &types.ToolConfiguration{}
	for _, t := range tools {
		schema := jsonObject(t.Parameters)
		if len(schema) == 0 {
			schema = map[string]any{"type": "object"}
		}
		cfg.Tools = append(cfg.Tools, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
			Name:        aws.String(t.Name),
			Description: aws.String(t.Description),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
		}})
	}
	if force != "" {
		cfg.ToolChoice = &types.ToolChoiceMemberTool{Value: types.SpecificToolChoice{Name: aws.String(force)}}
	}
	return cfg
}

func jsonObject(raw json.RawMessage) map[string]any {
	m := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &m)
	}
	return m
}

// --- response conversion ---

func fromConverseOutput(out *bedrockruntime.ConverseOutput) *domain.GenerateResponse {
	resp := &domain.GenerateResponse{
		Message:    domain.Message{Role: domain.MessageAssistant},
		StopReason: domain.StopReason(out.StopReason),
	}
	if u := usageFrom(out.Usage); u != nil {
		resp.Usage = *u
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return resp
	}
	var text []string
	for _, block := range msg.Value.Content {
		switch blk := block.(type) {
		case *types.ContentBlockMemberText:
			text = append(text, blk.Value)
		case *types.ContentBlockMemberToolUse:
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, domain.ToolCall{
				ID:        aws.ToString(blk.Value.ToolUseId),
				Name:      aws.ToString(blk.Value.Name),
				Arguments: marshalDocument(blk.Value.Input),
			})
		}
	}
	resp.Message.Content = strings.Join(text, "")
	return resp
}

func usageFrom(u *types.TokenUsage) *domain.Usage {
	if u == nil {
		return nil
	}
	in, out := int(aws.ToInt32(u.InputTokens)), int(aws.ToInt32(u.OutputTokens))
	total := int(aws.ToInt32(u.TotalTokens))
	if total == 0 {
		total = in + out
	}
	return &domain.Usage{InputTokens: in, OutputTokens: out, TotalTokens: total}
}

func marshalDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return json.RawMessage(`{}`)
	}
	var v any
	if err := doc.UnmarshalSmithyDocument(&v); err != nil {
		return json.RawMessage(`{}`)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// --- error mapping ---

// mapBedrockError attaches a domain sentinel to Bedrock API errors so the
// retry policy can classify them. The original error stays in the chain.
func mapBedrockError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case code == "ThrottlingException" || code == "TooManyRequestsException" || code == "ServiceQuotaExceededException":
			return fmt.Errorf("%w: %w", domain.ErrRateLimit, err)
		case code == "AccessDeniedException" || code == "UnrecognizedClientException" || code == "ExpiredTokenException":
			return fmt.Errorf("%w: %w", domain.ErrAuthInvalid, err)
		case code == "ValidationException" && strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "too long"):
			return fmt.Errorf("%w: %w", domain.ErrContextOverflow, err)
		case code == "ValidationException":
			return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
		case code == "ModelTimeoutException":
			return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
		case code == "ResourceNotFoundException":
			return fmt.Errorf("%w: %w", domain.ErrBackendNotFound, err)
		}
	}
	return domain.WrapOp("bedrock", err)
}

var _ domain.StreamingBackend = (*BedrockBackend)(nil)
