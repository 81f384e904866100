package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"squadron/internal/domain"
)

// --- Mock Bedrock client ---

type mockBedrockClient struct {
	converseFunc  func(ctx context.Context, params *bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error)
	guardrailFunc func(ctx context.Context, params *bedrockruntime.ApplyGuardrailInput) (*bedrockruntime.ApplyGuardrailOutput, error)
}

func (m *mockBedrockClient) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	if m.converseFunc != nil {
		return m.converseFunc(ctx, params)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *mockBedrockClient) ConverseStream(context.Context, *bedrockruntime.ConverseStreamInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	return nil, fmt.Errorf("not implemented")
}

func (m *mockBedrockClient) ApplyGuardrail(ctx context.Context, params *bedrockruntime.ApplyGuardrailInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ApplyGuardrailOutput, error) {
	if m.guardrailFunc != nil {
		return m.guardrailFunc(ctx, params)
	}
	return nil, fmt.Errorf("not implemented")
}

// fakeEvents is an eventReader fed from a slice.
type fakeEvents struct {
	ch     chan types.ConverseStreamOutput
	err    error
	mu     sync.Mutex
	closed bool
}

func newFakeEvents(err error, events ...types.ConverseStreamOutput) *fakeEvents {
	ch := make(chan types.ConverseStreamOutput, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return &fakeEvents{ch: ch, err: err}
}

func (f *fakeEvents) Events() <-chan types.ConverseStreamOutput { return f.ch }
func (f *fakeEvents) Err() error                               { return f.err }
func (f *fakeEvents) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
func (f *fakeEvents) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []error
}

func (o *recordingObserver) ObserveBackend(_ string, err error, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, err)
}

func textDelta(s string) types.ConverseStreamOutput {
	return &types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
		ContentBlockIndex: aws.Int32(0),
		Delta:             &types.ContentBlockDeltaMemberText{Value: s},
	}}
}

func collect(t *testing.T, ch <-chan domain.StreamDelta) []domain.StreamDelta {
	t.Helper()
	var out []domain.StreamDelta
	timeout := time.After(2 * time.Second)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, d)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

// --- Tests ---

func TestBedrockGenerate(t *testing.T) {
	var received *bedrockruntime.ConverseInput
	mock := &mockBedrockClient{
		converseFunc: func(_ context.Context, params *bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error) {
			received = params
			return &bedrockruntime.ConverseOutput{
				Output: &types.ConverseOutputMemberMessage{Value: types.Message{
					Role:    types.ConversationRoleAssistant,
					Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: "Sunny, 22C."}},
				}},
				StopReason: types.StopReasonEndTurn,
				Usage:      &types.TokenUsage{InputTokens: aws.Int32(12), OutputTokens: aws.Int32(4), TotalTokens: aws.Int32(16)},
			}, nil
		},
	}
	obs := &recordingObserver{}
	b := newBedrockBackend("primary", "anthropic.claude-3-haiku", mock, nil, WithCallObserver(obs))

	temp := float32(0.2)
	resp, err := b.Generate(context.Background(), domain.GenerateRequest{
		SystemPrompt: "You are the weather agent.",
		Messages:     []domain.Message{{Role: domain.MessageUser, Content: "weather in Paris?"}},
		Inference:    domain.InferenceConfig{Temperature: &temp},
		Guardrail:    &domain.GuardrailRef{ID: "gr-1", Version: "2"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Sunny, 22C.", resp.Message.Content)
	assert.Equal(t, domain.MessageAssistant, resp.Message.Role)
	assert.Equal(t, domain.StopEndTurn, resp.StopReason)
	assert.Equal(t, domain.Usage{InputTokens: 12, OutputTokens: 4, TotalTokens: 16}, resp.Usage)

	require.NotNil(t, received)
	assert.Equal(t, "anthropic.claude-3-haiku", aws.ToString(received.ModelId))
	require.Len(t, received.System, 1)
	assert.Equal(t, "You are the weather agent.", received.System[0].(*types.SystemContentBlockMemberText).Value)
	require.Len(t, received.Messages, 1)
	assert.Equal(t, types.ConversationRoleUser, received.Messages[0].Role)
	assert.Equal(t, int32(defaultMaxTokens), aws.ToInt32(received.InferenceConfig.MaxTokens))
	assert.Equal(t, &temp, received.InferenceConfig.Temperature)
	require.NotNil(t, received.GuardrailConfig)
	assert.Equal(t, "gr-1", aws.ToString(received.GuardrailConfig.GuardrailIdentifier))
	assert.Nil(t, received.ToolConfig)

	require.Len(t, obs.calls, 1)
	assert.NoError(t, obs.calls[0])
}

func TestBedrockGenerateModelOverride(t *testing.T) {
	var model string
	mock := &mockBedrockClient{
		converseFunc: func(_ context.Context, params *bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error) {
			model = aws.ToString(params.ModelId)
			return &bedrockruntime.ConverseOutput{StopReason: types.StopReasonEndTurn}, nil
		},
	}
	b := newBedrockBackend("primary", "default-model", mock, nil)
	_, err := b.Generate(context.Background(), domain.GenerateRequest{Model: "agent-model"})
	require.NoError(t, err)
	assert.Equal(t, "agent-model", model)
}

func TestBedrockGenerateToolUse(t *testing.T) {
	var received *bedrockruntime.ConverseInput
	mock := &mockBedrockClient{
		converseFunc: func(_ context.Context, params *bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error) {
			received = params
			return &bedrockruntime.ConverseOutput{
				Output: &types.ConverseOutputMemberMessage{Value: types.Message{
					Role: types.ConversationRoleAssistant,
					Content: []types.ContentBlock{
						&types.ContentBlockMemberText{Value: "Let me check."},
						&types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
							ToolUseId: aws.String("tu-1"),
							Name:      aws.String("get_forecast"),
							Input:     document.NewLazyDocument(map[string]any{"city": "Paris"}),
						}},
					},
				}},
				StopReason: types.StopReasonToolUse,
			}, nil
		},
	}
	b := newBedrockBackend("primary", "m", mock, nil)

	resp, err := b.Generate(context.Background(), domain.GenerateRequest{
		Messages: []domain.Message{
			{Role: domain.MessageUser, Content: "forecast?"},
			{Role: domain.MessageAssistant, ToolCalls: []domain.ToolCall{{ID: "tu-0", Name: "get_forecast", Arguments: json.RawMessage(`{"city":"Rome"}`)}}},
			{Role: domain.MessageUser, ToolResults: []domain.ToolResult{{ToolCallID: "tu-0", Content: "boom", IsError: true}}},
		},
		Tools: []domain.ToolSchema{{
			Name:        "get_forecast",
			Description: "Weather forecast",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
		}},
		ForceTool: "get_forecast",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StopToolUse, resp.StopReason)
	assert.Equal(t, "Let me check.", resp.Message.Content)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "tu-1", resp.Message.ToolCalls[0].ID)
	assert.JSONEq(t, `{"city":"Paris"}`, string(resp.Message.ToolCalls[0].Arguments))

	require.Len(t, received.Messages, 3)
	use, ok := received.Messages[1].Content[0].(*types.ContentBlockMemberToolUse)
	require.True(t, ok)
	assert.Equal(t, "tu-0", aws.ToString(use.Value.ToolUseId))
	res, ok := received.Messages[2].Content[0].(*types.ContentBlockMemberToolResult)
	require.True(t, ok)
	assert.Equal(t, types.ToolResultStatusError, res.Value.Status)

	require.NotNil(t, received.ToolConfig)
	require.Len(t, received.ToolConfig.Tools, 1)
	choice, ok := received.ToolConfig.ToolChoice.(*types.ToolChoiceMemberTool)
	require.True(t, ok)
	assert.Equal(t, "get_forecast", aws.ToString(choice.Value.Name))
}

func TestBedrockErrorMapping(t *testing.T) {
	tests := []struct {
		code, msg string
		want      error
	}{
		{"ThrottlingException", "slow down", domain.ErrRateLimit},
		{"ServiceQuotaExceededException", "quota", domain.ErrRateLimit},
		{"AccessDeniedException", "denied", domain.ErrAuthInvalid},
		{"ExpiredTokenException", "expired", domain.ErrAuthInvalid},
		{"ValidationException", "Input is too long for requested model", domain.ErrContextOverflow},
		{"ValidationException", "bad field", domain.ErrInvalidInput},
		{"ModelTimeoutException", "timeout", domain.ErrTimeout},
		{"ResourceNotFoundException", "no model", domain.ErrBackendNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.code+"/"+tt.msg, func(t *testing.T) {
			apiErr := &smithy.GenericAPIError{Code: tt.code, Message: tt.msg}
			mock := &mockBedrockClient{
				converseFunc: func(context.Context, *bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error) {
					return nil, apiErr
				},
			}
			_, err := newBedrockBackend("b", "m", mock, nil).Generate(context.Background(), domain.GenerateRequest{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			var got smithy.APIError
			assert.True(t, errors.As(err, &got), "original API error kept in chain")
		})
	}

	t.Run("context errors pass through", func(t *testing.T) {
		assert.Equal(t, context.Canceled, mapBedrockError(context.Canceled))
	})
	t.Run("unknown errors", func(t *testing.T) {
		err := mapBedrockError(errors.New("network down"))
		assert.EqualError(t, err, "bedrock: network down")
	})
}

func TestBedrockGenerateStream(t *testing.T) {
	events := newFakeEvents(nil,
		textDelta("Cloudy "),
		textDelta("with rain."),
		&types.ConverseStreamOutputMemberMessageStop{Value: types.MessageStopEvent{StopReason: types.StopReasonEndTurn}},
		&types.ConverseStreamOutputMemberMetadata{Value: types.ConverseStreamMetadataEvent{
			Usage: &types.TokenUsage{InputTokens: aws.Int32(3), OutputTokens: aws.Int32(4)},
		}},
	)
	b := newBedrockBackend("b", "m", &mockBedrockClient{}, nil)
	var gotInput *bedrockruntime.ConverseStreamInput
	b.open = func(_ context.Context, in *bedrockruntime.ConverseStreamInput) (eventReader, error) {
		gotInput = in
		return events, nil
	}

	ch, err := b.GenerateStream(context.Background(), domain.GenerateRequest{
		Messages:  []domain.Message{{Role: domain.MessageUser, Content: "hi"}},
		Guardrail: &domain.GuardrailRef{ID: "gr", Version: "1"},
	})
	require.NoError(t, err)
	deltas := collect(t, ch)

	require.Len(t, deltas, 3)
	assert.Equal(t, "Cloudy ", deltas[0].Text)
	assert.Equal(t, "with rain.", deltas[1].Text)
	assert.True(t, deltas[2].Done)
	assert.Equal(t, domain.StopEndTurn, deltas[2].StopReason)
	assert.Equal(t, &domain.Usage{InputTokens: 3, OutputTokens: 4, TotalTokens: 7}, deltas[2].Usage)
	assert.True(t, events.isClosed())
	require.NotNil(t, gotInput.GuardrailConfig)
	assert.Equal(t, "gr", aws.ToString(gotInput.GuardrailConfig.GuardrailIdentifier))
}

func TestBedrockGenerateStreamToolUse(t *testing.T) {
	idx := aws.Int32(1)
	events := newFakeEvents(nil,
		&types.ConverseStreamOutputMemberContentBlockStart{Value: types.ContentBlockStartEvent{
			ContentBlockIndex: idx,
			Start: &types.ContentBlockStartMemberToolUse{Value: types.ToolUseBlockStart{
				ToolUseId: aws.String("tu-9"), Name: aws.String("get_forecast"),
			}},
		}},
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			ContentBlockIndex: idx,
			Delta:             &types.ContentBlockDeltaMemberToolUse{Value: types.ToolUseBlockDelta{Input: aws.String(`{"city":`)}},
		}},
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			ContentBlockIndex: idx,
			Delta:             &types.ContentBlockDeltaMemberToolUse{Value: types.ToolUseBlockDelta{Input: aws.String(`"Oslo"}`)}},
		}},
		&types.ConverseStreamOutputMemberContentBlockStop{Value: types.ContentBlockStopEvent{ContentBlockIndex: idx}},
		&types.ConverseStreamOutputMemberMessageStop{Value: types.MessageStopEvent{StopReason: types.StopReasonToolUse}},
	)
	b := newBedrockBackend("b", "m", &mockBedrockClient{}, nil)
	b.open = func(context.Context, *bedrockruntime.ConverseStreamInput) (eventReader, error) { return events, nil }

	ch, err := b.GenerateStream(context.Background(), domain.GenerateRequest{})
	require.NoError(t, err)
	deltas := collect(t, ch)

	require.Len(t, deltas, 2)
	require.NotNil(t, deltas[0].ToolCall)
	assert.Equal(t, "tu-9", deltas[0].ToolCall.ID)
	assert.JSONEq(t, `{"city":"Oslo"}`, string(deltas[0].ToolCall.Arguments))
	// No metadata event: a synthetic Done still carries the stop reason.
	assert.True(t, deltas[1].Done)
	assert.Equal(t, domain.StopToolUse, deltas[1].StopReason)
}

func TestBedrockGenerateStreamErrors(t *testing.T) {
	t.Run("open failure", func(t *testing.T) {
		b := newBedrockBackend("b", "m", &mockBedrockClient{}, nil)
		b.open = func(context.Context, *bedrockruntime.ConverseStreamInput) (eventReader, error) {
			return nil, &smithy.GenericAPIError{Code: "ThrottlingException"}
		}
		_, err := b.GenerateStream(context.Background(), domain.GenerateRequest{})
		assert.ErrorIs(t, err, domain.ErrRateLimit)
	})

	t.Run("mid-stream failure", func(t *testing.T) {
		events := newFakeEvents(&smithy.GenericAPIError{Code: "ModelTimeoutException"}, textDelta("par"))
		b := newBedrockBackend("b", "m", &mockBedrockClient{}, nil)
		b.open = func(context.Context, *bedrockruntime.ConverseStreamInput) (eventReader, error) { return events, nil }

		ch, err := b.GenerateStream(context.Background(), domain.GenerateRequest{})
		require.NoError(t, err)
		deltas := collect(t, ch)
		require.Len(t, deltas, 2)
		assert.Equal(t, "par", deltas[0].Text)
		assert.ErrorIs(t, deltas[1].Err, domain.ErrTimeout)
	})

	t.Run("ends before message stop", func(t *testing.T) {
		events := newFakeEvents(nil, textDelta("Cloudy "))
		b := newBedrockBackend("b", "m", &mockBedrockClient{}, nil)
		b.open = func(context.Context, *bedrockruntime.ConverseStreamInput) (eventReader, error) { return events, nil }

		ch, err := b.GenerateStream(context.Background(), domain.GenerateRequest{})
		require.NoError(t, err)
		deltas := collect(t, ch)
		require.Len(t, deltas, 2)
		assert.Equal(t, "Cloudy ", deltas[0].Text)
		assert.False(t, deltas[1].Done)
		assert.ErrorIs(t, deltas[1].Err, domain.ErrBackendInvocation)
		assert.ErrorContains(t, deltas[1].Err, "stream ended before message stop")
	})

	t.Run("cancel stops the reader", func(t *testing.T) {
		events := &fakeEvents{ch: make(chan types.ConverseStreamOutput)}
		b := newBedrockBackend("b", "m", &mockBedrockClient{}, nil)
		b.open = func(context.Context, *bedrockruntime.ConverseStreamInput) (eventReader, error) { return events, nil }

		ctx, cancel := context.WithCancel(context.Background())
		ch, err := b.GenerateStream(ctx, domain.GenerateRequest{})
		require.NoError(t, err)
		cancel()
		assert.Empty(t, collect(t, ch))
		assert.Eventually(t, events.isClosed, time.Second, 5*time.Millisecond)
	})
}

func TestBedrockGuardrail(t *testing.T) {
	t.Run("pass", func(t *testing.T) {
		var got *bedrockruntime.ApplyGuardrailInput
		g := NewBedrockGuardrail(&mockBedrockClient{
			guardrailFunc: func(_ context.Context, in *bedrockruntime.ApplyGuardrailInput) (*bedrockruntime.ApplyGuardrailOutput, error) {
				got = in
				return &bedrockruntime.ApplyGuardrailOutput{Action: types.GuardrailActionNone}, nil
			},
		}, nil)
		out, err := g.Apply(context.Background(), "hello", "gr-1", "3")
		require.NoError(t, err)
		assert.Equal(t, "hello", out)
		assert.Equal(t, "gr-1", aws.ToString(got.GuardrailIdentifier))
		assert.Equal(t, "3", aws.ToString(got.GuardrailVersion))
		assert.Equal(t, types.GuardrailContentSourceInput, got.Source)
	})

	t.Run("intervened", func(t *testing.T) {
		g := NewBedrockGuardrail(&mockBedrockClient{
			guardrailFunc: func(context.Context, *bedrockruntime.ApplyGuardrailInput) (*bedrockruntime.ApplyGuardrailOutput, error) {
				return &bedrockruntime.ApplyGuardrailOutput{
					Action:  types.GuardrailActionGuardrailIntervened,
					Outputs: []types.GuardrailOutputContent{{Text: aws.String("Sorry, blocked.")}},
				}, nil
			},
		}, nil)
		_, err := g.Apply(context.Background(), "bad words", "gr-1", "3")
		require.ErrorIs(t, err, domain.ErrGuardrailViolation)
		assert.Contains(t, err.Error(), "Sorry, blocked.")
	})

	t.Run("service error", func(t *testing.T) {
		g := NewBedrockGuardrail(&mockBedrockClient{
			guardrailFunc: func(context.Context, *bedrockruntime.ApplyGuardrailInput) (*bedrockruntime.ApplyGuardrailOutput, error) {
				return nil, &smithy.GenericAPIError{Code: "AccessDeniedException"}
			},
		}, nil)
		_, err := g.Apply(context.Background(), "x", "gr-1", "3")
		assert.ErrorIs(t, err, domain.ErrAuthInvalid)
	})
}
