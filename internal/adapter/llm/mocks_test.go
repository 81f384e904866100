package llm

import (
	"context"
	"sync/atomic"

	"squadron/internal/domain"
)

type mockBackend struct {
	name         string
	generateFunc func(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error)
	calls        atomic.Int32
}

func (m *mockBackend) Name() string { return m.name }

func (m *mockBackend) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	m.calls.Add(1)
	if m.generateFunc != nil {
		return m.generateFunc(ctx, req)
	}
	return &domain.GenerateResponse{Message: domain.Message{Role: domain.MessageAssistant, Content: m.name}}, nil
}

type mockStreamBackend struct {
	*mockBackend
	streamFunc func(ctx context.Context, req domain.GenerateRequest) (<-chan domain.StreamDelta, error)
}

func (m *mockStreamBackend) GenerateStream(ctx context.Context, req domain.GenerateRequest) (<-chan domain.StreamDelta, error) {
	m.calls.Add(1)
	if m.streamFunc != nil {
		return m.streamFunc(ctx, req)
	}
	ch := make(chan domain.StreamDelta, 2)
	ch <- domain.StreamDelta{Text: m.name}
	ch <- domain.StreamDelta{Done: true, StopReason: domain.StopEndTurn}
	close(ch)
	return ch, nil
}

func failing(name string, err error) *mockBackend {
	return &mockBackend{
		name: name,
		generateFunc: func(context.Context, domain.GenerateRequest) (*domain.GenerateResponse, error) {
			return nil, err
		},
	}
}
