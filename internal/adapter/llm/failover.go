package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"squadron/internal/domain"
	"squadron/internal/infra/logger"
)

// FailoverBackend tries a primary backend, then each fallback in order.
// Errors the caller caused (invalid input, guardrail blocks, cancellation)
// are returned straight away since another backend would fail the same way.
type FailoverBackend struct {
	primary   domain.Backend
	fallbacks []domain.Backend
	logger    *slog.Logger
}

// NewFailoverBackend creates a failover-capable backend.
func NewFailoverBackend(primary domain.Backend, fallbacks []domain.Backend, l *slog.Logger) *FailoverBackend {
	return &FailoverBackend{primary: primary, fallbacks: fallbacks, logger: logger.OrDiscard(l)}
}

func (f *FailoverBackend) chain() []domain.Backend {
	return append([]domain.Backend{f.primary}, f.fallbacks...)
}

func terminal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || !failoverable(err)
}

func failoverable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrGuardrailViolation):
		return false
	}
	return true
}

// Generate implements domain.Backend.
func (f *FailoverBackend) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	var errs []error
	for i, b := range f.chain() {
		resp, err := b.Generate(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("failover succeeded", "backend", b.Name())
			}
			return resp, nil
		}
		if terminal(ctx, err) {
			return nil, err
		}
		f.logger.Warn("backend failed, trying next", "backend", b.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
	}
	return nil, fmt.Errorf("%w: all backends failed: %w", domain.ErrBackendInvocation, errors.Join(errs...))
}

// GenerateStream fails over on stream setup only. Backends that cannot
// stream are skipped.
func (f *FailoverBackend) GenerateStream(ctx context.Context, req domain.GenerateRequest) (<-chan domain.StreamDelta, error) {
	var errs []error
	for _, b := range f.chain() {
		sb, ok := b.(domain.StreamingBackend)
		if !ok {
			continue
		}
		ch, err := sb.GenerateStream(ctx, req)
		if err == nil {
			return ch, nil
		}
		if terminal(ctx, err) {
			return nil, err
		}
		f.logger.Warn("streaming backend failed, trying next", "backend", b.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no streaming-capable backends", domain.ErrBackendInvocation)
	}
	return nil, fmt.Errorf("%w: all streaming backends failed: %w", domain.ErrBackendInvocation, errors.Join(errs...))
}

// Name returns a composite name.
func (f *FailoverBackend) Name() string { return f.primary.Name() + "+failover" }

var _ domain.StreamingBackend = (*FailoverBackend)(nil)
