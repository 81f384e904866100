package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"squadron/internal/domain"
)

// RateLimitedBackend caps the request rate toward a backend. Callers wait
// for a token until their context ends.
type RateLimitedBackend struct {
	inner   domain.Backend
	limiter *rate.Limiter
}

// NewRateLimitedBackend allows rps requests per second with the given burst.
// A burst below one is raised to one.
func NewRateLimitedBackend(inner domain.Backend, rps float64, burst int) *RateLimitedBackend {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedBackend{inner: inner, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimitedBackend) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Wait fails fast when the deadline cannot be met.
		return fmt.Errorf("%w: backend %q: %w", domain.ErrRateLimit, r.inner.Name(), err)
	}
	return nil
}

// Generate implements domain.Backend.
func (r *RateLimitedBackend) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Generate(ctx, req)
}

// GenerateStream implements domain.StreamingBackend.
func (r *RateLimitedBackend) GenerateStream(ctx context.Context, req domain.GenerateRequest) (<-chan domain.StreamDelta, error) {
	sb, ok := r.inner.(domain.StreamingBackend)
	if !ok {
		return nil, fmt.Errorf("%w: backend %q cannot stream", domain.ErrBackendInvocation, r.inner.Name())
	}
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return sb.GenerateStream(ctx, req)
}

// Name implements domain.Backend.
func (r *RateLimitedBackend) Name() string { return r.inner.Name() }

var _ domain.StreamingBackend = (*RateLimitedBackend)(nil)
