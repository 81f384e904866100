package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"squadron/internal/domain"
	"squadron/internal/infra/logger"
)

const (
	defaultCBMaxFailures uint32 = 5
	defaultCBTimeout            = 30 * time.Second
	defaultCBInterval           = 60 * time.Second
)

// CircuitBreakerConfig configures the breaker. Zero fields get defaults.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a trial call is allowed.
	Timeout time.Duration
	// Interval clears failure counts periodically while closed.
	Interval time.Duration
}

// CircuitBreakerBackend fails fast while its inner backend keeps failing.
// Caller mistakes (invalid input, guardrail blocks, cancellation) do not
// count as failures.
type CircuitBreakerBackend struct {
	inner   domain.Backend
	breaker *gobreaker.CircuitBreaker[*domain.GenerateResponse]
	logger  *slog.Logger
}

// NewCircuitBreakerBackend wraps inner.
func NewCircuitBreakerBackend(inner domain.Backend, cfg CircuitBreakerConfig, l *slog.Logger) *CircuitBreakerBackend {
	l = logger.OrDiscard(l)
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultCBMaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultCBTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.GenerateResponse](gobreaker.Settings{
		Name:        "backend:" + inner.Name(),
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: countsAsSuccess,
	})
	return &CircuitBreakerBackend{inner: inner, breaker: cb, logger: l}
}

func countsAsSuccess(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrContextOverflow),
		errors.Is(err, domain.ErrGuardrailViolation):
		return true
	}
	return false
}

// Generate implements domain.Backend.
func (c *CircuitBreakerBackend) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	resp, err := c.breaker.Execute(func() (*domain.GenerateResponse, error) {
		return c.inner.Generate(ctx, req)
	})
	return resp, c.wrap(err)
}

// GenerateStream guards stream setup only; failures after the first delta
// arrive on the channel and do not trip the breaker.
func (c *CircuitBreakerBackend) GenerateStream(ctx context.Context, req domain.GenerateRequest) (<-chan domain.StreamDelta, error) {
	sb, ok := c.inner.(domain.StreamingBackend)
	if !ok {
		return nil, fmt.Errorf("%w: backend %q cannot stream", domain.ErrBackendInvocation, c.inner.Name())
	}
	var ch <-chan domain.StreamDelta
	_, err := c.breaker.Execute(func() (*domain.GenerateResponse, error) {
		var err error
		ch, err = sb.GenerateStream(ctx, req)
		return nil, err
	})
	if err != nil {
		return nil, c.wrap(err)
	}
	return ch, nil
}

func (c *CircuitBreakerBackend) wrap(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: backend %q circuit open: %w", domain.ErrBackendInvocation, c.inner.Name(), err)
	}
	return err
}

// Name implements domain.Backend.
func (c *CircuitBreakerBackend) Name() string { return c.inner.Name() }

// State reports the breaker state.
func (c *CircuitBreakerBackend) State() gobreaker.State { return c.breaker.State() }

var _ domain.StreamingBackend = (*CircuitBreakerBackend)(nil)
