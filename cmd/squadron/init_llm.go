package main

import (
	"context"
	"fmt"
	"log/slog"

	"squadron/internal/adapter/llm"
	"squadron/internal/domain"
	"squadron/internal/infra/config"
	"squadron/internal/infra/metrics"
)

// backendFactory creates the undecorated backend for one config entry.
type backendFactory func(ctx context.Context, cfg config.BackendConfig, m *metrics.Metrics, log *slog.Logger) (domain.Backend, error)

// guardrailFactory creates the guardrail client for a backend's account.
type guardrailFactory func(ctx context.Context, cfg config.BackendConfig, log *slog.Logger) (domain.Guardrail, error)

func newBedrock(ctx context.Context, cfg config.BackendConfig, m *metrics.Metrics, log *slog.Logger) (domain.Backend, error) {
	switch cfg.Type {
	case "bedrock":
		return llm.NewBedrockBackend(ctx, cfg, log, llm.WithCallObserver(m))
	default:
		return nil, fmt.Errorf("unsupported backend type %q", cfg.Type)
	}
}

func newBedrockGuardrail(ctx context.Context, cfg config.BackendConfig, log *slog.Logger) (domain.Guardrail, error) {
	client, err := llm.NewBedrockClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return llm.NewBedrockGuardrail(client, log), nil
}

// initBackends creates every configured backend, wraps it with its rate
// limiter and circuit breaker, then composes failover chains. The registry
// holds the fully decorated backends.
func initBackends(ctx context.Context, cfg *config.Config, newBackend backendFactory, m *metrics.Metrics, log *slog.Logger) (*llm.Registry, error) {
	decorated := make(map[string]domain.Backend, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		b, err := newBackend(ctx, bc, m, log)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", bc.Name, err)
		}
		if rl := bc.RateLimit; rl.RequestsPerSecond > 0 {
			b = llm.NewRateLimitedBackend(b, rl.RequestsPerSecond, rl.Burst)
		}
		if cb := bc.CircuitBreaker; cb.Enabled {
			b = llm.NewCircuitBreakerBackend(b, llm.CircuitBreakerConfig{
				MaxFailures: cb.MaxFailures,
				Timeout:     cb.Timeout,
				Interval:    cb.Interval,
			}, log)
		}
		decorated[bc.Name] = b
	}

	registry := llm.NewRegistry()
	for _, bc := range cfg.Backends {
		b := decorated[bc.Name]
		if len(bc.Failover) > 0 {
			fallbacks := make([]domain.Backend, 0, len(bc.Failover))
			for _, name := range bc.Failover {
				fb, ok := decorated[name]
				if !ok {
					return nil, fmt.Errorf("backend %s: failover %w: %s", bc.Name, domain.ErrBackendNotFound, name)
				}
				fallbacks = append(fallbacks, fb)
			}
			b = llm.NewFailoverBackend(b, fallbacks, log)
			log.Info("backend failover enabled", "backend", bc.Name, "fallbacks", bc.Failover)
		}
		if err := registry.Register(bc.Name, b); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
