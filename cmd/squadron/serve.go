package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"squadron/internal/adapter/gateway"
	"squadron/internal/infra/config"
	"squadron/internal/infra/logger"
	"squadron/internal/infra/tracer"
	"squadron/internal/usecase/scheduling"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket gateway and retention scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// bootstrap loads config and starts logging and tracing. The returned
// cleanup flushes both.
func bootstrap(ctx context.Context, path string) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}
	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		_ = closeLog()
		return nil, nil, nil, fmt.Errorf("tracer: %w", err)
	}
	cleanup := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
		_ = closeLog()
	}
	return cfg, log, cleanup, nil
}

func runServe(ctx context.Context, opts *rootOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, log, cleanup, err := bootstrap(ctx, opts.configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	a, err := newApp(ctx, cfg, log, defaultFactories())
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("shutdown", "error", err)
		}
	}()

	sched, err := newRetentionScheduler(cfg, a, log)
	if err != nil {
		return err
	}
	if sched != nil {
		sched.Start(ctx)
		defer sched.Stop()
	}

	srv := newGateway(cfg, a, log)
	log.Info("squadron serving", "version", version, "agents", len(a.orch.Agents()))
	return srv.Start(ctx)
}

func newGateway(cfg *config.Config, a *app, log *slog.Logger) *gateway.Server {
	var auth gateway.Authenticator
	if len(cfg.Gateway.Tokens) > 0 {
		auth = gateway.NewHashedTokenAuth(cfg.Gateway.Tokens)
	} else {
		log.Warn("gateway has no tokens configured, accepting every client")
		auth = gateway.OpenAuth()
	}
	srv := gateway.NewServer(cfg.Gateway, a.bus, auth, a.metrics, log)
	gateway.RegisterDefaultHandlers(srv, gateway.HandlerDeps{Orchestrator: a.orch, Logger: log})
	if cfg.Metrics.Enabled {
		srv.RegisterHTTPRoute(cfg.Metrics.Path, a.metrics.Handler())
	}
	return srv
}

// newRetentionScheduler returns nil when retention is disabled.
func newRetentionScheduler(cfg *config.Config, a *app, log *slog.Logger) (*scheduling.Scheduler, error) {
	r := cfg.Retention
	if !r.Enabled {
		return nil, nil
	}
	s := scheduling.NewScheduler(log)
	s.RegisterAction(scheduling.ActionEvictIdle, scheduling.EvictIdleJob(a.orch, r.IdleTTL, log))
	if err := s.AddTask(scheduling.Task{Name: "evict-idle-sessions", Schedule: r.Schedule, Action: scheduling.ActionEvictIdle}); err != nil {
		return nil, err
	}
	if r.StoreTTL > 0 {
		p, ok := a.store.(scheduling.Purger)
		if !ok {
			return nil, fmt.Errorf("retention.store_ttl: store %q cannot purge", cfg.Store.Type)
		}
		s.RegisterAction(scheduling.ActionPurgeStore, scheduling.PurgeStoreJob(p, r.StoreTTL, nil, log))
		if err := s.AddTask(scheduling.Task{Name: "purge-stored-sessions", Schedule: r.Schedule, Action: scheduling.ActionPurgeStore}); err != nil {
			return nil, err
		}
	}
	return s, nil
}
