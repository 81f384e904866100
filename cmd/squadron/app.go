package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"squadron/internal/adapter/llm"
	"squadron/internal/adapter/retrieval"
	"squadron/internal/adapter/store"
	"squadron/internal/adapter/tokenizer"
	"squadron/internal/adapter/tool"
	"squadron/internal/domain"
	"squadron/internal/infra/config"
	"squadron/internal/infra/metrics"
	"squadron/internal/usecase"
	"squadron/internal/usecase/eventbus"
	"squadron/internal/usecase/multiagent"
)

// app holds the wired runtime shared by serve and chat.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	bus      *eventbus.Bus
	metrics  *metrics.Metrics
	backends *llm.Registry
	tools    *tool.Registry
	kb       *retrieval.SQLiteRetriever // nil without retrieval.path
	store    domain.ConversationStore
	orch     *usecase.Orchestrator

	closers []func() error
}

// appFactories are the constructors that reach external services.
type appFactories struct {
	backend   backendFactory
	guardrail guardrailFactory
	now       func() time.Time
}

func defaultFactories() appFactories {
	return appFactories{backend: newBedrock, guardrail: newBedrockGuardrail, now: time.Now}
}

// newApp wires every component from cfg. Close releases what it opened,
// also when newApp fails half way.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger, f appFactories) (a *app, err error) {
	a = &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	// 1. Event bus and metrics
	a.bus = eventbus.New(log)
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })
	a.metrics = metrics.New()

	// 2. Backends
	if a.backends, err = initBackends(ctx, cfg, f.backend, a.metrics, log); err != nil {
		return a, err
	}

	// 3. Conversation store
	if a.store, err = store.Open(ctx, cfg.Store); err != nil {
		return a, fmt.Errorf("store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)
	log.Info("conversation store ready", "type", cfg.Store.Type)

	// 4. Knowledge base
	var retriever domain.Retriever
	if cfg.Retrieval.Path != "" {
		if a.kb, err = retrieval.OpenSQLite(cfg.Retrieval.Path, cfg.Retrieval.TopK, log); err != nil {
			return a, fmt.Errorf("retrieval: %w", err)
		}
		a.closers = append(a.closers, a.kb.Close)
		retriever = retrieval.NewCachedRetriever(a.kb, cfg.Retrieval.CacheTTL, cfg.Retrieval.CacheSize)
	}

	// 5. Tools
	if a.tools, err = a.initTools(ctx, retriever, f.now); err != nil {
		return a, err
	}

	// 6. Routing
	registry := multiagent.NewRegistry(cfg.Orchestrator.DefaultAgent, a.bus, log)
	classifier, err := initClassifier(cfg, a.backends, log)
	if err != nil {
		return a, err
	}
	a.orch = usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Registry:   registry,
		Classifier: classifier,
		Store:      a.store,
		Bus:        a.bus,
		Observer:   a.metrics,
		Logger:     log,
		Config: usecase.OrchestratorConfig{
			FallbackMessage: cfg.Orchestrator.FallbackMessage,
			ErrorMessage:    cfg.Orchestrator.ErrorMessage,
		},
		Now: f.now,
	})

	// 7. Agents
	if err := a.initAgents(ctx, retriever, f.guardrail); err != nil {
		return a, err
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) initTools(ctx context.Context, retriever domain.Retriever, now func() time.Time) (*tool.Registry, error) {
	reg := tool.NewRegistry(a.log)
	if err := reg.Register(tool.NewClockTool(now, a.log)); err != nil {
		return nil, err
	}
	if retriever != nil {
		if err := reg.Register(tool.NewKnowledgeSearchTool(retriever, a.log)); err != nil {
			return nil, err
		}
	}
	if servers := a.cfg.Tools.MCPServers; len(servers) > 0 {
		bridge, err := tool.NewMCPBridge(ctx, servers, version, a.log)
		if err != nil {
			return nil, fmt.Errorf("mcp: %w", err)
		}
		a.closers = append(a.closers, func() error { bridge.Close(); return nil })
		if err := bridge.RegisterAll(reg); err != nil {
			return nil, fmt.Errorf("mcp: %w", err)
		}
	}
	a.log.Info("tools registered", "tools", reg.Names())
	return reg, nil
}

func initClassifier(cfg *config.Config, backends *llm.Registry, log *slog.Logger) (*multiagent.Classifier, error) {
	cc := cfg.Classifier
	var ranker domain.Ranker
	switch cc.Type {
	case "", "lexical":
		ranker = multiagent.NewLexicalRanker()
	case "model":
		b, err := backends.Get(cc.Backend)
		if err != nil {
			return nil, fmt.Errorf("classifier: %w", err)
		}
		mr, err := multiagent.NewModelRanker(b, multiagent.ModelRankerConfig{
			Model:        cc.Model,
			SystemPrompt: cc.SystemPrompt,
			HistoryTurns: cc.HistoryTurns,
		})
		if err != nil {
			return nil, fmt.Errorf("classifier: %w", err)
		}
		ranker = mr
	default:
		return nil, fmt.Errorf("classifier: unknown type %q", cc.Type)
	}
	log.Info("classifier ready", "type", cc.Type, "min_score", cc.MinScore)
	return multiagent.NewClassifier(ranker, multiagent.ClassifierConfig{
		MinScore:   cc.MinScore,
		MaxRetries: cc.MaxRetries,
		Mentions:   cc.Mentions,
	}, log), nil
}

func (a *app) initAgents(ctx context.Context, retriever domain.Retriever, newGuardrail guardrailFactory) error {
	cfg := a.cfg
	history := usecase.HistoryWindow{
		MaxMessagePairs: cfg.Orchestrator.MaxMessagePairs,
		MaxTokens:       cfg.Orchestrator.MaxContextTokens,
	}
	if history.MaxTokens > 0 {
		history.Counter = tokenizer.New(cfg.Orchestrator.Encoding, a.log)
	}
	guardrails := map[string]domain.Guardrail{}
	errClassifier := usecase.NewErrorClassifier()

	for _, ac := range cfg.Agents {
		desc, err := domain.NewAgentDescriptor(ac.ID, ac.Name, ac.Description, ac.Capabilities, ac.Streaming)
		if err != nil {
			return fmt.Errorf("agent %s: %w", ac.ID, err)
		}
		backend, err := a.backends.Get(ac.Backend)
		if err != nil {
			return fmt.Errorf("agent %s: %w", ac.ID, err)
		}

		agentCfg := usecase.AgentConfig{
			Descriptor:               desc,
			Backend:                  backend,
			Model:                    ac.Model,
			Inference:                ac.Inference,
			Template:                 ac.Prompt.Template,
			Variables:                ac.Prompt.Variables,
			StrictPrompt:             ac.Prompt.Strict,
			RetrievalTimeout:         ac.RetrievalTimeout,
			ToolTimeout:              ac.ToolTimeout,
			ToolContinuationAttempts: ac.ToolContinuationAttempts,
			MaxIterations:            ac.MaxIterations,
			History:                  history,
			ErrorClassifier:          errClassifier,
			Bus:                      a.bus,
			Logger:                   a.log,
		}
		if ac.Retrieval {
			agentCfg.Retriever = retriever
		}
		if len(ac.Tools) > 0 {
			if agentCfg.Tools, err = a.tools.Scope(ac.Tools); err != nil {
				return fmt.Errorf("agent %s: %w", ac.ID, err)
			}
		}
		if g := ac.Guardrail; g != nil {
			name := g.Backend
			if name == "" {
				name = ac.Backend
			}
			gr, ok := guardrails[name]
			if !ok {
				bc, _ := cfg.Backend(name)
				if gr, err = newGuardrail(ctx, bc, a.log); err != nil {
					return fmt.Errorf("agent %s guardrail: %w", ac.ID, err)
				}
				guardrails[name] = gr
			}
			agentCfg.Guardrail = gr
			agentCfg.GuardrailRef = domain.GuardrailRef{ID: g.ID, Version: g.Version}
		}

		if err := a.orch.RegisterAgent(desc, usecase.NewAgent(agentCfg)); err != nil {
			return fmt.Errorf("agent %s: %w", ac.ID, err)
		}
		a.log.Info("agent registered", "agent", desc.ID, "backend", ac.Backend,
			"tools", len(ac.Tools), "retrieval", ac.Retrieval, "guardrail", ac.Guardrail != nil)
	}
	return nil
}
