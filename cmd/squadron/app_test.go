package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"squadron/internal/domain"
	"squadron/internal/infra/config"
	"squadron/internal/infra/logger"
	"squadron/internal/infra/metrics"
)

type scriptedBackend struct {
	name  string
	reply string
	err   error

	mu    sync.Mutex
	calls []domain.GenerateRequest
}

func (b *scriptedBackend) Name() string { return b.name }

func (b *scriptedBackend) Generate(_ context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req)
	b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	return &domain.GenerateResponse{
		Message:    domain.Message{Role: domain.MessageAssistant, Content: b.reply},
		StopReason: domain.StopEndTurn,
	}, nil
}

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

type fakeGuardrail struct{ calls int }

func (g *fakeGuardrail) Apply(_ context.Context, content, _, _ string) (string, error) {
	g.calls++
	return content, nil
}

type fixture struct {
	cfg       *config.Config
	backends  map[string]*scriptedBackend
	guardrail *fakeGuardrail
	factories appFactories
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Defaults()
	cfg.Backends = []config.BackendConfig{
		{
			Name: "primary", Type: "bedrock", Region: "us-east-1", Model: "model-a",
			RateLimit:      config.RateLimitConfig{RequestsPerSecond: 100, Burst: 10},
			CircuitBreaker: config.CircuitBreakerConfig{Enabled: true, MaxFailures: 3},
			Failover:       []string{"backup"},
		},
		{Name: "backup", Type: "bedrock", Region: "us-west-2", Model: "model-b"},
	}
	cfg.Agents = []config.AgentConfig{
		{
			ID: "billing", Name: "Billing", Description: "Handles invoices, refunds and payments",
			Capabilities: []string{"refund", "invoice", "payment"},
			Backend:      "primary",
			Prompt:       config.PromptConfig{Template: "You are {{NAME}}.", Variables: domain.PromptVariables{"NAME": domain.Text("the billing desk")}},
			Guardrail:    &config.GuardrailConfig{ID: "gr-1", Version: "1"},
			Tools:        []string{"current_time"},
		},
		{
			ID: "weather", Name: "Weather", Description: "Forecasts and current weather conditions",
			Capabilities: []string{"weather", "forecast"},
			Backend:      "backup",
			Prompt:       config.PromptConfig{Template: "You forecast weather."},
			Retrieval:    true,
		},
	}
	cfg.Store = config.StoreConfig{Type: "sqlite", Path: filepath.Join(dir, "sessions.db")}
	cfg.Retrieval.Path = filepath.Join(dir, "kb.db")
	cfg.Retention.StoreTTL = 24 * time.Hour
	require.NoError(t, config.Validate(cfg))

	f := &fixture{
		cfg: cfg,
		backends: map[string]*scriptedBackend{
			"primary": {name: "primary", reply: "Your refund is on its way."},
			"backup":  {name: "backup", reply: "Sunny tomorrow."},
		},
		guardrail: &fakeGuardrail{},
	}
	f.factories = appFactories{
		backend: func(_ context.Context, bc config.BackendConfig, _ *metrics.Metrics, _ *slog.Logger) (domain.Backend, error) {
			b, ok := f.backends[bc.Name]
			if !ok {
				return nil, errors.New("no scripted backend " + bc.Name)
			}
			return b, nil
		},
		guardrail: func(context.Context, config.BackendConfig, *slog.Logger) (domain.Guardrail, error) {
			return f.guardrail, nil
		},
		now: time.Now,
	}
	return f
}

func (f *fixture) build(t *testing.T) *app {
	t.Helper()
	a, err := newApp(context.Background(), f.cfg, logger.Discard(), f.factories)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAppRoutesByIntent(t *testing.T) {
	f := newFixture(t)
	a := f.build(t)

	res, err := a.orch.RouteTurn(context.Background(), "s1", "I need a refund for my last invoice")
	require.NoError(t, err)
	assert.Equal(t, "billing", res.AgentID)
	assert.Equal(t, "Your refund is on its way.", res.Turn.Content)
	assert.Equal(t, 2, f.guardrail.calls, "input and output")

	calls := f.backends["primary"].calls
	require.Len(t, calls, 1)
	assert.Equal(t, "You are the billing desk.", calls[0].SystemPrompt)
	require.Len(t, calls[0].Tools, 1)
	assert.Equal(t, "current_time", calls[0].Tools[0].Name)

	res, err = a.orch.RouteTurn(context.Background(), "s1", "what's the weather forecast for tomorrow")
	require.NoError(t, err)
	assert.Equal(t, "weather", res.AgentID)
	assert.Len(t, a.orch.History(context.Background(), "s1"), 4)
}

func TestAppFailsOverToBackup(t *testing.T) {
	f := newFixture(t)
	f.backends["primary"].err = errors.New("primary exploded")
	a := f.build(t)

	res, err := a.orch.RouteTurn(context.Background(), "s1", "refund please, wrong invoice")
	require.NoError(t, err)
	assert.Equal(t, "billing", res.AgentID)
	assert.Equal(t, "Sunny tomorrow.", res.Turn.Content)
	assert.Equal(t, 1, f.backends["primary"].callCount())
	assert.Equal(t, 1, f.backends["backup"].callCount())
}

func TestAppPersistsSessions(t *testing.T) {
	f := newFixture(t)
	a := f.build(t)

	_, err := a.orch.RouteTurn(context.Background(), "s1", "refund my invoice")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b := f.build(t)
	assert.Len(t, b.orch.History(context.Background(), "s1"), 2)
}

func TestAppKnowledgeBaseFeedsRetrievalAgent(t *testing.T) {
	f := newFixture(t)
	a := f.build(t)
	require.NoError(t, a.kb.Add(context.Background(), "almanac", "Forecast: heavy rain expected along the coast."))

	_, err := a.orch.RouteTurn(context.Background(), "s1", "weather forecast for the coast")
	require.NoError(t, err)

	calls := f.backends["backup"].calls
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].SystemPrompt, "heavy rain")
}

func TestAppUnknownToolFails(t *testing.T) {
	f := newFixture(t)
	f.cfg.Agents[0].Tools = []string{"launch_rockets"}

	_, err := newApp(context.Background(), f.cfg, logger.Discard(), f.factories)
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestRetentionScheduler(t *testing.T) {
	f := newFixture(t)
	a := f.build(t)

	s, err := newRetentionScheduler(f.cfg, a, logger.Discard())
	require.NoError(t, err)
	require.NotNil(t, s)

	f.cfg.Retention.Enabled = false
	s, err = newRetentionScheduler(f.cfg, a, logger.Discard())
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestRetentionSchedulerPurgeNeedsSQLite(t *testing.T) {
	f := newFixture(t)
	f.cfg.Store = config.StoreConfig{Type: "memory"}
	a := f.build(t)

	_, err := newRetentionScheduler(f.cfg, a, logger.Discard())
	assert.Error(t, err)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "squadron.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const validConfig = `
backends:
  - name: claude
    type: bedrock
    region: us-east-1
    model: anthropic.claude-3-haiku-20240307-v1:0
agents:
  - id: billing
    name: Billing
    description: Invoices and refunds
    capabilities: [refund, invoice]
    backend: claude
    prompt:
      template: "You are {{ROLE}} for {{COMPANY}}."
      variables:
        ROLE: the billing desk
  - id: support
    name: Support
    description: Product help
    backend: claude
    streaming: true
    prompt:
      template: You help customers.
orchestrator:
  default_agent: support
`

func TestValidateCommand(t *testing.T) {
	path := writeConfig(t, validConfig)

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--config", path})
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, "is valid")
	assert.Contains(t, text, "billing")
	assert.Contains(t, text, "COMPANY")
	assert.Contains(t, text, "default agent: support")
}

func TestValidateCommandReportsErrors(t *testing.T) {
	path := writeConfig(t, "agents: []\n")

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate", "--config", path})
	err := cmd.Execute()
	require.Error(t, err)
	var ve *config.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, strings.Join(ve.Errors, "\n"), "at least one agent")
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "squadron dev\n", out.String())
}

func TestHashTokenCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"hash-token", "s3cret"})
	require.NoError(t, cmd.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "$2"))
}
