package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateBackends(cfg, ve)
	validateAgents(cfg, ve)
	validateClassifier(cfg, ve)
	validateOrchestrator(cfg, ve)
	validateStore(cfg, ve)
	validateTools(cfg, ve)
	validateGateway(cfg, ve)
	validateRetention(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not a known level", cfg.Logger.Level)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q must be stdout or noop", cfg.Tracer.Exporter)
	}
}

var validBackendTypes = map[string]bool{
	"bedrock": true,
}

func validateBackends(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool, len(cfg.Backends))
	for i, b := range cfg.Backends {
		prefix := fmt.Sprintf("backends[%d]", i)
		if b.Name == "" {
			ve.Add("%s.name is required", prefix)
		} else if seen[b.Name] {
			ve.Add("%s.name %q is duplicated", prefix, b.Name)
		}
		seen[b.Name] = true
		if !validBackendTypes[b.Type] {
			ve.Add("%s.type %q is not supported (bedrock)", prefix, b.Type)
		}
		if b.Model == "" {
			ve.Add("%s.model is required", prefix)
		}
		if b.Type == "bedrock" && b.Region == "" {
			ve.Add("%s.region is required for bedrock", prefix)
		}
		if b.RateLimit.RequestsPerSecond < 0 || b.RateLimit.Burst < 0 {
			ve.Add("%s.rate_limit must not be negative", prefix)
		}
		if b.CircuitBreaker.Enabled && b.CircuitBreaker.MaxFailures == 0 {
			ve.Add("%s.circuit_breaker.max_failures must be > 0 when enabled", prefix)
		}
	}
	for i, b := range cfg.Backends {
		for _, f := range b.Failover {
			if f == b.Name {
				ve.Add("backends[%d].failover must not reference itself", i)
			} else if !seen[f] {
				ve.Add("backends[%d].failover references unknown backend %q", i, f)
			}
		}
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	if len(cfg.Agents) == 0 {
		ve.Add("at least one agent must be configured")
	}
	seen := make(map[string]bool, len(cfg.Agents))
	for i, a := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		switch {
		case a.ID == "":
			ve.Add("%s.id is required", prefix)
		case strings.ContainsAny(a.ID, " \t\n"):
			ve.Add("%s.id %q must not contain whitespace", prefix, a.ID)
		case seen[a.ID]:
			ve.Add("%s.id %q is duplicated", prefix, a.ID)
		}
		seen[a.ID] = true
		if a.Name == "" {
			ve.Add("%s.name is required", prefix)
		}
		if _, ok := cfg.Backend(a.Backend); !ok {
			ve.Add("%s.backend %q is not a configured backend", prefix, a.Backend)
		}
		if strings.TrimSpace(a.Prompt.Template) == "" {
			ve.Add("%s.prompt.template must not be empty", prefix)
		}
		if g := a.Guardrail; g != nil {
			if g.ID == "" || g.Version == "" {
				ve.Add("%s.guardrail requires id and version", prefix)
			}
			if g.Backend != "" {
				if _, ok := cfg.Backend(g.Backend); !ok {
					ve.Add("%s.guardrail.backend %q is not a configured backend", prefix, g.Backend)
				}
			}
		}
		if a.Retrieval && cfg.Retrieval.Path == "" {
			ve.Add("%s.retrieval requires retrieval.path", prefix)
		}
		if a.MaxIterations < 0 || a.ToolContinuationAttempts < 0 {
			ve.Add("%s iteration limits must not be negative", prefix)
		}
		if a.Inference.MaxTokens < 0 {
			ve.Add("%s.inference.max_tokens must not be negative", prefix)
		}
	}
}

func validateClassifier(cfg *Config, ve *ValidationError) {
	c := cfg.Classifier
	switch c.Type {
	case "", "lexical":
	case "model":
		if _, ok := cfg.Backend(c.Backend); !ok {
			ve.Add("classifier.backend %q is not a configured backend", c.Backend)
		}
	default:
		ve.Add("classifier.type %q must be lexical or model", c.Type)
	}
	if c.MinScore < 0 || c.MinScore >= 1 {
		ve.Add("classifier.min_score must be in [0, 1)")
	}
	if c.MaxRetries < 0 {
		ve.Add("classifier.max_retries must not be negative")
	}
}

func validateOrchestrator(cfg *Config, ve *ValidationError) {
	o := cfg.Orchestrator
	if o.FallbackMessage == "" {
		ve.Add("orchestrator.fallback_message must not be empty")
	}
	if o.ErrorMessage == "" {
		ve.Add("orchestrator.error_message must not be empty")
	}
	if o.MaxMessagePairs < 0 || o.MaxContextTokens < 0 {
		ve.Add("orchestrator history limits must not be negative")
	}
	if o.DefaultAgent != "" {
		found := false
		for _, a := range cfg.Agents {
			if a.ID == o.DefaultAgent {
				found = true
				break
			}
		}
		if !found {
			ve.Add("orchestrator.default_agent %q is not a configured agent", o.DefaultAgent)
		}
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	switch cfg.Store.Type {
	case "", "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			ve.Add("store.path is required for sqlite")
		}
	case "redis":
		if cfg.Store.Redis.Addr == "" {
			ve.Add("store.redis.addr is required for redis")
		}
	default:
		ve.Add("store.type %q must be memory, sqlite or redis", cfg.Store.Type)
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	seen := map[string]bool{}
	for i, s := range cfg.Tools.MCPServers {
		prefix := fmt.Sprintf("tools.mcp_servers[%d]", i)
		if s.Name == "" {
			ve.Add("%s.name is required", prefix)
		} else if seen[s.Name] {
			ve.Add("%s.name %q is duplicated", prefix, s.Name)
		}
		seen[s.Name] = true
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				ve.Add("%s.command is required for stdio", prefix)
			}
		case "http":
			if s.URL == "" {
				ve.Add("%s.url is required for http", prefix)
			}
		default:
			ve.Add("%s.transport %q must be stdio or http", prefix, s.Transport)
		}
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if g.Addr != "" {
		if _, _, err := net.SplitHostPort(g.Addr); err != nil {
			ve.Add("gateway.addr %q: %v", g.Addr, err)
		}
	}
	for i, t := range g.Tokens {
		if t.Name == "" {
			ve.Add("gateway.tokens[%d].name is required", i)
		}
		if !strings.HasPrefix(t.Hash, "$2") {
			ve.Add("gateway.tokens[%d].hash must be a bcrypt hash", i)
		}
	}
	if g.RateLimit.RequestsPerSecond < 0 || g.RateLimit.Burst < 0 {
		ve.Add("gateway.rate_limit must not be negative")
	}
}

func validateRetention(cfg *Config, ve *ValidationError) {
	r := cfg.Retention
	if !r.Enabled {
		return
	}
	if r.Schedule == "" {
		ve.Add("retention.schedule is required when retention is enabled")
	}
	if r.IdleTTL <= 0 {
		ve.Add("retention.idle_ttl must be > 0 when retention is enabled")
	}
	if r.StoreTTL < 0 {
		ve.Add("retention.store_ttl must not be negative")
	}
	if r.StoreTTL > 0 && cfg.Store.Type != "sqlite" {
		ve.Add("retention.store_ttl requires the sqlite store")
	}
}
