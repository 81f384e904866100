package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"squadron/internal/domain"
)

// EnvPrefix is the prefix of every environment override (SQUADRON_LOG_LEVEL, ...).
const EnvPrefix = "squadron"

// Config is the top-level application configuration.
type Config struct {
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Backends     []BackendConfig    `yaml:"backends"`
	Agents       []AgentConfig      `yaml:"agents"`
	Classifier   ClassifierConfig   `yaml:"classifier"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Store        StoreConfig        `yaml:"store"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Tools        ToolsConfig        `yaml:"tools"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Retention    RetentionConfig    `yaml:"retention"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "stdout" or "noop"
	ServiceName string `yaml:"service_name"`
}

// MetricsConfig controls the Prometheus endpoint served by the gateway.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// BackendConfig describes one model backend.
type BackendConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"` // "bedrock"
	Region   string `yaml:"region"`
	Profile  string `yaml:"profile,omitempty"`
	Model    string `yaml:"model"`
	Endpoint string `yaml:"endpoint,omitempty"`

	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	// Failover lists backend names tried in order after this one fails.
	Failover []string `yaml:"failover,omitempty"`
}

// RateLimitConfig is a token bucket. Zero RequestsPerSecond disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// CircuitBreakerConfig holds circuit breaker settings for a backend.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`  // open → half-open
	Interval    time.Duration `yaml:"interval"` // closed-state counter reset
}

// AgentConfig defines one registered agent.
type AgentConfig struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	Streaming    bool     `yaml:"streaming"`
	Backend      string   `yaml:"backend"`
	Model        string   `yaml:"model,omitempty"` // overrides the backend default

	Prompt    PromptConfig           `yaml:"prompt"`
	Inference domain.InferenceConfig `yaml:"inference"`
	Guardrail *GuardrailConfig       `yaml:"guardrail,omitempty"`
	Retrieval bool                   `yaml:"retrieval"`
	Tools     []string               `yaml:"tools,omitempty"`

	MaxIterations            int           `yaml:"max_iterations,omitempty"`
	ToolTimeout              time.Duration `yaml:"tool_timeout,omitempty"`
	ToolContinuationAttempts int           `yaml:"tool_continuation_attempts,omitempty"`
	RetrievalTimeout         time.Duration `yaml:"retrieval_timeout,omitempty"`
}

// PromptConfig is an agent's system prompt template and its variables.
// Variables may be scalars or YAML sequences.
type PromptConfig struct {
	Template  string                 `yaml:"template"`
	Variables domain.PromptVariables `yaml:"variables,omitempty"`
	Strict    bool                   `yaml:"strict"`
}

// GuardrailConfig references a Bedrock guardrail.
type GuardrailConfig struct {
	ID      string `yaml:"id"`
	Version string `yaml:"version"`
	// Backend names the backend whose region/credentials apply the guardrail.
	Backend string `yaml:"backend,omitempty"`
}

// ClassifierConfig selects and tunes the intent classifier.
type ClassifierConfig struct {
	Type         string  `yaml:"type"` // "lexical" or "model"
	Backend      string  `yaml:"backend,omitempty"`
	Model        string  `yaml:"model,omitempty"`
	SystemPrompt string  `yaml:"system_prompt,omitempty"`
	MinScore     float64 `yaml:"min_score"`
	MaxRetries   int     `yaml:"max_retries"`
	Mentions     bool    `yaml:"mentions"`
	HistoryTurns int     `yaml:"history_turns"`
}

// OrchestratorConfig holds conversation-level behavior.
type OrchestratorConfig struct {
	FallbackMessage  string `yaml:"fallback_message"`
	ErrorMessage     string `yaml:"error_message"`
	DefaultAgent     string `yaml:"default_agent,omitempty"`
	MaxMessagePairs  int    `yaml:"max_message_pairs"`
	MaxContextTokens int    `yaml:"max_context_tokens"`
	// Encoding is the tiktoken encoding used for the token budget.
	Encoding string `yaml:"encoding"`
}

// StoreConfig selects the conversation store.
type StoreConfig struct {
	Type  string      `yaml:"type"` // "memory", "sqlite" or "redis"
	Path  string      `yaml:"path,omitempty"`
	Redis RedisConfig `yaml:"redis"`

	// Passphrase enables at-rest encryption of turn content.
	Passphrase string `yaml:"passphrase,omitempty"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password,omitempty"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// RetrievalConfig configures the shared SQLite FTS5 knowledge base.
type RetrievalConfig struct {
	Path     string        `yaml:"path"`
	TopK     int           `yaml:"top_k"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// CacheSize caps cached queries; 0 disables the cache.
	CacheSize int `yaml:"cache_size"`
}

// ToolsConfig holds tool settings.
type ToolsConfig struct {
	MCPServers []MCPServerConfig `yaml:"mcp_servers,omitempty"`
}

// MCPServerConfig configures an MCP server connection.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Addr           string          `yaml:"addr"`
	AllowedOrigins []string        `yaml:"allowed_origins,omitempty"`
	Tokens         []TokenConfig   `yaml:"tokens,omitempty"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	// TrustedProxies may set X-Forwarded-For for the per-IP limiter.
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// TokenConfig is a gateway client credential. Hash is a bcrypt hash of the
// bearer token; the plaintext is never stored in config.
type TokenConfig struct {
	Name string `yaml:"name"`
	Hash string `yaml:"hash"`
}

// RetentionConfig schedules idle-session eviction.
type RetentionConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"` // cron expression or "@every 5m"
	IdleTTL  time.Duration `yaml:"idle_ttl"`
	// StoreTTL purges persisted sessions untouched for this long; 0 keeps
	// them. Only the sqlite store supports purging.
	StoreTTL time.Duration `yaml:"store_ttl"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:     false,
			Exporter:    "noop",
			ServiceName: "squadron",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Classifier: ClassifierConfig{
			Type:         "lexical",
			MaxRetries:   2,
			HistoryTurns: 10,
		},
		Orchestrator: OrchestratorConfig{
			FallbackMessage:  "I'm sorry, I don't know how to help with that. Could you rephrase your request?",
			ErrorMessage:     "Something went wrong while handling your request. Please try again.",
			MaxMessagePairs:  20,
			MaxContextTokens: 0,
			Encoding:         "cl100k_base",
		},
		Store: StoreConfig{
			Type: "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "squadron:session:",
				TTL:       24 * time.Hour,
			},
		},
		Retrieval: RetrievalConfig{
			TopK:      5,
			CacheTTL:  5 * time.Minute,
			CacheSize: 256,
		},
		Gateway: GatewayConfig{
			Addr: ":8090",
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 5,
				Burst:             10,
			},
		},
		Retention: RetentionConfig{
			Enabled:  true,
			Schedule: "@every 5m",
			IdleTTL:  time.Hour,
		},
	}
}

// Load reads a YAML config file, applies env var overrides and validates the
// result. A missing file yields the defaults (plus overrides).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %w", domain.ErrConfigLoad, path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("%w: read %s: %w", domain.ErrConfigLoad, path, err)
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverrides lists the SQUADRON_* variables. Pointer fields stay nil when
// the variable is unset, so only present variables override the file.
type envOverrides struct {
	LogLevel       *string  `envconfig:"LOG_LEVEL"`
	LogFormat      *string  `envconfig:"LOG_FORMAT"`
	LogOutput      *string  `envconfig:"LOG_OUTPUT"`
	TracerEnabled  *bool    `envconfig:"TRACER_ENABLED"`
	TracerExporter *string  `envconfig:"TRACER_EXPORTER"`
	MetricsEnabled *bool    `envconfig:"METRICS_ENABLED"`
	BedrockRegion  *string  `envconfig:"BEDROCK_REGION"`
	BedrockProfile *string  `envconfig:"BEDROCK_PROFILE"`
	GatewayAddr    *string  `envconfig:"GATEWAY_ADDR"`
	StoreType      *string  `envconfig:"STORE_TYPE"`
	StorePath      *string  `envconfig:"STORE_PATH"`
	StorePass      *string  `envconfig:"STORE_PASSPHRASE"`
	RedisAddr      *string  `envconfig:"REDIS_ADDR"`
	RedisPassword  *string  `envconfig:"REDIS_PASSWORD"`
	RetrievalPath  *string  `envconfig:"RETRIEVAL_PATH"`
	ClassifierType *string  `envconfig:"CLASSIFIER_TYPE"`
	MinScore       *float64 `envconfig:"CLASSIFIER_MIN_SCORE"`
	DefaultAgent   *string  `envconfig:"DEFAULT_AGENT"`
}

// ApplyEnvOverrides maps SQUADRON_* env vars onto cfg.
// SQUADRON_BEDROCK_REGION and SQUADRON_BEDROCK_PROFILE apply to every
// bedrock backend.
func ApplyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("%w: env overrides: %w", domain.ErrConfigLoad, err)
	}

	setString(&cfg.Logger.Level, env.LogLevel)
	setString(&cfg.Logger.Format, env.LogFormat)
	setString(&cfg.Logger.Output, env.LogOutput)
	setString(&cfg.Tracer.Exporter, env.TracerExporter)
	setString(&cfg.Gateway.Addr, env.GatewayAddr)
	setString(&cfg.Store.Type, env.StoreType)
	setString(&cfg.Store.Path, env.StorePath)
	setString(&cfg.Store.Passphrase, env.StorePass)
	setString(&cfg.Store.Redis.Addr, env.RedisAddr)
	setString(&cfg.Store.Redis.Password, env.RedisPassword)
	setString(&cfg.Retrieval.Path, env.RetrievalPath)
	setString(&cfg.Classifier.Type, env.ClassifierType)
	setString(&cfg.Orchestrator.DefaultAgent, env.DefaultAgent)
	if env.TracerEnabled != nil {
		cfg.Tracer.Enabled = *env.TracerEnabled
	}
	if env.MetricsEnabled != nil {
		cfg.Metrics.Enabled = *env.MetricsEnabled
	}
	if env.MinScore != nil {
		cfg.Classifier.MinScore = *env.MinScore
	}
	for i := range cfg.Backends {
		if cfg.Backends[i].Type != "bedrock" {
			continue
		}
		setString(&cfg.Backends[i].Region, env.BedrockRegion)
		setString(&cfg.Backends[i].Profile, env.BedrockProfile)
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// Backend returns the backend named name.
func (c *Config) Backend(name string) (BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return BackendConfig{}, false
}
