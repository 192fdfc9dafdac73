// Package config loads and validates the runtime configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the stratum runtime.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Router    RouterConfig    `yaml:"router"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Security  SecurityConfig  `yaml:"security"`
	Session   SessionConfig   `yaml:"session"`
	Agent     AgentConfig     `yaml:"agent"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Pump      PumpConfig      `yaml:"pump"`
}

type ServerConfig struct {
	MetricsPort int `yaml:"metrics_port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	Slack    SlackConfig    `yaml:"slack"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

// RouterStrategy selects how providers are chosen per request.
type RouterStrategy string

const (
	StrategyPrimaryOnly   RouterStrategy = "primary-only"
	StrategyHybrid        RouterStrategy = "hybrid"
	StrategyFallbackChain RouterStrategy = "fallback-chain"
)

type RouterConfig struct {
	Strategy RouterStrategy `yaml:"strategy"`
	// Providers is an ordered list; earlier entries are preferred when
	// classification does not dictate otherwise.
	Providers []ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	// Name selects the implementation: "anthropic" or "openai".
	Name         string `yaml:"name"`
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
	// Quality is the provider's quality tier, 0-10. Requests with a higher
	// quality floor skip this provider.
	Quality int `yaml:"quality"`
	// MaxTokensPerMinute is a provider-side budget hint; 0 means unlimited.
	MaxTokensPerMinute int `yaml:"max_tokens_per_minute"`
}

type CacheConfig struct {
	Enabled      bool  `yaml:"enabled"`
	L1MaxEntries int   `yaml:"l1_max_entries"`
	L1MaxBytes   int64 `yaml:"l1_max_bytes"`
	TTLSeconds   int   `yaml:"ttl_seconds"`
	// TemperatureThreshold is the highest request temperature that is still
	// cacheable.
	TemperatureThreshold float64 `yaml:"temperature_threshold"`
	// RedisAddr enables the shared L2 tier when non-empty.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type RateLimitConfig struct {
	Default RateBucketConfig            `yaml:"default"`
	Routes  map[string]RateBucketConfig `yaml:"routes"`
	// Multipliers scale capacity and refill for specific keys (premium tiers).
	Multipliers map[string]float64 `yaml:"multipliers"`
	// Admins bypass admission entirely.
	Admins []string `yaml:"admins"`
	// Whitelist skips admission by source address or header value.
	Whitelist []string `yaml:"whitelist"`
	// SweepInterval controls how often idle buckets are reclaimed.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// IdleAfter is how long a bucket may go unreferenced before the sweep
	// removes it.
	IdleAfter time.Duration `yaml:"idle_after"`
}

type RateBucketConfig struct {
	Capacity        float64 `yaml:"capacity"`
	RefillPerMinute float64 `yaml:"refill_per_minute"`
}

type SecurityConfig struct {
	Tools          ToolPolicyConfig     `yaml:"tools"`
	SemanticVetter SemanticVetterConfig `yaml:"semantic_vetter"`
}

type ToolPolicyConfig struct {
	Blocklist []string `yaml:"blocklist"`
	// Allowlist switches the gate to allowlist mode when non-empty.
	Allowlist []string `yaml:"allowlist"`
}

type SemanticVetterConfig struct {
	Enabled bool `yaml:"enabled"`
	// Provider and Model select the vetting LLM; empty uses the router's
	// cheapest provider.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type SessionConfig struct {
	// StorePath is the SQLite database path. Empty selects the in-memory
	// store.
	StorePath              string        `yaml:"store_path"`
	FlushThresholdMessages int           `yaml:"flush_threshold_messages"`
	IdleFlush              time.Duration `yaml:"idle_flush"`
	MaxAge                 time.Duration `yaml:"max_age"`
	// HistoryCap bounds the turns included when building a completion
	// request. Full history stays in the store.
	HistoryCap int `yaml:"history_cap"`
	// HistoryTokenBudget additionally bounds request history by estimated
	// tokens; 0 disables the token bound.
	HistoryTokenBudget int `yaml:"history_token_budget"`
}

type AgentConfig struct {
	MaxIterations    int           `yaml:"max_iterations"`
	UserTurnDeadline time.Duration `yaml:"user_turn_deadline"`
	MaxTokens        int           `yaml:"max_tokens"`
	SystemPrompt     string        `yaml:"system_prompt"`
	Temperature      float64       `yaml:"temperature"`
}

type ExecutorConfig struct {
	ToolTimeout          time.Duration `yaml:"tool_timeout"`
	MaxConcurrentPerUser int           `yaml:"max_concurrent_per_user"`
}

type PumpConfig struct {
	MaxInflightPerTransport int `yaml:"max_inflight_per_transport"`
	MaxInflightPerUser      int `yaml:"max_inflight_per_user"`
	QueueSize               int `yaml:"queue_size"`
}

// Load reads the configuration file, expands environment variables, and
// applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no channels
// enabled.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields with production defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Router.Strategy == "" {
		cfg.Router.Strategy = StrategyFallbackChain
	}
	if cfg.Cache.L1MaxEntries == 0 {
		cfg.Cache.L1MaxEntries = 1024
	}
	if cfg.Cache.L1MaxBytes == 0 {
		cfg.Cache.L1MaxBytes = 64 << 20
	}
	if cfg.Cache.TTLSeconds == 0 {
		cfg.Cache.TTLSeconds = 3600
	}
	if cfg.Cache.TemperatureThreshold == 0 {
		cfg.Cache.TemperatureThreshold = 0.3
	}
	if cfg.RateLimit.Default.Capacity == 0 {
		cfg.RateLimit.Default.Capacity = 30
	}
	if cfg.RateLimit.Default.RefillPerMinute == 0 {
		cfg.RateLimit.Default.RefillPerMinute = 30
	}
	if cfg.RateLimit.SweepInterval == 0 {
		cfg.RateLimit.SweepInterval = 5 * time.Minute
	}
	if cfg.RateLimit.IdleAfter == 0 {
		cfg.RateLimit.IdleAfter = 30 * time.Minute
	}
	if cfg.Session.FlushThresholdMessages == 0 {
		cfg.Session.FlushThresholdMessages = 8
	}
	if cfg.Session.IdleFlush == 0 {
		cfg.Session.IdleFlush = 30 * time.Second
	}
	if cfg.Session.MaxAge == 0 {
		cfg.Session.MaxAge = 30 * time.Minute
	}
	if cfg.Session.HistoryCap == 0 {
		cfg.Session.HistoryCap = 50
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 10
	}
	if cfg.Agent.UserTurnDeadline == 0 {
		cfg.Agent.UserTurnDeadline = 2 * time.Minute
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 4096
	}
	if cfg.Executor.ToolTimeout == 0 {
		cfg.Executor.ToolTimeout = 30 * time.Second
	}
	if cfg.Executor.MaxConcurrentPerUser == 0 {
		cfg.Executor.MaxConcurrentPerUser = 5
	}
	if cfg.Pump.MaxInflightPerTransport == 0 {
		cfg.Pump.MaxInflightPerTransport = 32
	}
	if cfg.Pump.MaxInflightPerUser == 0 {
		cfg.Pump.MaxInflightPerUser = 1
	}
	if cfg.Pump.QueueSize == 0 {
		cfg.Pump.QueueSize = 4
	}
}

// Validate rejects configurations that cannot produce a working runtime.
func Validate(cfg *Config) error {
	switch cfg.Router.Strategy {
	case StrategyPrimaryOnly, StrategyHybrid, StrategyFallbackChain:
	default:
		return fmt.Errorf("router.strategy: unknown strategy %q", cfg.Router.Strategy)
	}
	for i, p := range cfg.Router.Providers {
		if p.Name == "" {
			return fmt.Errorf("router.providers[%d]: name is required", i)
		}
	}
	if len(cfg.Security.Tools.Allowlist) > 0 && len(cfg.Security.Tools.Blocklist) > 0 {
		return fmt.Errorf("security.tools: blocklist and allowlist are mutually exclusive")
	}
	if cfg.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1")
	}
	return nil
}
