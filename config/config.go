// Package config loads and validates process configuration from the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sweetpotato0/stageflow/orchestrator"
	"github.com/sweetpotato0/stageflow/quota"
)

// Supported model providers.
const (
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"
	ProviderGemini = "gemini"
)

// Supported storage backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Config is the process configuration, populated from environment variables.
type Config struct {
	// Provider selects the model backend for the stage roles
	Provider string `env:"STAGEFLOW_PROVIDER" envDefault:"openai"`
	Model    string `env:"STAGEFLOW_MODEL"`

	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	GeminiAPIKey    string `env:"GEMINI_API_KEY"`

	// Store selects where sessions and quota counters live
	Store string `env:"STAGEFLOW_STORE" envDefault:"memory"`

	RedisAddr     string `env:"STAGEFLOW_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"STAGEFLOW_REDIS_PASSWORD"`
	RedisDB       int    `env:"STAGEFLOW_REDIS_DB" envDefault:"0"`

	PostgresHost     string `env:"STAGEFLOW_POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     int    `env:"STAGEFLOW_POSTGRES_PORT" envDefault:"5432"`
	PostgresUser     string `env:"STAGEFLOW_POSTGRES_USER" envDefault:"postgres"`
	PostgresPassword string `env:"STAGEFLOW_POSTGRES_PASSWORD" envDefault:"postgres"`
	PostgresDB       string `env:"STAGEFLOW_POSTGRES_DB" envDefault:"stageflow"`
	PostgresSSLMode  string `env:"STAGEFLOW_POSTGRES_SSLMODE" envDefault:"disable"`

	MongoURI        string `env:"STAGEFLOW_MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase   string `env:"STAGEFLOW_MONGO_DATABASE" envDefault:"stageflow"`
	MongoCollection string `env:"STAGEFLOW_MONGO_COLLECTION" envDefault:"sessions"`

	// Quota ceilings
	DailySessionLimit      int           `env:"STAGEFLOW_DAILY_SESSIONS" envDefault:"10"`
	ConcurrentSessionLimit int           `env:"STAGEFLOW_CONCURRENT_SESSIONS" envDefault:"3"`
	QuotaWindow            time.Duration `env:"STAGEFLOW_QUOTA_WINDOW" envDefault:"24h"`

	// Resilience settings for role invocations
	CallTimeout      time.Duration `env:"STAGEFLOW_CALL_TIMEOUT" envDefault:"8s"`
	RetryBaseDelay   time.Duration `env:"STAGEFLOW_RETRY_BASE_DELAY" envDefault:"1s"`
	RetryFactor      int           `env:"STAGEFLOW_RETRY_FACTOR" envDefault:"2"`
	MaxAttempts      int           `env:"STAGEFLOW_MAX_ATTEMPTS" envDefault:"3"`
	BreakerThreshold int           `env:"STAGEFLOW_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerCooldown  time.Duration `env:"STAGEFLOW_BREAKER_COOLDOWN" envDefault:"30s"`

	// SessionIdleTimeout is how long an active session may sit untouched
	// before the expiry sweep reclaims it
	SessionIdleTimeout time.Duration `env:"STAGEFLOW_SESSION_IDLE_TIMEOUT" envDefault:"30m"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	v := NewValidator()

	v.ValidateOneOf("provider", c.Provider, ProviderOpenAI, ProviderClaude, ProviderGemini)
	v.ValidateOneOf("store", c.Store, StoreMemory, StoreRedis, StorePostgres, StoreMongo)

	v.RequirePositive("dailySessionLimit", c.DailySessionLimit)
	v.RequirePositive("concurrentSessionLimit", c.ConcurrentSessionLimit)
	v.RequirePositiveDuration("quotaWindow", c.QuotaWindow)

	v.RequirePositiveDuration("callTimeout", c.CallTimeout)
	v.RequirePositiveDuration("retryBaseDelay", c.RetryBaseDelay)
	v.RequirePositive("retryFactor", c.RetryFactor)
	v.RequirePositive("maxAttempts", c.MaxAttempts)
	v.RequirePositive("breakerThreshold", c.BreakerThreshold)
	v.RequirePositiveDuration("breakerCooldown", c.BreakerCooldown)
	v.RequirePositiveDuration("sessionIdleTimeout", c.SessionIdleTimeout)

	switch c.Store {
	case StoreRedis:
		v.RequireNonEmpty("redisAddr", c.RedisAddr)
		v.ValidateRange("redisDB", c.RedisDB, 0, 15)
	case StorePostgres:
		v.RequireNonEmpty("postgresHost", c.PostgresHost)
		v.ValidatePort("postgresPort", c.PostgresPort)
		v.RequireNonEmpty("postgresUser", c.PostgresUser)
		v.RequireNonEmpty("postgresDB", c.PostgresDB)
		v.ValidateOneOf("postgresSSLMode", c.PostgresSSLMode,
			"disable", "require", "verify-ca", "verify-full")
	case StoreMongo:
		v.RequireNonEmpty("mongoURI", c.MongoURI)
		v.RequireNonEmpty("mongoDatabase", c.MongoDatabase)
		v.RequireNonEmpty("mongoCollection", c.MongoCollection)
	}

	return v.Error()
}

// APIKey returns the key for the configured provider.
func (c *Config) APIKey() string {
	switch c.Provider {
	case ProviderClaude:
		return c.AnthropicAPIKey
	case ProviderGemini:
		return c.GeminiAPIKey
	default:
		return c.OpenAIAPIKey
	}
}

// QuotaLimits maps the configuration to quota ceilings.
func (c *Config) QuotaLimits() quota.Limits {
	return quota.Limits{
		Daily:      c.DailySessionLimit,
		Concurrent: c.ConcurrentSessionLimit,
		Window:     c.QuotaWindow,
	}
}

// OrchestratorConfig maps the configuration to resilience settings.
func (c *Config) OrchestratorConfig() *orchestrator.Config {
	return &orchestrator.Config{
		CallTimeout:      c.CallTimeout,
		RetryBaseDelay:   c.RetryBaseDelay,
		RetryFactor:      c.RetryFactor,
		MaxAttempts:      c.MaxAttempts,
		BreakerThreshold: c.BreakerThreshold,
		BreakerCooldown:  c.BreakerCooldown,
	}
}
