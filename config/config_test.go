package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Provider:               ProviderOpenAI,
		Store:                  StoreMemory,
		DailySessionLimit:      10,
		ConcurrentSessionLimit: 3,
		QuotaWindow:            24 * time.Hour,
		CallTimeout:            8 * time.Second,
		RetryBaseDelay:         time.Second,
		RetryFactor:            2,
		MaxAttempts:            3,
		BreakerThreshold:       5,
		BreakerCooldown:        30 * time.Second,
		SessionIdleTimeout:     30 * time.Minute,
	}
}

func TestValidateDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	cfg := validConfig()
	cfg.Provider = "smoke-signals"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "provider") {
		t.Errorf("expected provider in error, got %v", err)
	}
}

func TestValidateStoreSpecificFields(t *testing.T) {
	cfg := validConfig()
	cfg.Store = StorePostgres
	cfg.PostgresHost = ""
	cfg.PostgresPort = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "postgresHost") {
		t.Errorf("expected postgresHost in error, got %v", err)
	}
	if !strings.Contains(err.Error(), "postgresPort") {
		t.Errorf("expected postgresPort in error, got %v", err)
	}
}

func TestValidateRejectsNonPositiveKnobs(t *testing.T) {
	cfg := validConfig()
	cfg.MaxAttempts = 0
	cfg.CallTimeout = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "maxAttempts") {
		t.Errorf("expected maxAttempts in error, got %v", err)
	}
	if !strings.Contains(err.Error(), "callTimeout") {
		t.Errorf("expected callTimeout in error, got %v", err)
	}
}

func TestQuotaLimitsMapping(t *testing.T) {
	cfg := validConfig()
	limits := cfg.QuotaLimits()
	if limits.Daily != 10 || limits.Concurrent != 3 || limits.Window != 24*time.Hour {
		t.Errorf("unexpected limits: %+v", limits)
	}
}

func TestAPIKeySelection(t *testing.T) {
	cfg := validConfig()
	cfg.OpenAIAPIKey = "sk-openai"
	cfg.AnthropicAPIKey = "sk-anthropic"
	cfg.GeminiAPIKey = "sk-gemini"

	cfg.Provider = ProviderOpenAI
	if cfg.APIKey() != "sk-openai" {
		t.Error("expected openai key")
	}
	cfg.Provider = ProviderClaude
	if cfg.APIKey() != "sk-anthropic" {
		t.Error("expected anthropic key")
	}
	cfg.Provider = ProviderGemini
	if cfg.APIKey() != "sk-gemini" {
		t.Error("expected gemini key")
	}
}

func TestValidatorAccumulates(t *testing.T) {
	v := NewValidator()
	v.RequireNonEmpty("a", "").
		RequirePositive("b", -1).
		ValidateOneOf("c", "x", "y", "z")

	if !v.HasErrors() {
		t.Fatal("expected errors")
	}
	if len(v.Errors()) != 3 {
		t.Errorf("expected 3 errors, got %d", len(v.Errors()))
	}
}
