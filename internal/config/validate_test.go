package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Server.DataDir = "/tmp/test"
	return cfg
}

func expectInvalid(t *testing.T, cfg *Config, field string) {
	t.Helper()
	err := validate(cfg)
	if err == nil {
		t.Fatalf("expected error mentioning %s", field)
	}
	if !strings.Contains(err.Error(), field) {
		t.Errorf("error should mention %s: %v", field, err)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := validate(validConfig()); err != nil {
		t.Fatalf("validate valid config: %v", err)
	}
}

func TestValidate_BadGatewayPort(t *testing.T) {
	cfg := validConfig()
	cfg.Server.GatewayPort = 70000
	expectInvalid(t, cfg, "gateway_port")
}

func TestValidate_BadAdminPort(t *testing.T) {
	cfg := validConfig()
	cfg.Server.AdminPort = 0
	expectInvalid(t, cfg, "admin_port")
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Server.LogLevel = "verbose"
	expectInvalid(t, cfg, "log_level")
}

func TestValidate_EmptyDataDir(t *testing.T) {
	cfg := validConfig()
	cfg.Server.DataDir = ""
	expectInvalid(t, cfg, "data_dir")
}

func TestValidate_NegativeReadTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Server.ReadTimeout = -1
	expectInvalid(t, cfg, "read_timeout")
}

func TestValidate_AuthTokenRequired(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.Token = ""
	expectInvalid(t, cfg, "auth.token")
}

func TestValidate_Provider(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ProviderConfig)
		field  string
	}{
		{"bad type", func(p *ProviderConfig) { p.Type = "cohere" }, "providers.anthropic.type"},
		{"empty endpoint", func(p *ProviderConfig) { p.Endpoint = "" }, "providers.anthropic.endpoint"},
		{"relative endpoint", func(p *ProviderConfig) { p.Endpoint = "api.example.com" }, "absolute URL"},
		{"no models", func(p *ProviderConfig) { p.Models = nil }, "providers.anthropic.models"},
		{"negative priority", func(p *ProviderConfig) { p.Priority = -1 }, "providers.anthropic.priority"},
		{"negative retries", func(p *ProviderConfig) { p.MaxRetries = -1 }, "providers.anthropic.max_retries"},
		{"negative rpm", func(p *ProviderConfig) { p.RequestsPerMinute = -5 }, "rate limits"},
		{"negative cost", func(p *ProviderConfig) { p.CostPer1KTokens = -0.1 }, "cost_per_1k_tokens"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			p := cfg.Providers["anthropic"]
			tt.mutate(&p)
			cfg.Providers["anthropic"] = p
			expectInvalid(t, cfg, tt.field)
		})
	}
}

func TestValidate_UnknownStrategy(t *testing.T) {
	cfg := validConfig()
	cfg.Routing.Strategy = "fastest"
	expectInvalid(t, cfg, "routing.strategy")
}

func TestValidate_EmptyStrategyMeansPriority(t *testing.T) {
	cfg := validConfig()
	cfg.Routing.Strategy = ""
	if err := validate(cfg); err != nil {
		t.Fatalf("empty strategy should validate: %v", err)
	}
}

func TestValidate_HealthTTL(t *testing.T) {
	cfg := validConfig()
	cfg.Health.TTLSeconds = 0
	expectInvalid(t, cfg, "health.ttl_seconds")
}

func TestValidate_Resilience(t *testing.T) {
	cfg := validConfig()
	cfg.Resilience.CBFailureThreshold = 0
	expectInvalid(t, cfg, "cb_failure_threshold")

	cfg = validConfig()
	cfg.Resilience.CBRecoveryTimeoutSec = 0
	expectInvalid(t, cfg, "cb_recovery_timeout_seconds")

	cfg = validConfig()
	cfg.Resilience.CBSuccessThreshold = 0
	expectInvalid(t, cfg, "cb_success_threshold")

	cfg = validConfig()
	cfg.Resilience.RetryMaxDelayMs = 10
	cfg.Resilience.RetryBaseDelayMs = 100
	expectInvalid(t, cfg, "retry_max_delay_ms")
}

func TestValidate_Tracing(t *testing.T) {
	cfg := validConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "zipkin"
	expectInvalid(t, cfg, "tracing.exporter")

	cfg = validConfig()
	cfg.Tracing.SampleRate = 1.5
	expectInvalid(t, cfg, "sample_rate")
}

func TestValidate_NegativeRetention(t *testing.T) {
	cfg := validConfig()
	cfg.Metrics.RetentionDays = -1
	expectInvalid(t, cfg, "retention_days")
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.GatewayPort = 0
	cfg.Server.AdminPort = 0
	cfg.Server.LogLevel = "bad"

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected multiple validation errors")
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "gateway_port") || !strings.Contains(errStr, "log_level") {
		t.Errorf("error should mention multiple fields: %v", err)
	}
}

func TestIsValidEnum(t *testing.T) {
	if !isValidEnum("INFO", ValidLogLevels) {
		t.Error("INFO should be valid (case-insensitive)")
	}
	if isValidEnum("verbose", ValidLogLevels) {
		t.Error("verbose should not be valid")
	}
}
