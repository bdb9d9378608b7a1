package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/allaspectsdev/llmrelay/internal/strategy"
)

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	// Server validation
	if cfg.Server.GatewayPort < 1 || cfg.Server.GatewayPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.gateway_port must be between 1 and 65535, got %d", cfg.Server.GatewayPort))
	}
	if cfg.Server.AdminPort < 1 || cfg.Server.AdminPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.admin_port must be between 1 and 65535, got %d", cfg.Server.AdminPort))
	}
	if cfg.Server.GatewayPort == cfg.Server.AdminPort {
		errs = append(errs, fmt.Sprintf("server.gateway_port and server.admin_port must differ, both are %d", cfg.Server.GatewayPort))
	}
	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.data_dir must not be empty")
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.read_timeout must be non-negative, got %d", cfg.Server.ReadTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.write_timeout must be non-negative, got %d", cfg.Server.WriteTimeout))
	}
	if cfg.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.idle_timeout must be non-negative, got %d", cfg.Server.IdleTimeout))
	}
	if cfg.Server.MaxBodySize < 0 {
		errs = append(errs, fmt.Sprintf("server.max_body_size must be non-negative, got %d", cfg.Server.MaxBodySize))
	}

	// Auth validation
	if cfg.Auth.Enabled && cfg.Auth.Token == "" {
		errs = append(errs, "auth.token must be set when auth.enabled is true")
	}

	// Provider validation, in name order so messages are stable.
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := cfg.Providers[name]
		if !isValidEnum(p.Type, ValidProviderTypes) {
			errs = append(errs, fmt.Sprintf("providers.%s.type must be one of %v, got %q", name, ValidProviderTypes, p.Type))
		}
		if p.Endpoint == "" {
			errs = append(errs, fmt.Sprintf("providers.%s.endpoint must not be empty", name))
		} else if u, err := url.Parse(p.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("providers.%s.endpoint must be an absolute URL, got %q", name, p.Endpoint))
		}
		if len(p.Models) == 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.models must list at least one model", name))
		}
		if p.Priority < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.priority must be non-negative, got %d", name, p.Priority))
		}
		if p.Timeout < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.timeout must be non-negative", name))
		}
		if p.MaxRetries < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.max_retries must be non-negative, got %d", name, p.MaxRetries))
		}
		if p.TokensPerMinute < 0 || p.RequestsPerMinute < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s rate limits must be non-negative", name))
		}
		if p.CostPer1KTokens < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.cost_per_1k_tokens must be non-negative, got %f", name, p.CostPer1KTokens))
		}
		if p.HealthCheckInterval < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.health_check_interval must be non-negative", name))
		}
	}

	// Routing validation
	if _, err := strategy.Parse(cfg.Routing.Strategy); err != nil {
		errs = append(errs, fmt.Sprintf("routing.strategy: %v", err))
	}

	// Health validation
	if cfg.Health.TTLSeconds <= 0 {
		errs = append(errs, fmt.Sprintf("health.ttl_seconds must be positive, got %d", cfg.Health.TTLSeconds))
	}
	if cfg.Health.SlowThresholdMs < 0 {
		errs = append(errs, fmt.Sprintf("health.slow_threshold_ms must be non-negative, got %d", cfg.Health.SlowThresholdMs))
	}
	if cfg.Health.BackoffSeconds < 0 {
		errs = append(errs, fmt.Sprintf("health.backoff_seconds must be non-negative, got %d", cfg.Health.BackoffSeconds))
	}
	if cfg.Health.CacheSize < 0 {
		errs = append(errs, fmt.Sprintf("health.cache_size must be non-negative, got %d", cfg.Health.CacheSize))
	}

	// Resilience validation
	if cfg.Resilience.RetryBaseDelayMs < 0 {
		errs = append(errs, fmt.Sprintf("resilience.retry_base_delay_ms must be non-negative, got %d", cfg.Resilience.RetryBaseDelayMs))
	}
	if cfg.Resilience.RetryMaxDelayMs < cfg.Resilience.RetryBaseDelayMs {
		errs = append(errs, fmt.Sprintf("resilience.retry_max_delay_ms must be at least retry_base_delay_ms, got %d", cfg.Resilience.RetryMaxDelayMs))
	}
	if cfg.Resilience.CBFailureThreshold < 1 {
		errs = append(errs, fmt.Sprintf("resilience.cb_failure_threshold must be at least 1, got %d", cfg.Resilience.CBFailureThreshold))
	}
	if cfg.Resilience.CBRecoveryTimeoutSec <= 0 {
		errs = append(errs, fmt.Sprintf("resilience.cb_recovery_timeout_seconds must be positive, got %d", cfg.Resilience.CBRecoveryTimeoutSec))
	}
	if cfg.Resilience.CBSuccessThreshold < 1 {
		errs = append(errs, fmt.Sprintf("resilience.cb_success_threshold must be at least 1, got %d", cfg.Resilience.CBSuccessThreshold))
	}

	// Rate limit validation
	if cfg.RateLimit.DefaultRequestsPerMinute < 0 || cfg.RateLimit.DefaultTokensPerMinute < 0 {
		errs = append(errs, "rate_limit defaults must be non-negative")
	}

	// Tracing validation
	if cfg.Tracing.Enabled {
		if !isValidEnum(cfg.Tracing.Exporter, ValidTracingExporters) {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of %v, got %q", ValidTracingExporters, cfg.Tracing.Exporter))
		}
		if cfg.Tracing.ServiceName == "" {
			errs = append(errs, "tracing.service_name must not be empty when tracing is enabled")
		}
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %f", cfg.Tracing.SampleRate))
	}

	// Metrics validation
	if cfg.Metrics.RetentionDays < 0 {
		errs = append(errs, fmt.Sprintf("metrics.retention_days must be non-negative, got %d", cfg.Metrics.RetentionDays))
	}
	if cfg.Metrics.PruneIntervalMinutes < 0 {
		errs = append(errs, fmt.Sprintf("metrics.prune_interval_minutes must be non-negative, got %d", cfg.Metrics.PruneIntervalMinutes))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum returns true if val is in the allowed list (case-insensitive).
func isValidEnum(val string, allowed []string) bool {
	lower := strings.ToLower(val)
	for _, a := range allowed {
		if strings.ToLower(a) == lower {
			return true
		}
	}
	return false
}
