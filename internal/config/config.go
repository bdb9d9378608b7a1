package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/allaspectsdev/llmrelay/internal/provider"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for llmrelay.
type Config struct {
	Server     ServerConfig              `mapstructure:"server"     toml:"server"`
	Auth       AuthConfig                `mapstructure:"auth"       toml:"auth"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"  toml:"providers"`
	Routing    RoutingConfig             `mapstructure:"routing"    toml:"routing"`
	Health     HealthConfig              `mapstructure:"health"     toml:"health"`
	Resilience ResilienceConfig          `mapstructure:"resilience" toml:"resilience"`
	RateLimit  RateLimitConfig           `mapstructure:"rate_limit" toml:"rate_limit"`
	Tracing    TracingConfig             `mapstructure:"tracing"    toml:"tracing"`
	Metrics    MetricsConfig             `mapstructure:"metrics"    toml:"metrics"`
}

// ServerConfig holds the core server settings. Timeouts are in seconds.
type ServerConfig struct {
	BindAddress  string `mapstructure:"bind_address"  toml:"bind_address"`
	GatewayPort  int    `mapstructure:"gateway_port"  toml:"gateway_port"`
	AdminPort    int    `mapstructure:"admin_port"    toml:"admin_port"`
	LogLevel     string `mapstructure:"log_level"     toml:"log_level"`
	DataDir      string `mapstructure:"data_dir"      toml:"data_dir"`
	ReadTimeout  int    `mapstructure:"read_timeout"  toml:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout" toml:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"  toml:"idle_timeout"`
	MaxBodySize  int64  `mapstructure:"max_body_size" toml:"max_body_size"`
	// AllowedOrigins lists browser origins the admin API answers CORS requests from.
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// AuthConfig protects the gateway and admin API with a bearer token.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Token   string `mapstructure:"token"   toml:"token"`
}

// ProviderConfig describes a single upstream provider. Durations are in seconds.
type ProviderConfig struct {
	Type                string   `mapstructure:"type"                  toml:"type"`
	Endpoint            string   `mapstructure:"endpoint"              toml:"endpoint"`
	CredentialRef       string   `mapstructure:"credential_ref"        toml:"credential_ref"`
	Models              []string `mapstructure:"models"                toml:"models"`
	Enabled             bool     `mapstructure:"enabled"               toml:"enabled"`
	Priority            int      `mapstructure:"priority"              toml:"priority"`
	TokensPerMinute     int      `mapstructure:"tokens_per_minute"     toml:"tokens_per_minute"`
	RequestsPerMinute   int      `mapstructure:"requests_per_minute"   toml:"requests_per_minute"`
	Timeout             int      `mapstructure:"timeout"               toml:"timeout"`
	MaxRetries          int      `mapstructure:"max_retries"           toml:"max_retries"`
	CostPer1KTokens     float64  `mapstructure:"cost_per_1k_tokens"    toml:"cost_per_1k_tokens"`
	HealthCheckInterval int      `mapstructure:"health_check_interval" toml:"health_check_interval"`
}

// TimeoutDuration returns the provider timeout as a time.Duration.
func (p ProviderConfig) TimeoutDuration() time.Duration {
	if p.Timeout <= 0 {
		return provider.DefaultTimeout
	}
	return time.Duration(p.Timeout) * time.Second
}

// RoutingConfig selects the failover strategy.
type RoutingConfig struct {
	Strategy string `mapstructure:"strategy" toml:"strategy"`
}

// HealthConfig controls provider health monitoring.
type HealthConfig struct {
	TTLSeconds           int `mapstructure:"ttl_seconds"            toml:"ttl_seconds"`
	SlowThresholdMs      int `mapstructure:"slow_threshold_ms"      toml:"slow_threshold_ms"`
	BackoffSeconds       int `mapstructure:"backoff_seconds"        toml:"backoff_seconds"`
	CacheSize            int `mapstructure:"cache_size"             toml:"cache_size"`
	PurgeIntervalSeconds int `mapstructure:"purge_interval_seconds" toml:"purge_interval_seconds"`
}

// ResilienceConfig holds retry backoff and circuit breaker defaults. Per-provider
// breakers use these values.
type ResilienceConfig struct {
	RetryBaseDelayMs     int `mapstructure:"retry_base_delay_ms"         toml:"retry_base_delay_ms"`
	RetryMaxDelayMs      int `mapstructure:"retry_max_delay_ms"          toml:"retry_max_delay_ms"`
	CBFailureThreshold   int `mapstructure:"cb_failure_threshold"        toml:"cb_failure_threshold"`
	CBRecoveryTimeoutSec int `mapstructure:"cb_recovery_timeout_seconds" toml:"cb_recovery_timeout_seconds"`
	CBSuccessThreshold   int `mapstructure:"cb_success_threshold"        toml:"cb_success_threshold"`
}

// RateLimitConfig supplies limits for providers that set none. Zero means unlimited.
type RateLimitConfig struct {
	DefaultRequestsPerMinute int `mapstructure:"default_requests_per_minute" toml:"default_requests_per_minute"`
	DefaultTokensPerMinute   int `mapstructure:"default_tokens_per_minute"   toml:"default_tokens_per_minute"`
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter"`     // "stdout", "otlp-grpc", "otlp-http"
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"`     // e.g. "localhost:4317"
	ServiceName string  `mapstructure:"service_name" toml:"service_name"` // defaults to "llmrelay"
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"`  // 0.0 to 1.0
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"`     // skip TLS for dev
}

// MetricsConfig controls usage persistence and retention.
type MetricsConfig struct {
	Persist              bool `mapstructure:"persist"                toml:"persist"`
	RetentionDays        int  `mapstructure:"retention_days"         toml:"retention_days"`
	PruneIntervalMinutes int  `mapstructure:"prune_interval_minutes" toml:"prune_interval_minutes"`
}

// ProviderConfigs converts the configured providers into manager
// registrations, sorted by name. Zero rate limits take the rate_limit defaults.
func (c *Config) ProviderConfigs() []provider.Config {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]provider.Config, 0, len(names))
	for _, name := range names {
		p := c.Providers[name]
		pc := provider.Config{
			Name:                name,
			Type:                provider.Format(p.Type),
			Endpoint:            p.Endpoint,
			CredentialRef:       p.CredentialRef,
			Models:              p.Models,
			Priority:            p.Priority,
			TokensPerMinute:     p.TokensPerMinute,
			RequestsPerMinute:   p.RequestsPerMinute,
			Timeout:             p.TimeoutDuration(),
			MaxRetries:          p.MaxRetries,
			CostPer1KTokens:     p.CostPer1KTokens,
			HealthCheckInterval: time.Duration(p.HealthCheckInterval) * time.Second,
			FailureThreshold:    c.Resilience.CBFailureThreshold,
			RecoveryTimeout:     time.Duration(c.Resilience.CBRecoveryTimeoutSec) * time.Second,
			SuccessThreshold:    c.Resilience.CBSuccessThreshold,
			Enabled:             p.Enabled,
		}
		if pc.RequestsPerMinute == 0 {
			pc.RequestsPerMinute = c.RateLimit.DefaultRequestsPerMinute
		}
		if pc.TokensPerMinute == 0 {
			pc.TokensPerMinute = c.RateLimit.DefaultTokensPerMinute
		}
		out = append(out, pc.WithDefaults())
	}
	return out
}

// Load reads configuration from disk with the following precedence:
//  1. Environment variables (LLMRELAY_ prefix, _ as separator)
//  2. The file at explicitPath if non-empty
//  3. ~/.llmrelay/llmrelay.toml
//  4. ./llmrelay.toml
//  5. Built-in defaults
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	// Set all defaults so viper knows every key.
	setViperDefaults(v)

	v.SetEnvPrefix("LLMRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".llmrelay"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("llmrelay")
	}

	if err := v.ReadInConfig(); err != nil {
		// If no config file exists we still proceed with defaults + env.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	// Providers come only from the file; the defaults are examples.
	if v.IsSet("providers") {
		cfg.Providers = nil
	}
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// InitConfig writes the default configuration file to ~/.llmrelay/llmrelay.toml.
// If the file already exists it is not overwritten.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".llmrelay")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	data, err := toml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	return nil
}

// ExportConfig writes the current config to the given path in TOML format.
func ExportConfig(path string) error {
	data, err := toml.Marshal(Get())
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every scalar key with viper so that env var
// binding works even when no config file is present.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server
	v.SetDefault("server.bind_address", d.Server.BindAddress)
	v.SetDefault("server.gateway_port", d.Server.GatewayPort)
	v.SetDefault("server.admin_port", d.Server.AdminPort)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.max_body_size", d.Server.MaxBodySize)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)

	// Auth
	v.SetDefault("auth.enabled", d.Auth.Enabled)
	v.SetDefault("auth.token", d.Auth.Token)

	// Routing
	v.SetDefault("routing.strategy", d.Routing.Strategy)

	// Health
	v.SetDefault("health.ttl_seconds", d.Health.TTLSeconds)
	v.SetDefault("health.slow_threshold_ms", d.Health.SlowThresholdMs)
	v.SetDefault("health.backoff_seconds", d.Health.BackoffSeconds)
	v.SetDefault("health.cache_size", d.Health.CacheSize)
	v.SetDefault("health.purge_interval_seconds", d.Health.PurgeIntervalSeconds)

	// Resilience
	v.SetDefault("resilience.retry_base_delay_ms", d.Resilience.RetryBaseDelayMs)
	v.SetDefault("resilience.retry_max_delay_ms", d.Resilience.RetryMaxDelayMs)
	v.SetDefault("resilience.cb_failure_threshold", d.Resilience.CBFailureThreshold)
	v.SetDefault("resilience.cb_recovery_timeout_seconds", d.Resilience.CBRecoveryTimeoutSec)
	v.SetDefault("resilience.cb_success_threshold", d.Resilience.CBSuccessThreshold)

	// Rate limits
	v.SetDefault("rate_limit.default_requests_per_minute", d.RateLimit.DefaultRequestsPerMinute)
	v.SetDefault("rate_limit.default_tokens_per_minute", d.RateLimit.DefaultTokensPerMinute)

	// Tracing
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)

	// Metrics
	v.SetDefault("metrics.persist", d.Metrics.Persist)
	v.SetDefault("metrics.retention_days", d.Metrics.RetentionDays)
	v.SetDefault("metrics.prune_interval_minutes", d.Metrics.PruneIntervalMinutes)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
