package config

// DefaultBindAddress is the default bind address (localhost only for security).
const DefaultBindAddress = "127.0.0.1"

// DefaultGatewayPort is the default port for the generation gateway.
const DefaultGatewayPort = 7677

// DefaultAdminPort is the default port for the admin API.
const DefaultAdminPort = 7678

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.llmrelay"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "llmrelay.toml"

// DefaultProviderTimeout is the default provider timeout in seconds.
const DefaultProviderTimeout = 30

// DefaultReadTimeout is the default HTTP server read timeout in seconds.
const DefaultReadTimeout = 10

// DefaultWriteTimeout is the default HTTP server write timeout in seconds.
// Set high to cover a full failover chain of slow generations.
const DefaultWriteTimeout = 300

// DefaultIdleTimeout is the default HTTP server idle timeout in seconds.
const DefaultIdleTimeout = 120

// DefaultMaxBodySize is the default maximum request body size in bytes (10 MB).
const DefaultMaxBodySize = 10 << 20

// DefaultHealthTTL is how long a health observation stays valid, in seconds.
const DefaultHealthTTL = 300

// DefaultSlowThresholdMs marks a successful probe slower than this as degraded.
const DefaultSlowThresholdMs = 5000

// DefaultHealthBackoff is the minimum spacing between probes of one provider, in seconds.
const DefaultHealthBackoff = 30

// DefaultHealthCacheSize bounds the number of providers tracked by the health cache.
const DefaultHealthCacheSize = 1024

// DefaultHealthPurgeInterval is how often expired health entries are swept, in seconds.
const DefaultHealthPurgeInterval = 60

// DefaultRetryBaseDelayMs is the default base delay for exponential backoff in milliseconds.
const DefaultRetryBaseDelayMs = 500

// DefaultRetryMaxDelayMs is the default maximum delay for exponential backoff in milliseconds.
const DefaultRetryMaxDelayMs = 30000

// DefaultCBFailureThreshold is the default number of failures before opening the circuit.
const DefaultCBFailureThreshold = 5

// DefaultCBRecoveryTimeout is the default circuit breaker recovery timeout in seconds.
const DefaultCBRecoveryTimeout = 60

// DefaultCBSuccessThreshold is the number of half-open successes needed to close the circuit.
const DefaultCBSuccessThreshold = 3

// DefaultTracingExporter is the default tracing exporter type.
const DefaultTracingExporter = "otlp-grpc"

// DefaultTracingEndpoint is the default OTLP collector endpoint.
const DefaultTracingEndpoint = "localhost:4317"

// DefaultTracingServiceName is the default service name for traces.
const DefaultTracingServiceName = "llmrelay"

// DefaultTracingSampleRate is the default sampling rate (1.0 = 100%).
const DefaultTracingSampleRate = 1.0

// DefaultRetentionDays is the default metrics retention in days.
const DefaultRetentionDays = 30

// DefaultPruneInterval is how often old rows are pruned, in minutes.
const DefaultPruneInterval = 60

// ValidLogLevels lists the allowed log level values.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}

// ValidProviderTypes lists the supported wire formats.
var ValidProviderTypes = []string{"anthropic", "openai"}

// ValidTracingExporters lists the supported span exporters.
var ValidTracingExporters = []string{"stdout", "otlp-grpc", "otlp-http"}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:  DefaultBindAddress,
			GatewayPort:  DefaultGatewayPort,
			AdminPort:    DefaultAdminPort,
			LogLevel:     DefaultLogLevel,
			DataDir:      DefaultDataDir,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
			MaxBodySize:  DefaultMaxBodySize,
			AllowedOrigins: []string{
				"http://localhost:7678",
				"http://127.0.0.1:7678",
			},
		},
		Auth: AuthConfig{
			Enabled: false,
			Token:   "",
		},
		Providers: map[string]ProviderConfig{
			"anthropic": {
				Type:                "anthropic",
				Endpoint:            "https://api.anthropic.com",
				CredentialRef:       "keyring://llmrelay/anthropic",
				Models:              []string{"claude-sonnet-4-20250514", "claude-haiku-4-20250414"},
				Enabled:             true,
				Priority:            1,
				Timeout:             DefaultProviderTimeout,
				MaxRetries:          1,
				CostPer1KTokens:     0.003,
				HealthCheckInterval: 60,
			},
			"openai": {
				Type:                "openai",
				Endpoint:            "https://api.openai.com",
				CredentialRef:       "keyring://llmrelay/openai",
				Models:              []string{"gpt-4o", "gpt-4o-mini"},
				Enabled:             true,
				Priority:            2,
				Timeout:             DefaultProviderTimeout,
				MaxRetries:          1,
				CostPer1KTokens:     0.0025,
				HealthCheckInterval: 60,
			},
		},
		Routing: RoutingConfig{
			Strategy: "priority",
		},
		Health: HealthConfig{
			TTLSeconds:           DefaultHealthTTL,
			SlowThresholdMs:      DefaultSlowThresholdMs,
			BackoffSeconds:       DefaultHealthBackoff,
			CacheSize:            DefaultHealthCacheSize,
			PurgeIntervalSeconds: DefaultHealthPurgeInterval,
		},
		Resilience: ResilienceConfig{
			RetryBaseDelayMs:     DefaultRetryBaseDelayMs,
			RetryMaxDelayMs:      DefaultRetryMaxDelayMs,
			CBFailureThreshold:   DefaultCBFailureThreshold,
			CBRecoveryTimeoutSec: DefaultCBRecoveryTimeout,
			CBSuccessThreshold:   DefaultCBSuccessThreshold,
		},
		RateLimit: RateLimitConfig{},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    DefaultTracingExporter,
			Endpoint:    DefaultTracingEndpoint,
			ServiceName: DefaultTracingServiceName,
			SampleRate:  DefaultTracingSampleRate,
			Insecure:    false,
		},
		Metrics: MetricsConfig{
			Persist:              true,
			RetentionDays:        DefaultRetentionDays,
			PruneIntervalMinutes: DefaultPruneInterval,
		},
	}
}
