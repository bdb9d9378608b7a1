// Package provider defines upstream LLM provider configuration, request and
// response types, and HTTP clients for the supported vendor wire formats.
package provider

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Format identifies the wire format a provider speaks.
type Format string

const (
	FormatAnthropic Format = "anthropic"
	FormatOpenAI    Format = "openai"
)

// Default operating parameters applied by Config.WithDefaults.
const (
	DefaultTimeout             = 30 * time.Second
	DefaultHealthCheckInterval = 60 * time.Second
	DefaultFailureThreshold    = 5
	DefaultRecoveryTimeout     = 60 * time.Second
	DefaultSuccessThreshold    = 3
)

// Config describes one upstream provider. Everything except Enabled and
// Priority is fixed once the provider is registered.
type Config struct {
	Name          string   `json:"name"`
	Type          Format   `json:"type"`
	Endpoint      string   `json:"endpoint"`
	CredentialRef string   `json:"credential_ref,omitempty"`
	Models        []string `json:"models"`

	Priority          int           `json:"priority"`
	TokensPerMinute   int           `json:"tokens_per_minute"`
	RequestsPerMinute int           `json:"requests_per_minute"`
	Timeout           time.Duration `json:"timeout"`
	// MaxRetries is how many extra calls a transient upstream status
	// (429, 502, 503, 504) earns before failing over.
	MaxRetries      int     `json:"max_retries"`
	CostPer1KTokens float64 `json:"cost_per_1k_tokens"`

	HealthCheckInterval time.Duration `json:"health_check_interval"`
	FailureThreshold    int           `json:"failure_threshold"`
	RecoveryTimeout     time.Duration `json:"recovery_timeout"`
	SuccessThreshold    int           `json:"success_threshold"`

	Enabled bool `json:"enabled"`
}

// SupportsModel reports whether the provider serves model.
func (c *Config) SupportsModel(model string) bool {
	return slices.Contains(c.Models, model)
}

// WithDefaults returns a copy of c with zero operating parameters filled in.
func (c Config) WithDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	c.Models = slices.Clone(c.Models)
	return c
}

// Validate checks the fields that have no sensible default.
func (c *Config) Validate() error {
	var errs []string
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, "name is required")
	}
	if len(c.Models) == 0 {
		errs = append(errs, "at least one model is required")
	}
	if c.CostPer1KTokens < 0 {
		errs = append(errs, "cost_per_1k_tokens must be >= 0")
	}
	if c.TokensPerMinute < 0 || c.RequestsPerMinute < 0 {
		errs = append(errs, "rate limits must be >= 0")
	}
	if c.MaxRetries < 0 {
		errs = append(errs, "max_retries must be >= 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("provider %q: %s", c.Name, strings.Join(errs, "; "))
	}
	return nil
}

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a generation request submitted to the manager.
type Request struct {
	ID          string            `json:"request_id"`
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Response is the outcome of a request served by one provider.
type Response struct {
	RequestID  string    `json:"request_id"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Content    string    `json:"content"`
	TokensUsed int       `json:"tokens_used"`
	Cost       float64   `json:"cost"`
	LatencyMs  int64     `json:"latency_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Completion is what a provider client returns for a successful call.
// Token counts are zero when the vendor did not report usage.
type Completion struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Provider is an upstream LLM vendor client.
type Provider interface {
	// Generate runs one completion. It must honour ctx cancellation.
	Generate(ctx context.Context, req *Request) (*Completion, error)
	// Probe performs a cheap liveness check.
	Probe(ctx context.Context) error
}
