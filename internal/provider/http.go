package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/allaspectsdev/llmrelay/internal/tracing"
	"github.com/allaspectsdev/llmrelay/internal/version"
)

const (
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 1024
	maxErrorBody     = 4 << 10
	maxResponseBody  = 16 << 20
)

// HTTPClient talks to a vendor API over HTTP. One client serves one provider.
type HTTPClient struct {
	name    string
	format  Format
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewSharedTransport returns a pooled transport suitable for sharing across
// every provider client.
func NewSharedTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// NewHTTPClient creates a client for cfg authenticating with apiKey. Request
// deadlines come from the caller's context, so the http.Client has no timeout.
func NewHTTPClient(cfg Config, apiKey string, transport http.RoundTripper) (*HTTPClient, error) {
	switch cfg.Type {
	case FormatAnthropic, FormatOpenAI:
	default:
		return nil, fmt.Errorf("provider %s: unsupported type %q", cfg.Name, cfg.Type)
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("provider %s: endpoint is required", cfg.Name)
	}
	if transport == nil {
		transport = NewSharedTransport()
	}
	return &HTTPClient{
		name:    cfg.Name,
		format:  cfg.Type,
		baseURL: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Transport: transport},
	}, nil
}

// Generate sends req to the vendor and parses the completion.
func (c *HTTPClient) Generate(ctx context.Context, req *Request) (*Completion, error) {
	var (
		path string
		body any
	)
	switch c.format {
	case FormatAnthropic:
		path, body = "/v1/messages", newAnthropicRequest(req)
	default:
		path, body = "/v1/chat/completions", newOpenAIRequest(req)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", c.format, err)
	}

	url := c.baseURL + path
	ctx, span := tracing.StartUpstreamSpan(ctx, url, c.name)
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)
	tracing.InjectHeaders(ctx, httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("calling %s: %w", url, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}

	var comp *Completion
	switch c.format {
	case FormatAnthropic:
		comp, err = parseAnthropicResponse(raw)
	default:
		comp, err = parseOpenAIResponse(raw)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	tracing.SetUsageAttributes(ctx, comp.InputTokens, comp.OutputTokens)
	return comp, nil
}

// Probe lists models, which every supported vendor serves cheaply.
func (c *HTTPClient) Probe(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return fmt.Errorf("creating probe request: %w", err)
	}
	c.authorize(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("probing %s: %w", c.name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return checkStatus(resp)
}

func (c *HTTPClient) authorize(r *http.Request) {
	r.Header.Set("User-Agent", version.UserAgent())
	if c.apiKey == "" {
		return
	}
	switch c.format {
	case FormatAnthropic:
		r.Header.Set("x-api-key", c.apiKey)
		r.Header.Set("anthropic-version", anthropicVersion)
	default:
		r.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(b)),
		RetryAfter: retryAfter(resp.Header, time.Now()),
	}
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// newAnthropicRequest moves system messages into the top-level system field.
func newAnthropicRequest(req *Request) anthropicRequest {
	out := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}
	var system []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		out.Messages = append(out.Messages, m)
	}
	out.System = strings.Join(system, "\n\n")
	return out
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func parseAnthropicResponse(raw []byte) (*Completion, error) {
	var r anthropicResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("parsing anthropic response: %w", err)
	}
	var sb strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if len(r.Content) == 0 {
		return nil, errors.New("parsing anthropic response: no content blocks")
	}
	return &Completion{
		Content:      sb.String(),
		InputTokens:  r.Usage.InputTokens,
		OutputTokens: r.Usage.OutputTokens,
	}, nil
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

func newOpenAIRequest(req *Request) openAIRequest {
	return openAIRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

type openAIResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func parseOpenAIResponse(raw []byte) (*Completion, error) {
	var r openAIResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("parsing openai response: %w", err)
	}
	if len(r.Choices) == 0 {
		return nil, errors.New("parsing openai response: no choices")
	}
	return &Completion{
		Content:      r.Choices[0].Message.Content,
		InputTokens:  r.Usage.PromptTokens,
		OutputTokens: r.Usage.CompletionTokens,
	}, nil
}
