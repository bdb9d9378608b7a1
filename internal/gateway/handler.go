package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/llmrelay/internal/manager"
	"github.com/allaspectsdev/llmrelay/internal/provider"
)

// Executor is the slice of the manager the gateway serves from.
type Executor interface {
	Execute(ctx context.Context, req *provider.Request) (*provider.Response, error)
	Models() []string
	Ready() bool
}

var _ Executor = (*manager.Manager)(nil)

// GenerateRequest is the body of POST /v1/generate.
type GenerateRequest struct {
	RequestID   string             `json:"request_id,omitempty"`
	Model       string             `json:"model"`
	Messages    []provider.Message `json:"messages"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	// TimeoutMs bounds each provider attempt. Zero uses the provider's timeout.
	TimeoutMs int               `json:"timeout_ms,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (g *GenerateRequest) validate() error {
	var errs []string
	if strings.TrimSpace(g.Model) == "" {
		errs = append(errs, "model is required")
	}
	if len(g.Messages) == 0 {
		errs = append(errs, "at least one message is required")
	}
	if g.MaxTokens < 0 {
		errs = append(errs, "max_tokens must be >= 0")
	}
	if g.TimeoutMs < 0 {
		errs = append(errs, "timeout_ms must be >= 0")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (g *GenerateRequest) toProvider() *provider.Request {
	return &provider.Request{
		ID:          g.RequestID,
		Model:       g.Model,
		Messages:    g.Messages,
		MaxTokens:   g.MaxTokens,
		Temperature: g.Temperature,
		Timeout:     time.Duration(g.TimeoutMs) * time.Millisecond,
		Metadata:    g.Metadata,
	}
}

// errorBody is the JSON shape of every gateway failure.
type errorBody struct {
	Error     string   `json:"error"`
	RequestID string   `json:"request_id,omitempty"`
	Attempted []string `json:"attempted,omitempty"`
}

// Handler serves the generation API.
type Handler struct {
	exec        Executor
	maxBodySize int64
	logger      zerolog.Logger
}

// NewHandler creates a Handler. A maxBodySize of zero disables the limit.
func NewHandler(exec Executor, maxBodySize int64) *Handler {
	return &Handler{
		exec:        exec,
		maxBodySize: maxBodySize,
		logger:      log.With().Str("component", "gateway").Logger(),
	}
}

// HandleGenerate decodes a GenerateRequest, runs it through the manager and
// writes the provider response. No available provider maps to 503 and
// exhaustion of every candidate to 502.
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	if h.maxBodySize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large"})
			return
		}
		writeJSONError(w, http.StatusBadRequest, errorBody{Error: "failed to read request body"})
		return
	}
	defer r.Body.Close()

	var in GenerateRequest
	if err := json.Unmarshal(body, &in); err != nil {
		writeJSONError(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if err := in.validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	req := in.toProvider()
	resp, err := h.exec.Execute(r.Context(), req)
	if err != nil {
		status, body := classify(err, req.ID)
		h.logger.Warn().Err(err).Str("request_id", req.ID).Int("status", status).Msg("generate failed")
		writeJSONError(w, status, body)
		return
	}

	w.Header().Set("X-Request-ID", resp.RequestID)
	w.Header().Set("X-Provider", resp.Provider)
	writeJSON(w, http.StatusOK, resp)
}

// classify maps a manager error to an HTTP status and body.
func classify(err error, requestID string) (int, errorBody) {
	body := errorBody{Error: err.Error(), RequestID: requestID}

	var exhausted *manager.ExhaustedError
	switch {
	case errors.As(err, &exhausted):
		body.Attempted = exhausted.Attempted
		return http.StatusBadGateway, body
	case errors.Is(err, manager.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, body
	default:
		return http.StatusInternalServerError, body
	}
}

// HandleModels lists every model served by at least one enabled provider.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	type model struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	models := h.exec.Models()
	data := make([]model, 0, len(models))
	for _, m := range models {
		data = append(data, model{ID: m, Object: "model"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// HandleHealth is a liveness probe.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady reports ready while at least one provider can take traffic.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if !h.exec.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, body)
}
