package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/llmrelay/internal/config"
	"github.com/allaspectsdev/llmrelay/internal/gateway"
	"github.com/allaspectsdev/llmrelay/internal/manager"
	"github.com/allaspectsdev/llmrelay/internal/store"
	"github.com/allaspectsdev/llmrelay/internal/strategy"
	"github.com/allaspectsdev/llmrelay/internal/tracing"
)

// ProviderController is the subset of the manager the admin API drives.
type ProviderController interface {
	ProviderSource
	Provider(name string) (manager.ProviderStats, bool)
	SetEnabled(name string, enabled bool) error
	SetPriority(name string, priority int) error
	SetStatus(ctx context.Context, name, status string) error
	SetStrategy(s strategy.Strategy)
	Strategy() string
}

// AdminServer serves the JSON admin API and Prometheus metrics.
type AdminServer struct {
	router    chi.Router
	collector *Collector
	providers ProviderController
	store     *store.Store
	addr      string
	authToken string
	origins   map[string]bool
	server    *http.Server
}

// AdminOption configures an AdminServer.
type AdminOption func(*AdminServer)

// WithAllowedOrigins sets the browser origins answered with CORS headers.
func WithAllowedOrigins(origins ...string) AdminOption {
	return func(d *AdminServer) {
		for _, o := range origins {
			d.origins[strings.TrimRight(o, "/")] = true
		}
	}
}

// WithAuthToken requires a Bearer token on every route except /api/health.
func WithAuthToken(token string) AdminOption {
	return func(d *AdminServer) { d.authToken = token }
}

// NewAdminServer creates an AdminServer. st may be nil when persistence is
// disabled; the request history endpoints then answer 503.
func NewAdminServer(collector *Collector, providers ProviderController, st *store.Store, addr string, opts ...AdminOption) *AdminServer {
	d := &AdminServer{
		collector: collector,
		providers: providers,
		store:     st,
		addr:      addr,
		origins:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(tracing.HTTPMiddleware)
	r.Use(d.corsMiddleware())

	r.Get("/api/health", d.handleHealth)

	r.Group(func(r chi.Router) {
		if d.authToken != "" {
			r.Use(gateway.AuthMiddleware(d.authToken))
		}
		r.Get("/api/stats", d.handleStats)
		r.Get("/api/stats/history", d.handleStatsHistory)
		r.Get("/api/providers", d.handleProviders)
		r.Get("/api/providers/{name}", d.handleGetProvider)
		r.Patch("/api/providers/{name}", d.handlePatchProvider)
		r.Get("/api/providers/{name}/health", d.handleHealthHistory)
		r.Put("/api/routing", d.handlePutRouting)
		r.Get("/api/requests", d.handleListRequests)
		r.Get("/api/requests/{id}", d.handleGetRequest)
		r.Get("/api/config", d.handleGetConfig)

		r.Get("/metrics", PrometheusHandler(collector, providers))
	})

	d.router = r
	return d
}

// Handler returns the router, for tests and embedding.
func (d *AdminServer) Handler() http.Handler { return d.router }

// Start begins listening on the configured address. It blocks until the
// server is shut down or an error occurs.
func (d *AdminServer) Start() error {
	d.server = &http.Server{
		Addr:         d.addr,
		Handler:      d.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", d.addr).Msg("admin server starting")
	if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the admin server.
func (d *AdminServer) Shutdown(ctx context.Context) error {
	if d.server == nil {
		return nil
	}
	return d.server.Shutdown(ctx)
}

func (d *AdminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *AdminServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"strategy":  d.providers.Strategy(),
		"requests":  d.collector.Stats(),
		"providers": d.providers.Stats(),
	})
}

// handleStatsHistory returns per-provider usage from the store.
// Accepts ?range=1d, 7d, 30d (default 7d).
func (d *AdminServer) handleStatsHistory(w http.ResponseWriter, r *http.Request) {
	if d.store == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}
	rangeParam := r.URL.Query().Get("range")
	if rangeParam == "" {
		rangeParam = "7d"
	}
	since, err := parseDurationParam(rangeParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid range parameter")
		return
	}

	usage, err := d.store.UsageByProvider(r.Context(), time.Now().Add(-since))
	if err != nil {
		log.Error().Err(err).Msg("failed to query usage history")
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if usage == nil {
		usage = []store.ProviderUsage{}
	}
	writeJSON(w, http.StatusOK, usage)
}

// handleProviders lists providers ordered by priority, then name.
func (d *AdminServer) handleProviders(w http.ResponseWriter, _ *http.Request) {
	stats := d.providers.Stats()
	out := make([]manager.ProviderStats, 0, len(stats))
	for _, s := range stats {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	writeJSON(w, http.StatusOK, out)
}

func (d *AdminServer) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	s, ok := d.providers.Provider(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, "provider not found")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type providerPatch struct {
	Enabled  *bool   `json:"enabled"`
	Priority *int    `json:"priority"`
	Status   *string `json:"status"`
}

// handlePatchProvider applies runtime changes to one provider. Every field
// is optional; the updated provider is returned.
func (d *AdminServer) handlePatchProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := d.providers.Provider(name); !ok {
		writeError(w, http.StatusNotFound, "provider not found")
		return
	}

	var patch providerPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if patch.Status != nil {
		if err := d.providers.SetStatus(r.Context(), name, *patch.Status); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
	}
	if patch.Enabled != nil {
		if err := d.providers.SetEnabled(name, *patch.Enabled); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
	}
	if patch.Priority != nil {
		if err := d.providers.SetPriority(name, *patch.Priority); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
	}

	log.Info().Str("provider", name).Msg("provider updated via admin API")
	s, _ := d.providers.Provider(name)
	writeJSON(w, http.StatusOK, s)
}

func (d *AdminServer) handleHealthHistory(w http.ResponseWriter, r *http.Request) {
	if d.store == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}
	name := chi.URLParam(r, "name")
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	hist, err := d.store.HealthHistory(r.Context(), name, limit)
	if err != nil {
		log.Error().Err(err).Str("provider", name).Msg("failed to query health history")
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if hist == nil {
		hist = []store.HealthRecord{}
	}
	writeJSON(w, http.StatusOK, hist)
}

func (d *AdminServer) handlePutRouting(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Strategy string `json:"strategy"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s, err := strategy.Parse(body.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d.providers.SetStrategy(s)
	writeJSON(w, http.StatusOK, map[string]string{"strategy": d.providers.Strategy()})
}

// handleListRequests returns a page of recorded responses.
func (d *AdminServer) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if d.store == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 50)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}
	offset := (page - 1) * limit

	requests, err := d.store.ListRequests(r.Context(), limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("failed to list requests")
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if requests == nil {
		requests = []*store.ResponseRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"page":     page,
		"limit":    limit,
		"requests": requests,
	})
}

// handleGetRequest returns one recorded response with its attempts.
func (d *AdminServer) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	if d.store == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}
	id := chi.URLParam(r, "id")
	rec, err := d.store.GetRequest(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("id", id).Msg("failed to get request")
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleGetConfig returns the current configuration with sensitive keys redacted.
func (d *AdminServer) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	data, err := json.Marshal(config.Get())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "serialisation error")
		return
	}

	var cfgMap map[string]any
	if err := json.Unmarshal(data, &cfgMap); err != nil {
		writeError(w, http.StatusInternalServerError, "serialisation error")
		return
	}

	redactKeys(cfgMap)
	writeJSON(w, http.StatusOK, cfgMap)
}

// --- helpers ---

func statusFor(err error) int {
	if errors.Is(err, manager.ErrUnknownProvider) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return errors.New("failed to read body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.New("invalid JSON")
	}
	return nil
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// queryInt reads an integer query parameter with a default fallback.
func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}

// parseDurationParam converts a shorthand like "7d" or "24h" to a time.Duration.
func parseDurationParam(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// redactKeys recursively walks a map and replaces any string value whose
// key contains "key", "secret", "token" or "credential" with "****".
func redactKeys(m map[string]any) {
	for k, v := range m {
		lower := strings.ToLower(k)
		if strings.Contains(lower, "key") || strings.Contains(lower, "secret") ||
			strings.Contains(lower, "token") || strings.Contains(lower, "credential") {
			if s, ok := v.(string); ok && s != "" {
				m[k] = "****"
				continue
			}
		}
		switch child := v.(type) {
		case map[string]any:
			redactKeys(child)
		case []any:
			for _, item := range child {
				if sub, ok := item.(map[string]any); ok {
					redactKeys(sub)
				}
			}
		}
	}
}

// corsMiddleware answers browsers from the configured origins only.
// With no origins configured every cross-origin request goes unanswered.
func (d *AdminServer) corsMiddleware() func(http.Handler) http.Handler {
	origins := make([]string, 0, len(d.origins))
	for o := range d.origins {
		origins = append(origins, o)
	}
	sort.Strings(origins)
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "PATCH", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	})
}
