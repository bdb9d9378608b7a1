// Package gateway exposes the provider manager over HTTP.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/allaspectsdev/llmrelay/internal/tracing"
)

// Server binds the gateway routes to an address and supports graceful shutdown.
type Server struct {
	router  chi.Router
	handler *Handler
	httpSrv *http.Server
}

// ServerOptions configures NewServer. Zero timeouts leave the http.Server
// defaults (no timeout) in place.
type ServerOptions struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	TracingEnabled bool
	// AuthToken, when set, requires a matching Bearer token on /v1 routes.
	AuthToken string
}

// NewServer creates a Server for handler listening on addr.
func NewServer(handler *Handler, addr string, opts ServerOptions) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if opts.TracingEnabled {
		r.Use(tracing.HTTPMiddleware)
	}

	// Probes stay open so orchestrators do not need the token.
	r.Get("/health", handler.HandleHealth)
	r.Get("/health/ready", handler.HandleReady)

	r.Group(func(r chi.Router) {
		if opts.AuthToken != "" {
			r.Use(AuthMiddleware(opts.AuthToken))
		}
		r.Post("/v1/generate", handler.HandleGenerate)
		r.Get("/v1/models", handler.HandleModels)
	})

	return &Server{
		router:  r,
		handler: handler,
		httpSrv: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			IdleTimeout:  opts.IdleTimeout,
		},
	}
}

// Router returns the underlying chi.Router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// Start begins listening. It blocks until the server is shut down.
func (s *Server) Start() error {
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting for in-flight requests to
// complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
