// Package server assembles the collector's HTTP router and the
// middleware stack shared by all API surfaces.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server owns the router plus the middleware applied to every request.
type Server struct {
	Router *chi.Mux
	logger *slog.Logger
}

// Options configures the middleware stack.
type Options struct {
	// APIKey, when non-empty, requires a matching bearer credential on
	// every /api request.
	APIKey string

	// RequestTimeout bounds handler execution. Zero means 30s.
	RequestTimeout time.Duration
}

// New builds the router with the standard middleware chain: request
// ID, structured request logging, optional bearer auth, timeout,
// panic recovery, and OpenTelemetry instrumentation.
func New(logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	if opts.APIKey != "" {
		r.Use(BearerAuthMiddleware(opts.APIKey))
	}
	r.Use(TimeoutMiddleware(timeout))
	r.Use(middleware.Recoverer)

	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "agentlens-collector")
	})

	return &Server{
		Router: r,
		logger: logger,
	}
}
