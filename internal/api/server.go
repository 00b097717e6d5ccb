package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. Detokenization has no route.
func NewServer(cfg domain.ServerConfig, deps Dependencies, version string) *Server {
	handler := NewHandler(deps, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(RecoverMiddleware)
	router.Use(SecurityHeadersMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(ClientMetadataMiddleware)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	router.Route("/v1", func(r chi.Router) {
		r.Post("/tokens", handler.Tokenize)

		r.Post("/risk/transactions", handler.AssessTransaction)
		r.Post("/risk/devices", handler.AssessDevice)

		r.Post("/compliance/storage", handler.CheckStorage)
		r.Get("/compliance/network", handler.CheckNetwork)
		r.Post("/compliance/access", handler.CheckAccess)

		r.Post("/contactless/payments", handler.ProcessPayment)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
