package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/medic/internal/ratelimit"
)

const requestTimeout = 30 * time.Second

// Server is the medic HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds the dependencies and settings for creating a Server.
type ServerConfig struct {
	Outcomes      OutcomeReader
	Approver      Approver
	MinConfidence func() float64
	Mode          string
	Version       string
	Listen        string
	Logger        *slog.Logger

	// RateLimiter guards the approval endpoint. Nil disables limiting.
	RateLimiter ratelimit.Limiter

	// OpenAPISpec is served at GET /openapi.yaml when non-empty.
	OpenAPISpec []byte
}

// New creates the HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Outcomes:      cfg.Outcomes,
		Approver:      cfg.Approver,
		MinConfidence: cfg.MinConfidence,
		Mode:          cfg.Mode,
		Version:       cfg.Version,
		Logger:        cfg.Logger,
		OpenAPISpec:   cfg.OpenAPISpec,
	})

	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	limitApprove := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /decisions/recent", h.HandleDecisionsRecent)
	mux.HandleFunc("GET /stats", h.HandleStats)
	mux.Handle("POST /approve/{kill_id}", limitApprove(http.HandlerFunc(h.HandleApprove)))
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = http.TimeoutHandler(handler, requestTimeout, "request timed out")

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Listen,
			Handler:      handler,
			ReadTimeout:  requestTimeout,
			WriteTimeout: requestTimeout + 5*time.Second,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, cancelling in-flight requests
// when ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
