// Package server provides the HTTP server shared by the coordinator and the node store.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/devrev/shardkv/internal/config"
	apierrors "github.com/devrev/shardkv/internal/errors"
	"github.com/devrev/shardkv/internal/health"
	"github.com/devrev/shardkv/internal/metrics"
	"github.com/devrev/shardkv/internal/middleware"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Routes mounts application routes on a router.
type Routes interface {
	Register(r *mux.Router)
}

// Options configures a Server.
type Options struct {
	Server      config.ServerConfig
	RateLimiter config.RateLimiterConfig
	CORSOrigins []string
	HTTPMetrics *metrics.HTTPMetrics
	Health      *health.HealthChecker

	// LongRunningPaths are served without the request timeout.
	LongRunningPaths []string
}

// Server represents the HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	routes       Routes
	opts         Options
	errorHandler *apierrors.Handler
	logger       *zap.Logger
}

// NewServer creates a new HTTP server. Call SetupRoutes before Start.
func NewServer(opts Options, routes Routes, errorHandler *apierrors.Handler, logger *zap.Logger) *Server {
	router := mux.NewRouter().UseEncodedPath()
	if opts.Health == nil {
		opts.Health = health.NewHealthChecker(logger)
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Server.Port),
		Handler:      router,
		ReadTimeout:  opts.Server.ReadTimeout,
		WriteTimeout: opts.Server.WriteTimeout,
		IdleTimeout:  opts.Server.IdleTimeout,
	}

	return &Server{
		router:       router,
		httpServer:   httpServer,
		routes:       routes,
		opts:         opts,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// SetupRoutes configures the middleware chain, probes and application routes.
func (s *Server) SetupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.errorHandler, s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger, "/health", "/ready"),
		middleware.CORS(s.opts.CORSOrigins),
		middleware.Timeout(s.opts.Server.RequestTimeout, s.opts.LongRunningPaths...),
	}

	if s.opts.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.opts.RateLimiter.RequestsPerSecond,
			s.opts.RateLimiter.BurstSize,
			s.errorHandler,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	if s.opts.HTTPMetrics != nil {
		middlewareChain = append(middlewareChain, s.opts.HTTPMetrics.Middleware)
	}

	chain := middleware.Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	// Health check endpoints
	s.router.HandleFunc("/health", s.opts.Health.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.opts.Health.ReadinessHandler).Methods(http.MethodGet)

	if s.routes != nil {
		s.routes.Register(s.router)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, apierrors.ErrorCodeInvalidRequest, "endpoint not found", requestID)
	})

	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, apierrors.ErrorCodeInvalidRequest, "method not allowed", requestID)
	})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.Int("port", s.opts.Server.Port))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Serve serves on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	if err := s.httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the http.Handler for the server.
func (s *Server) GetHandler() http.Handler {
	return s.router
}
