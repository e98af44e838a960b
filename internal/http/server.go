// Package http provides the HTTP API for kbasecase.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Echoxiawan/KBaseCase/internal/generation"
	"github.com/Echoxiawan/KBaseCase/internal/knowledge"
	"github.com/Echoxiawan/KBaseCase/internal/logging"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Generator runs the test-case pipeline. *generation.Service satisfies it.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) *generation.Result
}

// Server provides HTTP endpoints for kbasecase.
type Server struct {
	echo      *echo.Echo
	generator Generator
	kb        knowledge.Retriever
	runs      *semaphore.Weighted
	metrics   *apiMetrics
	logger    *zap.Logger
	config    *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// MaxConcurrent bounds simultaneous generation runs; further requests
	// get 503.
	MaxConcurrent int64
	// MaxBody is an echo size string such as "20M". Empty disables the limit.
	MaxBody string
}

// NewServer creates a new HTTP server. kb may be nil when no knowledge base
// is configured.
func NewServer(generator Generator, kb knowledge.Retriever, logger *zap.Logger, cfg *Config) (*Server, error) {
	if generator == nil {
		return nil, fmt.Errorf("generator cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host:          "localhost",
			Port:          8080,
			MaxConcurrent: 4,
		}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})
	metrics := newAPIMetrics(nil, logger)
	e.Use(metrics.middleware())
	if cfg.MaxBody != "" {
		e.Use(middleware.BodyLimit(cfg.MaxBody))
	}

	s := &Server{
		echo:      e,
		generator: generator,
		kb:        kb,
		runs:      semaphore.NewWeighted(cfg.MaxConcurrent),
		metrics:   metrics,
		logger:    logger,
		config:    cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/testcases/generate", s.handleGenerate)
	v1.POST("/knowledge/query", s.handleKnowledgeQuery)
	v1.POST("/knowledge/documents", s.handleKnowledgeDocuments)
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
