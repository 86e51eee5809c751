// Package http serves the goalkeeper API: GitHub push webhooks, goal set
// queries, approvals and retries.
package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fyrsmithlabs/goalkeeper/internal/config"
	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"github.com/fyrsmithlabs/goalkeeper/internal/planning"
	"github.com/fyrsmithlabs/goalkeeper/internal/telemetry"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Machine is what the API drives.
type Machine interface {
	HandlePush(ctx context.Context, push goals.Push) (*planning.GoalSet, error)
	Approve(ctx context.Context, key goals.EventKey, by goals.Provenance) (*goals.GoalEvent, error)
	Retry(ctx context.Context, key goals.EventKey, by goals.Provenance) (*goals.GoalEvent, error)
}

// Reader is the read side of the goal store.
type Reader interface {
	ListSiblings(ctx context.Context, goalSetID string) ([]*goals.GoalEvent, error)
	ListForCommit(ctx context.Context, owner, repo, sha string) ([]*goals.GoalEvent, error)
}

// Server provides the goalkeeper HTTP endpoints.
type Server struct {
	echo       *echo.Echo
	machine    Machine
	reader     Reader
	logger     *logging.Logger
	config     *Config
	limiter    *ipLimiter
	collectors *telemetry.Collectors
	gatherer   prometheus.Gatherer
	metrics    *HTTPMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host          string
	Port          int
	WebhookSecret config.Secret
	// RateLimit is webhook requests per second allowed per client IP.
	RateLimit float64
	Burst     int
}

type Option func(*Server)

// WithCollectors counts webhook deliveries and planning latency.
func WithCollectors(c *telemetry.Collectors) Option {
	return func(s *Server) { s.collectors = c }
}

// WithGatherer sets what /metrics exposes. Defaults to
// prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func WithHTTPMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new HTTP server.
func NewServer(m Machine, reader Reader, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if m == nil || reader == nil {
		return nil, fmt.Errorf("machine and goal store are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8080}
	}
	if !cfg.WebhookSecret.IsSet() {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}

	s := &Server{
		echo:     echo.New(),
		machine:  m,
		reader:   reader,
		logger:   logger.Named("http"),
		config:   cfg,
		limiter:  newIPLimiter(cfg.RateLimit, cfg.Burst),
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Info(c.Request().Context(), "http request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("duration", v.Latency),
				zap.String("request_id", v.RequestID),
			)
			return nil
		},
	}))
	if s.metrics != nil {
		e.Use(s.metrics.MetricsMiddleware())
	}

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	s.echo.POST("/webhook/github", s.handleWebhook)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/goalsets/:id", s.handleGoalSet)
	v1.GET("/commits/:owner/:repo/:sha/goals", s.handleCommitGoals)
	v1.POST("/goals/approve", s.handleApprove)
	v1.POST("/goals/retry", s.handleRetry)
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
