package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aescanero/jobdag/internal/application/resultcache"
	"github.com/aescanero/jobdag/internal/application/workers"
	"github.com/aescanero/jobdag/pkg/domain"
	"github.com/aescanero/jobdag/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Orchestrator is the scheduler surface exposed over HTTP
type Orchestrator interface {
	GetExecution(ctx context.Context, executionID string) (*domain.Execution, error)
	Cancel(ctx context.Context, executionID string) error
	Pause(ctx context.Context, executionID string, createCheckpoint bool) (string, error)
	Resume(ctx context.Context, executionID string) (*domain.Execution, error)
	CreateCheckpoint(ctx context.Context, executionID, name string, metadata map[string]string) (string, error)
	ResumeFromCheckpoint(ctx context.Context, checkpointID string) (*domain.Execution, error)
	ListCheckpoints(ctx context.Context, executionID string) ([]domain.CheckpointInfo, error)
	Cache() *resultcache.Cache
}

// Submitter queues execution requests
type Submitter interface {
	Submit(ctx context.Context, req domain.ExecutionRequest) (string, error)
}

// HealthChecker reports worker pool health
type HealthChecker interface {
	Check(ctx context.Context) *workers.HealthStatus
}

// RunLister reads persisted job runs
type RunLister interface {
	ListJobRuns(ctx context.Context, executionID string) ([]domain.JobRun, error)
}

// StreamHandler serves the live event stream of one execution
type StreamHandler interface {
	HandleExecutionStream(c *gin.Context)
}

// Server represents the HTTP API server
type Server struct {
	router       *gin.Engine
	server       *http.Server
	orchestrator Orchestrator
	submitter    Submitter
	health       HealthChecker
	state        ports.StateStore
	runs         RunLister
	logger       *zap.Logger
}

// Config holds HTTP server configuration. Health and Runs are optional.
type Config struct {
	Port         int
	Orchestrator Orchestrator
	Submitter    Submitter
	Health       HealthChecker
	State        ports.StateStore
	Runs         RunLister
	Stream       StreamHandler
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:       router,
		orchestrator: cfg.Orchestrator,
		submitter:    cfg.Submitter,
		health:       cfg.Health,
		state:        cfg.State,
		runs:         cfg.Runs,
		logger:       cfg.Logger,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.setupRoutes(gatherer, cfg.Stream)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer, stream StreamHandler) {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/executions", s.handleSubmitExecution)
		v1.GET("/executions/:id", s.handleGetExecution)
		v1.GET("/executions/:id/runs", s.handleListRuns)
		v1.POST("/executions/:id/cancel", s.handleCancelExecution)
		v1.POST("/executions/:id/pause", s.handlePauseExecution)
		v1.POST("/executions/:id/resume", s.handleResumeExecution)
		v1.POST("/executions/:id/checkpoints", s.handleCreateCheckpoint)
		v1.GET("/executions/:id/checkpoints", s.handleListCheckpoints)
		if stream != nil {
			v1.GET("/executions/:id/ws", stream.HandleExecutionStream)
		}

		v1.POST("/checkpoints/:id/resume", s.handleResumeFromCheckpoint)
		v1.GET("/workflows/:id/executions", s.handleWorkflowExecutions)
		v1.DELETE("/cache", s.handleInvalidateCache)
		v1.GET("/workers", s.handleWorkers)
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}

// requestLogger is a middleware for request logging
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		duration := time.Since(start)

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", duration),
			zap.String("client_ip", c.ClientIP()))
	}
}
