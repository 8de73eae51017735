// Package http provides HTTP server adapter for the application layer.
// This is a thin adapter layer that translates HTTP requests to application service calls.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/approvalflow/internal/application/service"
)

// Logger interface for logging operations
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// HealthCheck reports whether a backing resource is usable
type HealthCheck func(ctx context.Context) error

// Option configures a Server
type Option func(*Server)

// WithClock sets the clock handlers read the current time from
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithHealthCheck adds a check to GET /health
func WithHealthCheck(check HealthCheck) Option {
	return func(s *Server) {
		s.healthCheck = check
	}
}

// Server is the HTTP server adapter
type Server struct {
	config      ServerConfig
	httpServer  *http.Server
	router      *gin.Engine
	workflows   service.WorkflowService
	definitions service.DefinitionService
	healthCheck HealthCheck
	now         func() time.Time
	logger      Logger
}

// NewServer creates a new HTTP server with the given services
func NewServer(
	config ServerConfig,
	workflows service.WorkflowService,
	definitions service.DefinitionService,
	logger Logger,
	opts ...Option,
) *Server {
	router := gin.New()

	server := &Server{
		config:      config,
		router:      router,
		workflows:   workflows,
		definitions: definitions,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(server)
	}

	// Setup middleware
	server.setupMiddleware()

	// Setup routes
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware for the router
func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.router.Use(gin.Recovery())

	// Logging middleware
	s.router.Use(s.loggingMiddleware())
}

// loggingMiddleware creates a logging middleware
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		// Process request
		c.Next()

		// Log request details
		latency := time.Since(start)
		status := c.Writer.Status()

		s.logger.Info("HTTP request",
			"method", method,
			"path", path,
			"status", status,
			"latency", latency.String(),
			"client_ip", c.ClientIP(),
			"tenant_id", c.GetHeader(HeaderTenantID),
		)
	}
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	handlers := NewHandlers(s.workflows, s.definitions, s.now, s.healthCheck, s.logger)

	// Health check
	s.router.GET("/health", handlers.HealthCheck)

	// API routes
	api := s.router.Group("/api/v1", callerMiddleware())
	{
		// Definitions
		api.POST("/definitions", handlers.CreateDefinition)
		api.GET("/definitions", handlers.ListDefinitions)
		api.GET("/definitions/:id", handlers.GetDefinition)
		api.PUT("/definitions/:id", handlers.ReviseDefinition)
		api.DELETE("/definitions/:id", handlers.DeleteDefinition)
		api.POST("/definitions/:id/publish", handlers.PublishDefinition)
		api.POST("/definitions/:id/archive", handlers.ArchiveDefinition)

		// Instances
		api.POST("/instances", handlers.CreateInstance)
		api.GET("/instances", handlers.ListInstances)
		api.GET("/instances/by-display-id/:displayId", handlers.GetInstanceByDisplayID)
		api.GET("/instances/:id", handlers.GetInstance)
		api.POST("/instances/:id/submit", handlers.SubmitInstance)
		api.POST("/instances/:id/resubmit", handlers.ResubmitInstance)
		api.POST("/instances/:id/cancel", handlers.CancelInstance)
		api.POST("/instances/:id/comments", handlers.PostComment)
		api.GET("/instances/:id/comments", handlers.ListComments)
		api.GET("/instances/:id/steps/:stepId", handlers.GetStep)
		api.POST("/instances/:id/steps/:stepId/approve", handlers.Decide(decisionApprove))
		api.POST("/instances/:id/steps/:stepId/reject", handlers.Decide(decisionReject))
		api.POST("/instances/:id/steps/:stepId/request-changes", handlers.Decide(decisionRequestChanges))

		// Tasks
		api.GET("/tasks", handlers.ListTasks)

		// Dashboard
		api.GET("/dashboard/stats", handlers.DashboardStats)
	}
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting HTTP server", "address", addr)

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("HTTP server shutdown requested")
		return s.Stop()
	case err := <-errCh:
		s.logger.Error("HTTP server error", "error", err)
		return err
	}
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("Stopping HTTP server")

	// Create shutdown context with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
		return err
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Router returns the underlying gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Address returns the server address
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}
