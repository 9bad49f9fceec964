package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ptld-risk-mcp-server/internal/domain"
	"github.com/ptld-risk-mcp-server/internal/metrics"
	"github.com/ptld-risk-mcp-server/internal/middleware"
)

// Assessments is the service surface the HTTP API exposes.
type Assessments interface {
	ModelInfo() domain.ModelInfo
	AssessPatient(ctx context.Context, patientID string) (*domain.AssessmentResult, error)
	AssessSnapshot(ctx context.Context, snapshot *domain.ClinicalSnapshot) (*domain.AssessmentResult, error)
	GetAssessment(ctx context.Context, id string) (*domain.AssessmentResult, error)
	ListAssessments(ctx context.Context, patientID string, limit int) ([]*domain.AssessmentResult, error)
}

// HealthCheck reports the health of a dependency such as the database.
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP server
type Server struct {
	configManager domain.ConfigManager
	assessments   Assessments
	logger        *logrus.Logger
	metrics       *metrics.Metrics
	gatherer      prometheus.Gatherer
	checks        map[string]HealthCheck
	router        *gin.Engine
	server        *http.Server
}

// ServerOption is a functional option for Server.
type ServerOption func(*Server)

// WithMetrics records request metrics in m and serves gatherer on the metrics path.
func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// WithHealthCheck adds a named dependency check to /health.
func WithHealthCheck(name string, check HealthCheck) ServerOption {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// NewServer creates a new HTTP server instance
func NewServer(configManager domain.ConfigManager, assessments Assessments, logger *logrus.Logger, opts ...ServerOption) *Server {
	cfg := configManager.GetConfig()

	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &Server{
		configManager: configManager,
		assessments:   assessments,
		logger:        logger,
		checks:        map[string]HealthCheck{},
	}
	for _, opt := range opts {
		opt(server)
	}

	router := gin.New()

	var observer middleware.RequestObserver
	if server.metrics != nil {
		observer = server.metrics
	}

	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.AuditLogger(logger, observer))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestTimeout(cfg.Server.RequestTimeout))

	server.router = router
	server.setupRoutes()

	return server
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	cfg := s.configManager.GetServerConfig()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	cfg := s.configManager.GetConfig()

	s.router.GET("/health", s.handleHealth)

	if cfg.Metrics.Enabled && s.gatherer != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.GET(path, gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/api/v1")
	v1.Use(middleware.RateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst))
	{
		v1.GET("/model", s.handleModelInfo)
		v1.POST("/assessments", s.handleAssessSnapshot)
		v1.GET("/assessments/:id", s.handleGetAssessment)
		v1.POST("/patients/:id/assessments", s.handleAssessPatient)
		v1.GET("/patients/:id/assessments", s.handleListAssessments)
	}
}
