// Package mcp provides the MCP server implementation.
// The lite server requires no external databases: it scores with a local model file and
// keeps clinical snapshots and assessments in SQLite.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/ptld-risk-mcp-server/internal/cache"
	litecfg "github.com/ptld-risk-mcp-server/internal/config"
	"github.com/ptld-risk-mcp-server/internal/domain"
	"github.com/ptld-risk-mcp-server/internal/oracle"
	"github.com/ptld-risk-mcp-server/internal/service"
	"github.com/ptld-risk-mcp-server/internal/snapshot"
	"github.com/ptld-risk-mcp-server/internal/store"
)

const (
	serverName    = "ptld-risk-mcp-server-lite"
	serverVersion = "v0.1.0"
)

// LiteServer is a lightweight MCP server that requires no external databases.
type LiteServer struct {
	config    *litecfg.LiteConfig
	mcpServer *mcp.Server
	oracle    domain.Oracle
	snapshots *snapshot.SQLiteProvider
	store     store.Store
	cache     *cache.MemoryCache
	service   *service.AssessmentService
	logger    *logrus.Logger
}

// LiteServerOption is a functional option for LiteServer.
type LiteServerOption func(*LiteServer) error

// WithStore sets a custom assessment store.
func WithStore(s store.Store) LiteServerOption {
	return func(ls *LiteServer) error {
		ls.store = s
		return nil
	}
}

// WithOracle replaces the model loaded from the configured model path.
func WithOracle(o domain.Oracle) LiteServerOption {
	return func(ls *LiteServer) error {
		ls.oracle = o
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *logrus.Logger) LiteServerOption {
	return func(ls *LiteServer) error {
		ls.logger = logger
		return nil
	}
}

// NewLiteServer creates a new lightweight MCP server instance.
func NewLiteServer(cfg *litecfg.LiteConfig, opts ...LiteServerOption) (*LiteServer, error) {
	server := &LiteServer{config: cfg}

	for _, opt := range opts {
		if err := opt(server); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if server.logger == nil {
		logger, err := litecfg.NewLogger(cfg.LoggingConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		server.logger = logger
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if server.oracle == nil {
		model, err := oracle.LoadLogisticOracle(cfg.ModelPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load model: %w", err)
		}
		server.oracle = model
	}

	snapshots, err := snapshot.NewSQLiteProvider(cfg.ClinicalDBPath(), server.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open clinical database: %w", err)
	}
	server.snapshots = snapshots

	if server.store == nil {
		results, err := store.NewSQLiteStore(cfg.AssessmentDBPath(), server.logger)
		if err != nil {
			snapshots.Close()
			return nil, fmt.Errorf("failed to create assessment store: %w", err)
		}
		server.store = results
	}

	server.cache = cache.NewMemoryCache(cfg.CacheMaxItems, cfg.CacheTTL)

	assessor, err := service.NewAssessor(server.oracle, cfg.AssessmentConfig(), server.logger)
	if err != nil {
		server.Close()
		return nil, fmt.Errorf("failed to create assessor: %w", err)
	}
	server.service = service.NewAssessmentService(assessor, server.snapshots, server.store, server.cache, server.logger)

	server.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)
	server.registerTools()
	server.registerResources()

	server.logger.Info("Lite server initialized successfully")
	return server, nil
}

// Start runs the MCP server on stdio until ctx is cancelled or the client disconnects.
func (s *LiteServer) Start(ctx context.Context) error {
	s.logger.WithField("transport_type", s.config.Transport).Info("Starting PTLD risk MCP server (lite)")

	if s.config.Transport != "" && s.config.Transport != "stdio" {
		return fmt.Errorf("unsupported transport %q", s.config.Transport)
	}

	if err := s.mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}

// Connect serves a single session over t. Used to embed the server and in tests.
func (s *LiteServer) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcpServer.Connect(ctx, t, nil)
}

// Close cleans up server resources.
func (s *LiteServer) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.WithError(err).Error("Failed to close assessment store")
		}
	}
	if s.snapshots != nil {
		if err := s.snapshots.Close(); err != nil {
			s.logger.WithError(err).Error("Failed to close clinical database")
		}
	}
	return nil
}

// GetCache returns the memory cache for external access.
func (s *LiteServer) GetCache() *cache.MemoryCache {
	return s.cache
}
