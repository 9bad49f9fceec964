package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/ptld-risk-mcp-server/internal/api"
	"github.com/ptld-risk-mcp-server/internal/cache"
	"github.com/ptld-risk-mcp-server/internal/config"
	"github.com/ptld-risk-mcp-server/internal/database"
	"github.com/ptld-risk-mcp-server/internal/metrics"
	"github.com/ptld-risk-mcp-server/internal/oracle"
	"github.com/ptld-risk-mcp-server/internal/service"
	"github.com/ptld-risk-mcp-server/internal/snapshot"
	"github.com/ptld-risk-mcp-server/internal/store"
)

func main() {
	// Load configuration
	var (
		configManager *config.Manager
		err           error
	)
	if path := os.Getenv("PTLD_CONFIG_FILE"); path != "" {
		configManager, err = config.NewManagerFromFile(path)
	} else {
		configManager, err = config.NewManager()
	}
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	if err := run(ctx, configManager, logger); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}

	logger.Info("Server stopped")
}

func run(ctx context.Context, configManager *config.Manager, logger *logrus.Logger) error {
	cfg := configManager.GetConfig()

	// Clinical record database and schema
	if err := database.Migrate(configManager.GetDatabaseURL(), cfg.Database.MigrationsPath, logger); err != nil {
		return err
	}
	db, err := database.NewConnection(ctx, database.ConfigFromSettings(cfg.Database), logger)
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := store.NewPostgresStoreFromURL(configManager.GetDatabaseURL(), logger)
	if err != nil {
		return err
	}
	defer results.Close()

	resultCache, err := cache.New(ctx, cfg.Cache, logger)
	if err != nil {
		return err
	}
	if closer, ok := resultCache.(io.Closer); ok {
		defer closer.Close()
	}

	scoring, err := oracle.New(ctx, cfg.Oracle, logger)
	if err != nil {
		return err
	}

	m := metrics.Default()
	assessor, err := service.NewAssessor(scoring, cfg.Assessment, logger, service.WithObserver(m))
	if err != nil {
		return err
	}
	svc := service.NewAssessmentService(assessor, snapshot.NewPostgresProvider(db.Pool, logger), results, resultCache, logger)

	server := api.NewServer(configManager, svc, logger,
		api.WithMetrics(m, prometheus.DefaultGatherer),
		api.WithHealthCheck("database", db.Health),
	)

	logger.WithFields(logrus.Fields{
		"host":          cfg.Server.Host,
		"port":          cfg.Server.Port,
		"model_version": scoring.ModelVersion(),
		"environment":   cfg.Environment,
	}).Info("Starting PTLD risk assessment server")

	return server.Start(ctx)
}
