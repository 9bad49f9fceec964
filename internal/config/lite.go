// Package config provides configuration management for the PTLD risk servers.
// This file contains the lightweight configuration for standalone operation.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ptld-risk-mcp-server/internal/domain"
)

// LiteConfig is a simplified configuration for standalone operation.
// It requires no external databases and uses sensible defaults.
type LiteConfig struct {
	// Data storage
	DataDir string // Base directory for the clinical and assessment SQLite files

	// Scoring model
	ModelPath     string // Local logistic model JSON
	TemplatesFile string // Optional recommendation template catalog (YAML)

	// Cache settings
	CacheMaxItems int           // Maximum items in memory cache
	CacheTTL      time.Duration // Default cache TTL

	// Transport settings
	Transport string // Transport type: stdio

	// Logging
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: json, text
}

// DefaultLiteConfig returns a configuration with sensible defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".ptld-risk")

	return &LiteConfig{
		DataDir:       dataDir,
		ModelPath:     filepath.Join(dataDir, "model.json"),
		CacheMaxItems: 1000,
		CacheTTL:      30 * time.Minute,
		Transport:     "stdio",
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

// LoadLiteConfig loads configuration from environment variables.
// Falls back to defaults if not set.
func LoadLiteConfig() *LiteConfig {
	cfg := DefaultLiteConfig()

	// Data directory; the default model path follows it
	if v := os.Getenv("PTLD_DATA_DIR"); v != "" {
		cfg.DataDir = v
		cfg.ModelPath = filepath.Join(v, "model.json")
	}
	if v := os.Getenv("PTLD_MODEL_PATH"); v != "" {
		cfg.ModelPath = v
	}
	cfg.TemplatesFile = os.Getenv("PTLD_TEMPLATES_FILE")

	// Cache settings
	if v := os.Getenv("PTLD_CACHE_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheMaxItems = n
		}
	}
	if v := os.Getenv("PTLD_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheTTL = d
		}
	}

	// Transport
	if v := os.Getenv("PTLD_TRANSPORT"); v != "" {
		cfg.Transport = v
	}

	// Logging
	if v := os.Getenv("PTLD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PTLD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// ClinicalDBPath returns the path to the clinical record SQLite database.
func (c *LiteConfig) ClinicalDBPath() string {
	return filepath.Join(c.DataDir, "clinical.db")
}

// AssessmentDBPath returns the path to the assessment result SQLite database.
func (c *LiteConfig) AssessmentDBPath() string {
	return filepath.Join(c.DataDir, "assessments.db")
}

// ExportDir returns the directory for JSON exports.
func (c *LiteConfig) ExportDir() string {
	return filepath.Join(c.DataDir, "exports")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *LiteConfig) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.ExportDir(), 0755)
}

// AssessmentConfig returns the pipeline defaults with the lite overrides applied.
func (c *LiteConfig) AssessmentConfig() domain.AssessmentConfig {
	cfg := domain.DefaultAssessmentConfig()
	cfg.TemplatesFile = c.TemplatesFile
	return cfg
}

// LoggingConfig returns the logging settings. Lite mode serves MCP over stdio, so logs go to stderr.
func (c *LiteConfig) LoggingConfig() domain.LoggingConfig {
	return domain.LoggingConfig{
		Level:  c.LogLevel,
		Format: c.LogFormat,
		Output: "stderr",
	}
}
