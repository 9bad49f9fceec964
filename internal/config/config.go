package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/ptld-risk-mcp-server/internal/database"
	"github.com/ptld-risk-mcp-server/internal/domain"
)

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	v      *viper.Viper
	file   string
	config *domain.Config
}

// NewManager creates a configuration manager that searches the default config paths
func NewManager() (*Manager, error) {
	return NewManagerFromFile("")
}

// NewManagerFromFile creates a configuration manager reading an explicit YAML file.
// An empty path searches ./config.yaml, ./config/config.yaml and /etc/ptld-risk-mcp-server/.
func NewManagerFromFile(path string) (*Manager, error) {
	m := &Manager{file: path}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from defaults, the config file and PTLD_* environment variables
func (m *Manager) loadConfig() error {
	v := viper.New()

	if m.file != "" {
		v.SetConfigFile(m.file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/ptld-risk-mcp-server/")
	}

	v.SetEnvPrefix("PTLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// The config file is optional when searching; an explicit file must exist
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if m.file != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.v = v
	m.config = config
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.request_timeout", "15s")
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "ptld_clinical")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.migrations_path", "migrations")

	// Cache defaults; an empty Redis URL selects the in-memory cache
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.default_ttl", "30m")
	v.SetDefault("cache.max_items", 1024)
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.pool_timeout", "4s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// MCP defaults
	v.SetDefault("mcp.server_name", "ptld-risk-mcp-server")
	v.SetDefault("mcp.server_version", "v0.1.0")
	v.SetDefault("mcp.transport_type", "stdio")
	v.SetDefault("mcp.request_timeout", "30s")

	// Oracle defaults
	v.SetDefault("oracle.type", "local")
	v.SetDefault("oracle.model_path", "models/model.json")
	v.SetDefault("oracle.base_url", "")
	v.SetDefault("oracle.api_key", "")
	v.SetDefault("oracle.timeout", "10s")
	v.SetDefault("oracle.rate_limit", 20)
	v.SetDefault("oracle.breaker_max_requests", 3)
	v.SetDefault("oracle.breaker_interval", "30s")
	v.SetDefault("oracle.breaker_timeout", "60s")
	v.SetDefault("oracle.breaker_failure_ratio", 0.6)

	// Assessment defaults
	defaults := domain.DefaultAssessmentConfig()
	v.SetDefault("assessment.feature_schema_version", defaults.FeatureSchemaVersion)
	v.SetDefault("assessment.thresholds.medium", defaults.Thresholds.Medium)
	v.SetDefault("assessment.thresholds.high", defaults.Thresholds.High)
	v.SetDefault("assessment.adherence.default_mean", defaults.Adherence.DefaultMean)
	v.SetDefault("assessment.adherence.default_min", defaults.Adherence.DefaultMin)
	v.SetDefault("assessment.adherence.default_std", defaults.Adherence.DefaultStd)
	v.SetDefault("assessment.adherence.low_threshold", defaults.Adherence.LowThreshold)
	v.SetDefault("assessment.top_k_attributions", defaults.TopKAttributions)
	v.SetDefault("assessment.min_contribution", defaults.MinContribution)
	v.SetDefault("assessment.templates_file", "")
	v.SetDefault("assessment.batch_workers", defaults.BatchWorkers)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// GetAssessmentConfig returns the assessment pipeline configuration
func (m *Manager) GetAssessmentConfig() *domain.AssessmentConfig {
	return &m.config.Assessment
}

// GetOracleConfig returns the scoring oracle configuration
func (m *Manager) GetOracleConfig() *domain.OracleConfig {
	return &m.config.Oracle
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	// Validate server configuration
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}
	if config.Server.RateLimit < 0 {
		return fmt.Errorf("invalid server rate limit: %v", config.Server.RateLimit)
	}

	// Validate database configuration
	if config.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if config.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if config.Database.Username == "" {
		return fmt.Errorf("database username is required")
	}

	// Validate oracle configuration
	switch strings.ToLower(config.Oracle.Type) {
	case "", "local":
		if config.Oracle.ModelPath == "" {
			return fmt.Errorf("oracle model path is required for the local oracle")
		}
	case "http":
		if config.Oracle.BaseURL == "" {
			return fmt.Errorf("oracle base URL is required for the http oracle")
		}
	default:
		return fmt.Errorf("unknown oracle type: %s", config.Oracle.Type)
	}

	if err := ValidateAssessment(config.Assessment); err != nil {
		return err
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// ValidateAssessment checks the pipeline configuration surface.
func ValidateAssessment(cfg domain.AssessmentConfig) error {
	if cfg.FeatureSchemaVersion != "" && cfg.FeatureSchemaVersion != domain.FeatureSchemaV1 {
		return fmt.Errorf("unsupported feature schema version: %s", cfg.FeatureSchemaVersion)
	}

	t := cfg.Thresholds
	if !(t.Medium > 0 && t.Medium < t.High && t.High <= 1) {
		return fmt.Errorf("invalid category thresholds: medium=%v high=%v", t.Medium, t.High)
	}

	a := cfg.Adherence
	for name, value := range map[string]float64{
		"default_mean":  a.DefaultMean,
		"default_min":   a.DefaultMin,
		"default_std":   a.DefaultStd,
		"low_threshold": a.LowThreshold,
	} {
		if value < 0 || value > 1 {
			return fmt.Errorf("adherence %s must be a fraction in [0,1], got %v", name, value)
		}
	}

	if cfg.TopKAttributions < 0 {
		return fmt.Errorf("top_k_attributions must not be negative: %d", cfg.TopKAttributions)
	}
	if cfg.MinContribution < 0 {
		return fmt.Errorf("min_contribution must not be negative: %v", cfg.MinContribution)
	}
	if cfg.BatchWorkers < 0 {
		return fmt.Errorf("batch_workers must not be negative: %d", cfg.BatchWorkers)
	}
	return nil
}

// GetDatabaseConnectionString returns a formatted database connection string
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.config.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// GetDatabaseURL returns the postgres:// URL used by migrations and the result store
func (m *Manager) GetDatabaseURL() string {
	return database.ConfigFromSettings(m.config.Database).URL()
}

// GetRedisConnectionString returns the Redis connection string
func (m *Manager) GetRedisConnectionString() string {
	return m.config.Cache.RedisURL
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(m.config.Environment) == "production"
}

// IsDevelopment returns true if running in development mode
func (m *Manager) IsDevelopment() bool {
	env := strings.ToLower(m.config.Environment)
	return env == "development" || env == "dev" || env == ""
}

// ConfigFileUsed returns the file the configuration was read from, if any
func (m *Manager) ConfigFileUsed() string {
	return m.v.ConfigFileUsed()
}
