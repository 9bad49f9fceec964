package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Environment string           `mapstructure:"environment"`
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Cache       CacheConfig      `mapstructure:"cache"`
	Logging     LoggingConfig    `mapstructure:"logging"`
	MCP         MCPConfig        `mapstructure:"mcp"`
	Oracle      OracleConfig     `mapstructure:"oracle"`
	Assessment  AssessmentConfig `mapstructure:"assessment"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"` // requests per second per client
	RateBurst      int           `mapstructure:"rate_burst"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// CacheConfig represents result cache configuration. An empty RedisURL selects the in-memory cache.
type CacheConfig struct {
	RedisURL    string        `mapstructure:"redis_url"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	MaxItems    int           `mapstructure:"max_items"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// MCPConfig represents MCP server configuration
type MCPConfig struct {
	ServerName     string        `mapstructure:"server_name"`
	ServerVersion  string        `mapstructure:"server_version"`
	TransportType  string        `mapstructure:"transport_type"` // "stdio"
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// OracleConfig selects and configures the scoring oracle.
// Type "local" loads ModelPath; type "http" calls BaseURL.
type OracleConfig struct {
	Type                string        `mapstructure:"type"`
	ModelPath           string        `mapstructure:"model_path"`
	BaseURL             string        `mapstructure:"base_url"`
	APIKey              string        `mapstructure:"api_key"`
	Timeout             time.Duration `mapstructure:"timeout"`
	RateLimit           int           `mapstructure:"rate_limit"`
	BreakerMaxRequests  uint32        `mapstructure:"breaker_max_requests"`
	BreakerInterval     time.Duration `mapstructure:"breaker_interval"`
	BreakerTimeout      time.Duration `mapstructure:"breaker_timeout"`
	BreakerFailureRatio float64       `mapstructure:"breaker_failure_ratio"`
}

// AssessmentConfig is the configuration surface of the assessment pipeline.
type AssessmentConfig struct {
	FeatureSchemaVersion string             `mapstructure:"feature_schema_version"`
	Thresholds           CategoryThresholds `mapstructure:"thresholds"`
	Adherence            AdherenceConfig    `mapstructure:"adherence"`
	TopKAttributions     int                `mapstructure:"top_k_attributions"`
	MinContribution      float64            `mapstructure:"min_contribution"`
	TemplatesFile        string             `mapstructure:"templates_file"`
	BatchWorkers         int                `mapstructure:"batch_workers"`
}

// CategoryThresholds are the probability boundaries between risk categories:
// p < Medium is low, Medium <= p < High is medium, p >= High is high.
type CategoryThresholds struct {
	Medium float64 `mapstructure:"medium"`
	High   float64 `mapstructure:"high"`
}

// AdherenceConfig holds the graceful-degrade defaults and the low-adherence threshold.
// All values are fractions in [0,1].
type AdherenceConfig struct {
	DefaultMean  float64 `mapstructure:"default_mean"`
	DefaultMin   float64 `mapstructure:"default_min"`
	DefaultStd   float64 `mapstructure:"default_std"`
	LowThreshold float64 `mapstructure:"low_threshold"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Default pipeline constants.
const (
	DefaultMediumThreshold       = 0.33
	DefaultHighThreshold         = 0.66
	DefaultAdherenceMean         = 0.90
	DefaultAdherenceMin          = 0.85
	DefaultAdherenceStd          = 0.05
	DefaultLowAdherenceThreshold = 0.90
	DefaultTopKAttributions      = 3
	DefaultMinContribution       = 0.01
	// DefaultConfidence is reported when the oracle supplies no confidence. It is the
	// uninformative midpoint and is flagged with ConfidenceFromDefault.
	DefaultConfidence = 0.5
)

// DefaultAssessmentConfig returns the pipeline configuration with documented defaults.
func DefaultAssessmentConfig() AssessmentConfig {
	return AssessmentConfig{
		FeatureSchemaVersion: FeatureSchemaV1,
		Thresholds: CategoryThresholds{
			Medium: DefaultMediumThreshold,
			High:   DefaultHighThreshold,
		},
		Adherence: AdherenceConfig{
			DefaultMean:  DefaultAdherenceMean,
			DefaultMin:   DefaultAdherenceMin,
			DefaultStd:   DefaultAdherenceStd,
			LowThreshold: DefaultLowAdherenceThreshold,
		},
		TopKAttributions: DefaultTopKAttributions,
		MinContribution:  DefaultMinContribution,
		BatchWorkers:     4,
	}
}
