package domain

import (
	"context"
)

// Oracle is the external probabilistic classifier that scores feature vectors.
// Implementations must be safe for concurrent PredictProbability calls.
type Oracle interface {
	PredictProbability(ctx context.Context, vector *FeatureVector) (*Prediction, error)
	// ModelSchemaVersion is the feature schema version the model was trained on.
	ModelSchemaVersion() string
	ModelVersion() string
	// ExpectedFeatures lists the feature names in the order the model expects.
	// An empty list means the oracle does not declare its schema.
	ExpectedFeatures() []string
}

// Attributor is the optional oracle capability returning per-feature contributions.
// Returning ErrAttributionUnsupported marks the assessment unexplained instead of failing it.
type Attributor interface {
	Attribute(ctx context.Context, vector *FeatureVector) (*AttributionResponse, error)
}

// SnapshotProvider supplies read-only clinical snapshots from the clinical record store.
type SnapshotProvider interface {
	GetSnapshot(ctx context.Context, patientID string) (*ClinicalSnapshot, error)
}

// AssessmentStore persists assessment results on behalf of callers.
type AssessmentStore interface {
	Save(ctx context.Context, result *AssessmentResult) error
	Get(ctx context.Context, id string) (*AssessmentResult, error)
	ListByPatient(ctx context.Context, patientID string, limit int) ([]*AssessmentResult, error)
	Close() error
}

// AssessmentCache caches results keyed by CacheKey.
type AssessmentCache interface {
	Get(ctx context.Context, key string) (*AssessmentResult, bool, error)
	Set(ctx context.Context, key string, result *AssessmentResult) error
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetServerConfig() *ServerConfig
	GetAssessmentConfig() *AssessmentConfig
	GetOracleConfig() *OracleConfig
	Reload() error
	Validate() error
	GetDatabaseConnectionString() string
	GetDatabaseURL() string
	GetRedisConnectionString() string
	IsProduction() bool
	IsDevelopment() bool
}
