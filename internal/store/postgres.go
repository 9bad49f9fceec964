package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/ptld-risk-mcp-server/internal/domain"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewPostgresStore creates a new PostgreSQL result store.
// It expects the assessments table to already exist (created via migrations).
func NewPostgresStore(db *sql.DB, logger *logrus.Logger) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db, log: logger}, nil
}

// NewPostgresStoreFromURL creates a new PostgreSQL result store from a connection URL.
func NewPostgresStoreFromURL(databaseURL string, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Save stores a result, assigning its ID when empty.
func (s *PostgresStore) Save(ctx context.Context, result *domain.AssessmentResult) error {
	if err := validateResult(result); err != nil {
		return err
	}
	assignID(result)

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode assessment: %w", err)
	}

	query := `
		INSERT INTO assessments (
			id, patient_id, snapshot_version, model_version,
			probability, category, explained, payload, assessed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = s.db.ExecContext(ctx, query,
		result.ID,
		result.PatientID,
		result.SnapshotVersion,
		result.ModelVersion,
		result.Score.Probability,
		string(result.Score.Category),
		result.Explained,
		payload,
		result.AssessedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save assessment: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"assessment_id": result.ID,
		"patient_id":    result.PatientID,
	}).Debug("Stored assessment")
	return nil
}

// Get retrieves one result by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.AssessmentResult, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM assessments WHERE id = $1", id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assessment %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}
	return decodePayload(payload)
}

// ListByPatient returns a patient's results, newest first.
func (s *PostgresStore) ListByPatient(ctx context.Context, patientID string, limit int) ([]*domain.AssessmentResult, error) {
	query := `
		SELECT payload FROM assessments
		WHERE patient_id = $1
		ORDER BY assessed_at DESC, id
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, patientID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	return scanPayloads(rows)
}

// List returns results across all patients, newest first.
func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*domain.AssessmentResult, error) {
	query := `
		SELECT payload FROM assessments
		ORDER BY assessed_at DESC, id
		LIMIT $1 OFFSET $2
	`

	rows, err := s.db.QueryContext(ctx, query, normalizeLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	return scanPayloads(rows)
}

// Count returns the total number of stored results.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM assessments").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count assessments: %w", err)
	}
	return count, nil
}

// ExportJSON exports all results to a JSON writer.
func (s *PostgresStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	all, err := s.List(ctx, maxExportLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list assessments: %w", err)
	}
	return writeExport(writer, all)
}

// Close closes the store and releases resources.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
