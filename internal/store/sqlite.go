package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/ptld-risk-mcp-server/internal/domain"
)

// sqliteTimeFormat keeps a fixed width so text ordering matches time ordering.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	log    *logrus.Logger
}

// NewSQLiteStore creates a new SQLite result store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string, logger *logrus.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode so the snapshot provider can share the file
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
		log:    logger,
	}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS assessments (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		snapshot_version TEXT NOT NULL DEFAULT '',
		model_version TEXT NOT NULL,
		probability REAL NOT NULL,
		category TEXT NOT NULL,
		explained INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		assessed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_assessments_patient ON assessments(patient_id, assessed_at);
	CREATE INDEX IF NOT EXISTS idx_assessments_assessed_at ON assessments(assessed_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Save stores a result, assigning its ID when empty.
func (s *SQLiteStore) Save(ctx context.Context, result *domain.AssessmentResult) error {
	if err := validateResult(result); err != nil {
		return err
	}
	assignID(result)

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode assessment: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assessments (
			id, patient_id, snapshot_version, model_version,
			probability, category, explained, payload, assessed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.ID,
		result.PatientID,
		result.SnapshotVersion,
		result.ModelVersion,
		result.Score.Probability,
		string(result.Score.Category),
		result.Explained,
		string(payload),
		result.AssessedAt.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to insert: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"assessment_id": result.ID,
		"patient_id":    result.PatientID,
	}).Debug("Stored assessment")
	return nil
}

// Get retrieves one result by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.AssessmentResult, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM assessments WHERE id = ?", id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assessment %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return decodePayload([]byte(payload))
}

// ListByPatient returns a patient's results, newest first.
func (s *SQLiteStore) ListByPatient(ctx context.Context, patientID string, limit int) ([]*domain.AssessmentResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM assessments
		WHERE patient_id = ?
		ORDER BY assessed_at DESC, id
		LIMIT ?
	`, patientID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	return scanPayloads(rows)
}

// List returns results across all patients, newest first.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*domain.AssessmentResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM assessments
		ORDER BY assessed_at DESC, id
		LIMIT ? OFFSET ?
	`, normalizeLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	return scanPayloads(rows)
}

// Count returns the total number of stored results.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM assessments").Scan(&count)
	return count, err
}

// ExportJSON exports all results to a JSON writer.
func (s *SQLiteStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	all, err := s.List(ctx, maxExportLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list assessments: %w", err)
	}
	return writeExport(writer, all)
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanPayloads decodes and closes rows of a single payload column.
func scanPayloads(rows *sql.Rows) ([]*domain.AssessmentResult, error) {
	defer rows.Close()

	results := []*domain.AssessmentResult{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result, err := decodePayload(payload)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, rows.Err()
}
