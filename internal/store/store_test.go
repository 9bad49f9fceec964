package store

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptld-risk-mcp-server/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func sampleResult(patientID string, at time.Time) *domain.AssessmentResult {
	return &domain.AssessmentResult{
		PatientID:       patientID,
		SnapshotVersion: "3",
		ModelVersion:    "ptld-logreg-2025.03",
		Features: &domain.FeatureVector{
			SchemaVersion: domain.FeatureSchemaV1,
			Names:         []string{domain.FeatureAge},
			Values:        []float64{61},
		},
		Score: &domain.ScoreResult{
			Probability:      0.71,
			Category:         domain.RiskHigh,
			Confidence:       0.71,
			ConfidenceSource: domain.ConfidenceFromOracle,
		},
		Attributions: []domain.Attribution{{Feature: domain.FeatureAge, Value: 61, Contribution: 0.4}},
		Explained:    true,
		Recommendations: []domain.Recommendation{{
			Category: "monitoring",
			Priority: domain.PriorityHigh,
			Title:    "Intensive Monitoring",
			Actions:  []string{"Monthly follow-up"},
		}},
		AssessedAt: at,
	}
}

func createTestStore(t *testing.T) *SQLiteStore {
	tmpDir, err := os.MkdirTemp("", "store-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := NewSQLiteStore(filepath.Join(tmpDir, "assessments.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "store-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	store, err := NewSQLiteStore(dbPath, testLogger())
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")
}

func TestSQLiteStore_SaveAndGet(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	result := sampleResult("patient-001", at)

	require.NoError(t, store.Save(ctx, result))
	assert.NotEmpty(t, result.ID, "ID should be assigned")

	got, err := store.Get(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, result.ID, got.ID)
	assert.Equal(t, "patient-001", got.PatientID)
	assert.Equal(t, domain.RiskHigh, got.Score.Category)
	assert.True(t, got.AssessedAt.Equal(at))
	assert.Equal(t, result.Recommendations, got.Recommendations)
	assert.Equal(t, result.Features.Values, got.Features.Values)
}

func TestSQLiteStore_KeepsCallerID(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	result := sampleResult("patient-001", time.Now())
	result.ID = "fixed-id"
	require.NoError(t, store.Save(ctx, result))

	got, err := store.Get(ctx, "fixed-id")
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", got.ID)

	// Duplicate IDs are rejected
	dup := sampleResult("patient-002", time.Now())
	dup.ID = "fixed-id"
	assert.Error(t, store.Save(ctx, dup))
}

func TestSQLiteStore_GetNotFound(t *testing.T) {
	store := createTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteStore_SaveValidation(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		result *domain.AssessmentResult
	}{
		{"nil result", nil},
		{"missing patient", &domain.AssessmentResult{Score: &domain.ScoreResult{}}},
		{"missing score", &domain.AssessmentResult{PatientID: "p"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var verr *domain.ValidationError
			assert.ErrorAs(t, store.Save(ctx, tt.result), &verr)
		})
	}
}

func TestSQLiteStore_ListByPatient(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(ctx, sampleResult("patient-001", base.Add(time.Duration(i)*time.Hour))))
	}
	// Sub-second timestamps must still order correctly
	require.NoError(t, store.Save(ctx, sampleResult("patient-001", base.Add(2*time.Hour+500*time.Millisecond))))
	require.NoError(t, store.Save(ctx, sampleResult("patient-002", base)))

	results, err := store.ListByPatient(ctx, "patient-001", 0)
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.True(t, results[0].AssessedAt.Equal(base.Add(2*time.Hour+500*time.Millisecond)))
	assert.True(t, results[3].AssessedAt.Equal(base))

	limited, err := store.ListByPatient(ctx, "patient-001", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := store.ListByPatient(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func TestSQLiteStore_ExportJSON(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleResult("patient-001", time.Now())))
	require.NoError(t, store.Save(ctx, sampleResult("patient-002", time.Now())))

	var buf bytes.Buffer
	require.NoError(t, store.ExportJSON(ctx, &buf))

	var export AssessmentExport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &export))
	assert.Equal(t, "1.0", export.Version)
	assert.Equal(t, 2, export.Count)
	assert.Len(t, export.Assessments, 2)
}

func setupMockDB(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewPostgresStore(db, testLogger())
	require.NoError(t, err)
	return store, mock
}

func TestNewPostgresStore_NilDB(t *testing.T) {
	_, err := NewPostgresStore(nil, testLogger())
	assert.Error(t, err)
}

func TestPostgresStore_Save(t *testing.T) {
	store, mock := setupMockDB(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	result := sampleResult("patient-001", at)

	mock.ExpectExec("INSERT INTO assessments").
		WithArgs(sqlmock.AnyArg(), "patient-001", "3", "ptld-logreg-2025.03",
			0.71, "high", true, sqlmock.AnyArg(), at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Save(context.Background(), result))
	assert.NotEmpty(t, result.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock := setupMockDB(t)
	result := sampleResult("patient-001", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	result.ID = "0b7f9d0e-4a57-4c37-9a0d-8a3c1b2f5e61"
	payload, err := json.Marshal(result)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT payload FROM assessments WHERE id = \\$1").
		WithArgs(result.ID).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payload))

	got, err := store.Get(context.Background(), result.ID)
	require.NoError(t, err)
	assert.Equal(t, result.ID, got.ID)
	assert.Equal(t, 0.71, got.Score.Probability)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectQuery("SELECT payload FROM assessments").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListByPatient(t *testing.T) {
	store, mock := setupMockDB(t)

	first, err := json.Marshal(sampleResult("patient-001", time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	second, err := json.Marshal(sampleResult("patient-001", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	mock.ExpectQuery("SELECT payload FROM assessments\\s+WHERE patient_id = \\$1").
		WithArgs("patient-001", DefaultListLimit).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(first).AddRow(second))

	results, err := store.ListByPatient(context.Background(), "patient-001", -1)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 2, results[0].AssessedAt.Day())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Count(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM assessments").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
