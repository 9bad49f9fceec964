package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

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

func intPtr(v int) *int { return &v }
func boolPtr(v bool) *bool { return &v }
func floatPtr(v float64) *float64 { return &v }
func day(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

func sampleSnapshot() *domain.ClinicalSnapshot {
	return &domain.ClinicalSnapshot{
		PatientID:   "patient-042",
		Age:         intPtr(58),
		HIVPositive: boolPtr(true),
		Diabetes:    boolPtr(false),
		Smoker:      boolPtr(true),
		ExtendedComorbidities: map[string]bool{
			domain.FlagAlcoholism: true,
		},
		Visits: []domain.MonitoringVisit{
			{Date: day(20), AdherencePct: floatPtr(80)},
			{Date: day(3), AdherencePct: floatPtr(95)},
			{Date: day(10)},
		},
		Modifications: []domain.TreatmentModification{
			{Date: day(12), Reason: "hepatotoxicity", Drug: "isoniazid"},
		},
		TreatmentDays: intPtr(180),
	}
}

func createTestProvider(t *testing.T) *SQLiteProvider {
	tmpDir, err := os.MkdirTemp("", "snapshot-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	provider, err := NewSQLiteProvider(filepath.Join(tmpDir, "clinical.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { provider.Close() })
	return provider
}

func TestSQLiteProvider_RoundTrip(t *testing.T) {
	provider := createTestProvider(t)
	ctx := context.Background()

	require.NoError(t, provider.SaveSnapshot(ctx, sampleSnapshot()))

	got, err := provider.GetSnapshot(ctx, "patient-042")
	require.NoError(t, err)

	assert.Equal(t, "1", got.Version)
	assert.Equal(t, 58, *got.Age)
	assert.True(t, *got.HIVPositive)
	assert.False(t, *got.Diabetes)
	assert.True(t, *got.Smoker)
	assert.Equal(t, 180, *got.TreatmentDays)
	assert.Equal(t, map[string]bool{domain.FlagAlcoholism: true}, got.ExtendedComorbidities)

	// Visits come back in date order
	require.Len(t, got.Visits, 3)
	assert.Equal(t, day(3), got.Visits[0].Date)
	assert.Equal(t, 95.0, *got.Visits[0].AdherencePct)
	assert.Nil(t, got.Visits[1].AdherencePct)
	assert.Equal(t, day(20), got.Visits[2].Date)

	require.Len(t, got.Modifications, 1)
	assert.Equal(t, "hepatotoxicity", got.Modifications[0].Reason)
	assert.Equal(t, "isoniazid", got.Modifications[0].Drug)
}

func TestSQLiteProvider_SaveBumpsRevision(t *testing.T) {
	provider := createTestProvider(t)
	ctx := context.Background()

	s := sampleSnapshot()
	require.NoError(t, provider.SaveSnapshot(ctx, s))

	s.Visits = s.Visits[:1]
	require.NoError(t, provider.SaveSnapshot(ctx, s))

	got, err := provider.GetSnapshot(ctx, s.PatientID)
	require.NoError(t, err)
	assert.Equal(t, "2", got.Version)
	assert.Len(t, got.Visits, 1)
}

func TestSQLiteProvider_AdditionalFlags(t *testing.T) {
	provider := createTestProvider(t)
	ctx := context.Background()

	s := sampleSnapshot()
	s.ExtendedComorbidities = map[string]bool{
		"copd":                true,
		"silicosis":           false,
		domain.FlagAlcoholism: true,
	}
	require.NoError(t, provider.SaveSnapshot(ctx, s))

	got, err := provider.GetSnapshot(ctx, s.PatientID)
	require.NoError(t, err)
	assert.Equal(t, s.ExtendedComorbidities, got.ExtendedComorbidities)
	assert.Equal(t, s.ComorbidityFlags(), got.ComorbidityFlags())

	// A later save replaces the flags
	s.ExtendedComorbidities = map[string]bool{"copd": false}
	require.NoError(t, provider.SaveSnapshot(ctx, s))

	got, err = provider.GetSnapshot(ctx, s.PatientID)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"copd": false}, got.ExtendedComorbidities)
}

func TestSQLiteProvider_AbsentFields(t *testing.T) {
	provider := createTestProvider(t)
	ctx := context.Background()

	require.NoError(t, provider.SaveSnapshot(ctx, &domain.ClinicalSnapshot{PatientID: "sparse"}))

	got, err := provider.GetSnapshot(ctx, "sparse")
	require.NoError(t, err)
	assert.Nil(t, got.Age)
	assert.Nil(t, got.HIVPositive)
	assert.Nil(t, got.ExtendedComorbidities)
	assert.Empty(t, got.Visits)
	assert.Empty(t, got.Modifications)
}

func TestSQLiteProvider_NotFound(t *testing.T) {
	provider := createTestProvider(t)

	_, err := provider.GetSnapshot(context.Background(), "nobody")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteProvider_SaveRequiresPatientID(t *testing.T) {
	provider := createTestProvider(t)

	err := provider.SaveSnapshot(context.Background(), &domain.ClinicalSnapshot{})
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p1.json"), []byte(`{
		"age": 40,
		"hiv_positive": false,
		"diabetes": true,
		"smoker": false,
		"visits": [{"date": "2024-01-05T00:00:00Z", "adherence_pct": 88.5}]
	}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p2.json"), []byte(`{"patient_id": "other"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p3.json"), []byte(`{not json`), 0644))

	provider, err := NewFileProvider(dir, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("loads and versions by content", func(t *testing.T) {
		s, err := provider.GetSnapshot(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "p1", s.PatientID)
		assert.Equal(t, 40, *s.Age)
		require.Len(t, s.Visits, 1)
		assert.Equal(t, 88.5, *s.Visits[0].AdherencePct)
		assert.Contains(t, s.Version, "sha256:")

		again, err := provider.GetSnapshot(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, s.Version, again.Version)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := provider.GetSnapshot(ctx, "p9")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("patient mismatch", func(t *testing.T) {
		_, err := provider.GetSnapshot(ctx, "p2")
		var verr *domain.ValidationError
		assert.ErrorAs(t, err, &verr)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := provider.GetSnapshot(ctx, "p3")
		var verr *domain.ValidationError
		assert.ErrorAs(t, err, &verr)
	})

	t.Run("path traversal rejected", func(t *testing.T) {
		_, err := provider.GetSnapshot(ctx, "../p1")
		var verr *domain.ValidationError
		assert.ErrorAs(t, err, &verr)
	})
}

func TestLoadSnapshotBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"patient_id": "a", "version": "7", "age": 30},
		{"patient_id": "b", "age": 70}
	]`), 0644))

	snapshots, err := LoadSnapshotBatch(path)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.Equal(t, "7", snapshots[0].Version)
	assert.Equal(t, "b", snapshots[1].PatientID)
	assert.NotEmpty(t, snapshots[1].Version)
}

func TestLoadSnapshotDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01-single.json"), []byte(`{"patient_id": "solo", "age": 45}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02-batch.json"), []byte(`
	[{"patient_id": "x"}, {"patient_id": "y"}]`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	snapshots, err := LoadSnapshotDir(dir)
	require.NoError(t, err)
	require.Len(t, snapshots, 3)
	assert.Equal(t, "solo", snapshots[0].PatientID)
	assert.Equal(t, "y", snapshots[2].PatientID)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "03-bad.json"), []byte(`{"age": "old"}`), 0644))
	_, err = LoadSnapshotDir(dir)
	assert.Error(t, err)
}
