package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ptld-risk-mcp-server/internal/database"
	"github.com/ptld-risk-mcp-server/internal/domain"
)

func TestPostgresProvider(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("clinical"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	config := database.Config{
		Host:        host,
		Port:        port.Int(),
		Database:    "clinical",
		Username:    "testuser",
		Password:    "testpass",
		MaxConns:    2,
		MinConns:    1,
		MaxConnLife: time.Hour,
		MaxConnIdle: 30 * time.Minute,
		SSLMode:     "disable",
	}
	require.NoError(t, database.Migrate(config.URL(), "../../migrations", testLogger()))

	db, err := database.NewConnection(ctx, config, testLogger())
	require.NoError(t, err)
	defer db.Close()

	for _, stmt := range []string{
		`INSERT INTO patients (id, age, hiv_positive, diabetes, smoker, alcoholism, treatment_days, revision)
			VALUES ('TB-900', 67, true, false, true, true, 180, 3)`,
		`INSERT INTO patient_flags (patient_id, name, value) VALUES ('TB-900', 'copd', true)`,
		`INSERT INTO monitoring_visits (patient_id, visit_date, adherence_pct) VALUES
			('TB-900', '2024-02-01', 70), ('TB-900', '2024-01-01', 90), ('TB-900', '2024-03-01', NULL)`,
		`INSERT INTO treatment_modifications (patient_id, modified_on, reason, drug)
			VALUES ('TB-900', '2024-02-15', 'hepatotoxicity', 'isoniazid')`,
	} {
		_, err := db.Pool.Exec(ctx, stmt)
		require.NoError(t, err)
	}

	provider := NewPostgresProvider(db.Pool, testLogger())

	got, err := provider.GetSnapshot(ctx, "TB-900")
	require.NoError(t, err)
	assert.Equal(t, "3", got.Version)
	assert.Equal(t, 67, *got.Age)
	assert.True(t, *got.HIVPositive)
	assert.Equal(t, map[string]bool{domain.FlagAlcoholism: true, "copd": true}, got.ExtendedComorbidities)

	require.Len(t, got.Visits, 3)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), got.Visits[0].Date)
	assert.Equal(t, 90.0, *got.Visits[0].AdherencePct)
	assert.Nil(t, got.Visits[2].AdherencePct)

	require.Len(t, got.Modifications, 1)
	assert.Equal(t, "isoniazid", got.Modifications[0].Drug)

	_, err = provider.GetSnapshot(ctx, "TB-missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
