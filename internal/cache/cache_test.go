package cache

import (
	"context"
	"os"
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

func sampleResult(id string) *domain.AssessmentResult {
	return &domain.AssessmentResult{
		ID:              id,
		PatientID:       "patient-001",
		SnapshotVersion: "4",
		ModelVersion:    "m1",
		Score:           &domain.ScoreResult{Probability: 0.2, Category: domain.RiskLow},
		AssessedAt:      time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMemoryCache_HitAndMiss(t *testing.T) {
	c := NewMemoryCache(10, time.Minute)
	ctx := context.Background()
	key := domain.CacheKey("patient-001", "4", "m1")

	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, key, sampleResult("a1")))

	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a1", got.ID)

	// A different model version is a different key
	_, ok, _ = c.Get(ctx, domain.CacheKey("patient-001", "4", "m2"))
	assert.False(t, ok)
}

func TestMemoryCache_ReturnsCopies(t *testing.T) {
	c := NewMemoryCache(10, time.Minute)
	ctx := context.Background()

	original := sampleResult("a1")
	require.NoError(t, c.Set(ctx, "k", original))
	original.ID = "mutated"

	got, ok, _ := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "a1", got.ID)
	got.ID = "changed"

	again, _, _ := c.Get(ctx, "k")
	assert.Equal(t, "a1", again.ID)
}

func TestMemoryCache_DeepCopies(t *testing.T) {
	c := NewMemoryCache(10, time.Minute)
	ctx := context.Background()

	original := sampleResult("a1")
	original.Features = &domain.FeatureVector{Names: []string{domain.FeatureAge}, Values: []float64{71}}
	original.Attributions = []domain.Attribution{{Feature: domain.FeatureAge, Value: 71, Contribution: 0.4}}
	original.Recommendations = []domain.Recommendation{{
		Category: "base",
		Priority: domain.PriorityHigh,
		Title:    "Close follow-up",
		Actions:  []string{"Monthly visits"},
	}}
	require.NoError(t, c.Set(ctx, "k", original))
	original.Recommendations[0].Title = "changed before read"

	got, ok, _ := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "Close follow-up", got.Recommendations[0].Title)

	got.Recommendations[0].Title = "MUTATED"
	got.Recommendations[0].Actions[0] = "MUTATED"
	got.Features.Values[0] = 0
	got.Attributions[0].Contribution = 0
	got.Score.Category = domain.RiskHigh

	again, _, _ := c.Get(ctx, "k")
	assert.Equal(t, "Close follow-up", again.Recommendations[0].Title)
	assert.Equal(t, []string{"Monthly visits"}, again.Recommendations[0].Actions)
	assert.Equal(t, []float64{71}, again.Features.Values)
	assert.Equal(t, 0.4, again.Attributions[0].Contribution)
	assert.Equal(t, domain.RiskLow, again.Score.Category)
}

func TestMemoryCache_Eviction(t *testing.T) {
	c := NewMemoryCache(2, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", sampleResult("1")))
	require.NoError(t, c.Set(ctx, "k2", sampleResult("2")))
	require.NoError(t, c.Set(ctx, "k3", sampleResult("3")))

	assert.Equal(t, 2, c.Len())
	_, ok, _ := c.Get(ctx, "k1")
	assert.False(t, ok, "least recently used entry should be evicted")
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache(10, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", sampleResult("1")))
	assert.Eventually(t, func() bool {
		_, ok, _ := c.Get(ctx, "k")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryCache_NilAndPurge(t *testing.T) {
	c := NewMemoryCache(0, 0)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "nil", nil))
	assert.Equal(t, 0, c.Len())

	require.NoError(t, c.Set(ctx, "k", sampleResult("1")))
	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestNew_DefaultsToMemory(t *testing.T) {
	c, err := New(context.Background(), domain.CacheConfig{MaxItems: 5}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &MemoryCache{}, c)
}

func TestNew_InvalidRedisURL(t *testing.T) {
	_, err := New(context.Background(), domain.CacheConfig{RedisURL: "not a url"}, testLogger())
	assert.Error(t, err)
}

// TestRedisCache runs against a real server when TEST_REDIS_URL is set.
func TestRedisCache(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set, skipping Redis tests")
	}
	ctx := context.Background()

	c, err := NewRedisCache(ctx, domain.CacheConfig{RedisURL: url, DefaultTTL: time.Minute}, testLogger())
	require.NoError(t, err)
	defer c.Close()

	key := domain.CacheKey("patient-redis", "1", "m1")
	c.redis.Del(ctx, keyPrefix+key)

	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, key, sampleResult("r1")))
	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, domain.RiskLow, got.Score.Category)

	// Corrupt entries read as a miss and are removed
	require.NoError(t, c.redis.Set(ctx, keyPrefix+key, "{broken", time.Minute).Err())
	_, ok, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.redis.Exists(ctx, keyPrefix+key).Val())
}
