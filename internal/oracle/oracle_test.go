package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptld-risk-mcp-server/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func vectorOf(values ...float64) *domain.FeatureVector {
	return &domain.FeatureVector{
		SchemaVersion: domain.FeatureSchemaV1,
		Names:         append([]string(nil), domain.FeatureSchemaV1Names...),
		Values:        values,
	}
}

func baselineVector() *domain.FeatureVector {
	return vectorOf(42, 0.2, 0.15, 0.3, 0.8, 0.88, 0.75, 0.08, 1, 6)
}

func TestLoadLogisticOracle(t *testing.T) {
	o, err := LoadLogisticOracle("testdata/model.json")
	require.NoError(t, err)

	assert.Equal(t, "ptld-logreg-2025.03", o.ModelVersion())
	assert.Equal(t, domain.FeatureSchemaV1, o.ModelSchemaVersion())
	assert.Equal(t, domain.FeatureSchemaV1Names, o.ExpectedFeatures())

	var _ domain.Oracle = o
	var _ domain.Attributor = o
}

func TestLogisticOracle_PredictAndAttribute(t *testing.T) {
	ctx := context.Background()
	o, err := LoadLogisticOracle("testdata/model.json")
	require.NoError(t, err)

	t.Run("Baseline_Has_Zero_Contributions", func(t *testing.T) {
		vector := baselineVector()

		pred, err := o.PredictProbability(ctx, vector)
		require.NoError(t, err)

		attr, err := o.Attribute(ctx, vector)
		require.NoError(t, err)
		for _, c := range attr.Contributions {
			assert.InDelta(t, 0, c.Contribution, 1e-12, c.Feature)
		}
		assert.InDelta(t, sigmoid(attr.BaseValue), pred.Probability, 1e-12)
	})

	t.Run("Contributions_Sum_To_Logit", func(t *testing.T) {
		vector := vectorOf(67, 1, 0, 1, 2, 0.73, 0.7, 0.03, 0, 2)

		pred, err := o.PredictProbability(ctx, vector)
		require.NoError(t, err)
		require.NotNil(t, pred.Confidence)
		assert.Equal(t, math.Max(pred.Probability, 1-pred.Probability), *pred.Confidence)

		attr, err := o.Attribute(ctx, vector)
		require.NoError(t, err)
		require.Len(t, attr.Contributions, len(vector.Names))

		logit := attr.BaseValue
		for i, c := range attr.Contributions {
			assert.Equal(t, vector.Names[i], c.Feature)
			logit += c.Contribution
		}
		assert.InDelta(t, pred.Probability, sigmoid(logit), 1e-12)
		assert.InDelta(t, 0.9*(1-0.2), attr.Contributions[1].Contribution, 1e-12)
	})

	t.Run("Schema_Mismatch", func(t *testing.T) {
		vector := baselineVector()
		vector.Names[0], vector.Names[1] = vector.Names[1], vector.Names[0]

		_, err := o.PredictProbability(ctx, vector)
		var schemaErr *domain.SchemaMismatchError
		assert.ErrorAs(t, err, &schemaErr)
	})
}

func TestNewLogisticOracle_Validation(t *testing.T) {
	valid := func() LogisticModel {
		return LogisticModel{
			ModelVersion:  "m1",
			SchemaVersion: "v1",
			FeatureCols:   []string{"age", "smoker"},
			Coefficients:  map[string]float64{"age": 0.1, "smoker": 0.5},
		}
	}

	tests := []struct {
		name   string
		mutate func(m *LogisticModel)
	}{
		{"Missing_Version", func(m *LogisticModel) { m.ModelVersion = "" }},
		{"Missing_Schema", func(m *LogisticModel) { m.SchemaVersion = "" }},
		{"No_Features", func(m *LogisticModel) { m.FeatureCols = nil }},
		{"Duplicate_Feature", func(m *LogisticModel) { m.FeatureCols = []string{"age", "age"} }},
		{"Missing_Coefficient", func(m *LogisticModel) { delete(m.Coefficients, "smoker") }},
		{"Unknown_Coefficient", func(m *LogisticModel) { m.Coefficients["bmi"] = 0.2 }},
	}

	_, err := NewLogisticOracle(valid())
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.mutate(&m)
			_, err := NewLogisticOracle(m)
			var validation *domain.ValidationError
			assert.ErrorAs(t, err, &validation)
		})
	}
}

func TestLoadLogisticOracle_Errors(t *testing.T) {
	_, err := LoadLogisticOracle("testdata/absent.json")
	assert.Error(t, err)
}

// modelServer emulates the remote model service.
func modelServer(t *testing.T, predictStatus *int32, attributeStatus int) (*httptest.Server, *int32) {
	t.Helper()
	var predictCalls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/model", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model_version":  "remote-7",
			"schema_version": "v1",
			"feature_cols":   domain.FeatureSchemaV1Names,
		})
	})
	mux.HandleFunc("/predict", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&predictCalls, 1)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req predictRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, domain.FeatureSchemaV1Names, req.FeatureOrder)

		if status := atomic.LoadInt32(predictStatus); status != http.StatusOK {
			w.WriteHeader(int(status))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"probability": 0.71, "confidence": 0.8})
	})
	mux.HandleFunc("/attribute", func(w http.ResponseWriter, r *http.Request) {
		if attributeStatus != http.StatusOK {
			w.WriteHeader(attributeStatus)
			return
		}
		contributions := make([]map[string]interface{}, 0, len(domain.FeatureSchemaV1Names))
		for _, name := range domain.FeatureSchemaV1Names {
			contributions = append(contributions, map[string]interface{}{"feature": name, "contribution": 0.1})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"base_value": -0.4, "contributions": contributions})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &predictCalls
}

func httpConfig(url string) domain.OracleConfig {
	return domain.OracleConfig{
		Type:                "http",
		BaseURL:             url,
		APIKey:              "secret",
		Timeout:             2 * time.Second,
		RateLimit:           1000,
		BreakerMaxRequests:  1,
		BreakerInterval:     time.Minute,
		BreakerTimeout:      time.Minute,
		BreakerFailureRatio: 0.6,
	}
}

func TestHTTPOracle_Predict(t *testing.T) {
	ctx := context.Background()
	status := int32(http.StatusOK)
	server, _ := modelServer(t, &status, http.StatusOK)

	o, err := New(ctx, httpConfig(server.URL), testLogger())
	require.NoError(t, err)

	assert.Equal(t, "remote-7", o.ModelVersion())
	assert.Equal(t, "v1", o.ModelSchemaVersion())
	assert.Equal(t, domain.FeatureSchemaV1Names, o.ExpectedFeatures())

	pred, err := o.PredictProbability(ctx, baselineVector())
	require.NoError(t, err)
	assert.Equal(t, 0.71, pred.Probability)
	require.NotNil(t, pred.Confidence)
	assert.Equal(t, 0.8, *pred.Confidence)

	attributor, ok := o.(domain.Attributor)
	require.True(t, ok)
	attr, err := attributor.Attribute(ctx, baselineVector())
	require.NoError(t, err)
	assert.Equal(t, -0.4, attr.BaseValue)
	assert.Len(t, attr.Contributions, len(domain.FeatureSchemaV1Names))
}

func TestHTTPOracle_AttributionUnsupported(t *testing.T) {
	ctx := context.Background()
	status := int32(http.StatusOK)

	for _, code := range []int{http.StatusNotFound, http.StatusNotImplemented} {
		server, _ := modelServer(t, &status, code)
		o, err := NewHTTPOracle(ctx, httpConfig(server.URL), testLogger())
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			_, err = o.Attribute(ctx, baselineVector())
			assert.ErrorIs(t, err, domain.ErrAttributionUnsupported)
		}
		assert.Equal(t, gobreaker.StateClosed, o.BreakerState())
	}
}

func TestHTTPOracle_CircuitBreaker(t *testing.T) {
	ctx := context.Background()
	status := int32(http.StatusInternalServerError)
	server, calls := modelServer(t, &status, http.StatusOK)

	o, err := NewHTTPOracle(ctx, httpConfig(server.URL), testLogger())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := o.PredictProbability(ctx, baselineVector())
		var unavailable *domain.ScoringUnavailableError
		require.ErrorAs(t, err, &unavailable)
	}
	assert.Equal(t, gobreaker.StateOpen, o.BreakerState())

	atomic.StoreInt32(&status, http.StatusOK)
	_, err = o.PredictProbability(ctx, baselineVector())
	var unavailable *domain.ScoringUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	// The model lookup succeeded, so the breaker trips on the second failed prediction.
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestHTTPOracle_ModelUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewHTTPOracle(context.Background(), httpConfig(server.URL), testLogger())
	assert.Error(t, err)
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(context.Background(), domain.OracleConfig{Type: "grpc"}, testLogger())
	assert.Error(t, err)

	_, err = New(context.Background(), domain.OracleConfig{Type: "local"}, testLogger())
	assert.Error(t, err)
}
