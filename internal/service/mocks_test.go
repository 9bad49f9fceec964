package service

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"

	"github.com/ptld-risk-mcp-server/internal/domain"
)

// MockOracle is a mock scoring oracle without attribution capability
type MockOracle struct {
	mock.Mock
}

func (m *MockOracle) PredictProbability(ctx context.Context, vector *domain.FeatureVector) (*domain.Prediction, error) {
	args := m.Called(ctx, vector)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Prediction), args.Error(1)
}

func (m *MockOracle) ModelSchemaVersion() string {
	return domain.FeatureSchemaV1
}

func (m *MockOracle) ModelVersion() string {
	return "test-model-1"
}

func (m *MockOracle) ExpectedFeatures() []string {
	return domain.FeatureSchemaV1Names
}

// MockAttributingOracle adds the Attributor capability
type MockAttributingOracle struct {
	MockOracle
}

func (m *MockAttributingOracle) Attribute(ctx context.Context, vector *domain.FeatureVector) (*domain.AttributionResponse, error) {
	args := m.Called(ctx, vector)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.AttributionResponse), args.Error(1)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel) // Suppress logs during testing
	return logger
}

func intPtr(v int) *int {
	return &v
}

func boolPtr(v bool) *bool {
	return &v
}

func pct(v float64) *float64 {
	return &v
}

func prediction(p float64) *domain.Prediction {
	return &domain.Prediction{Probability: p}
}

// contributions builds an attribution response in schema order from a sparse map.
func contributions(base float64, values map[string]float64) *domain.AttributionResponse {
	resp := &domain.AttributionResponse{BaseValue: base}
	for _, name := range domain.FeatureSchemaV1Names {
		resp.Contributions = append(resp.Contributions, domain.FeatureContribution{
			Feature:      name,
			Contribution: values[name],
		})
	}
	return resp
}

func baseSnapshot() *domain.ClinicalSnapshot {
	return &domain.ClinicalSnapshot{
		PatientID:   "patient-001",
		Version:     "snap-1",
		Age:         intPtr(45),
		HIVPositive: boolPtr(false),
		Diabetes:    boolPtr(false),
		Smoker:      boolPtr(false),
		Visits: []domain.MonitoringVisit{
			{AdherencePct: pct(95)},
			{AdherencePct: pct(97)},
		},
	}
}
