package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ptld-risk-mcp-server/internal/domain"
)

// RiskScorer asks the oracle for a probability and maps it to a risk category.
type RiskScorer struct {
	logger     *logrus.Logger
	oracle     domain.Oracle
	thresholds domain.CategoryThresholds
}

// NewRiskScorer creates a scorer with fixed category thresholds.
func NewRiskScorer(oracle domain.Oracle, thresholds domain.CategoryThresholds, logger *logrus.Logger) (*RiskScorer, error) {
	if oracle == nil {
		return nil, fmt.Errorf("oracle is required")
	}
	if err := ValidateThresholds(thresholds); err != nil {
		return nil, err
	}
	return &RiskScorer{
		logger:     logger,
		oracle:     oracle,
		thresholds: thresholds,
	}, nil
}

// ValidateThresholds checks 0 < medium < high <= 1.
func ValidateThresholds(t domain.CategoryThresholds) error {
	if !(t.Medium > 0 && t.Medium < t.High && t.High <= 1) {
		return domain.NewValidationError("thresholds", "expected 0 < medium < high <= 1", t)
	}
	return nil
}

// CategorizeProbability buckets p: [0,medium) low, [medium,high) medium, [high,1] high.
func CategorizeProbability(p float64, t domain.CategoryThresholds) domain.RiskCategory {
	switch {
	case p < t.Medium:
		return domain.RiskLow
	case p < t.High:
		return domain.RiskMedium
	default:
		return domain.RiskHigh
	}
}

// Score verifies the vector against the oracle schema, scores it and categorizes the result.
// Oracle failures are returned as ScoringUnavailableError and never retried here.
func (s *RiskScorer) Score(ctx context.Context, vector *domain.FeatureVector) (*domain.ScoreResult, error) {
	if expected := s.oracle.ExpectedFeatures(); len(expected) > 0 && !vector.SameSchema(expected) {
		return nil, &domain.SchemaMismatchError{
			Expected: strings.Join(expected, ","),
			Actual:   strings.Join(vector.Names, ","),
			Detail:   "feature names or order differ from the oracle schema",
		}
	}

	prediction, err := s.oracle.PredictProbability(ctx, vector)
	if err != nil {
		var unavailable *domain.ScoringUnavailableError
		if errors.As(err, &unavailable) {
			return nil, err
		}
		return nil, &domain.ScoringUnavailableError{Reason: "oracle prediction failed", Cause: err}
	}
	if prediction == nil {
		return nil, &domain.ScoringUnavailableError{Reason: "oracle returned no prediction"}
	}

	p := prediction.Probability
	if math.IsNaN(p) || p < 0 || p > 1 {
		return nil, &domain.ScoringUnavailableError{
			Reason: fmt.Sprintf("oracle returned probability %v outside [0,1]", p),
		}
	}

	result := &domain.ScoreResult{
		Probability:      p,
		Category:         CategorizeProbability(p, s.thresholds),
		Confidence:       domain.DefaultConfidence,
		ConfidenceSource: domain.ConfidenceFromDefault,
	}
	if prediction.Confidence != nil && !math.IsNaN(*prediction.Confidence) {
		result.Confidence = math.Min(math.Max(*prediction.Confidence, 0), 1)
		result.ConfidenceSource = domain.ConfidenceFromOracle
	}

	s.logger.WithFields(logrus.Fields{
		"probability":       result.Probability,
		"category":          result.Category,
		"confidence":        result.Confidence,
		"confidence_source": result.ConfidenceSource,
		"model_version":     s.oracle.ModelVersion(),
	}).Debug("Scored feature vector")

	return result, nil
}
