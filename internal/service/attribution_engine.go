package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/ptld-risk-mcp-server/internal/domain"
)

// AttributionSet is the validated, ranked explanation of one prediction.
// Explained is false when the oracle offers no attribution capability.
type AttributionSet struct {
	Attributions []domain.Attribution
	BaseValue    float64
	Explained    bool
}

// AttributionEngine adapts oracle contributions into a deterministic ranked list.
type AttributionEngine struct {
	logger *logrus.Logger
	oracle domain.Oracle
}

// NewAttributionEngine creates an attribution engine for the oracle.
func NewAttributionEngine(oracle domain.Oracle, logger *logrus.Logger) *AttributionEngine {
	return &AttributionEngine{
		logger: logger,
		oracle: oracle,
	}
}

// Explain requests contributions for the vector, validates them and ranks them by
// descending magnitude with ties broken by feature name.
func (e *AttributionEngine) Explain(ctx context.Context, vector *domain.FeatureVector) (*AttributionSet, error) {
	attributor, ok := e.oracle.(domain.Attributor)
	if !ok {
		e.logger.WithField("model_version", e.oracle.ModelVersion()).Debug("Oracle has no attribution capability")
		return &AttributionSet{Attributions: []domain.Attribution{}}, nil
	}

	response, err := attributor.Attribute(ctx, vector)
	if errors.Is(err, domain.ErrAttributionUnsupported) {
		e.logger.WithField("model_version", e.oracle.ModelVersion()).Info("Oracle declined attribution, assessment is unexplained")
		return &AttributionSet{Attributions: []domain.Attribution{}}, nil
	}
	if err != nil {
		var unavailable *domain.ScoringUnavailableError
		if errors.As(err, &unavailable) {
			return nil, err
		}
		return nil, &domain.ScoringUnavailableError{Reason: "oracle attribution failed", Cause: err}
	}
	if response == nil {
		return nil, &domain.AttributionMismatchError{Expected: vector.Len(), Got: 0, Detail: "oracle returned no attribution"}
	}

	attributions, err := alignContributions(vector, response.Contributions)
	if err != nil {
		return nil, err
	}
	RankAttributions(attributions)

	return &AttributionSet{
		Attributions: attributions,
		BaseValue:    response.BaseValue,
		Explained:    true,
	}, nil
}

// alignContributions checks that contributions cover the vector's features in the same order.
func alignContributions(vector *domain.FeatureVector, contributions []domain.FeatureContribution) ([]domain.Attribution, error) {
	if len(contributions) != vector.Len() {
		return nil, &domain.AttributionMismatchError{
			Expected: vector.Len(),
			Got:      len(contributions),
			Detail:   "contribution count differs from feature count",
		}
	}

	attributions := make([]domain.Attribution, len(contributions))
	for i, c := range contributions {
		if c.Feature != vector.Names[i] {
			return nil, &domain.AttributionMismatchError{
				Expected: vector.Len(),
				Got:      len(contributions),
				Detail:   fmt.Sprintf("position %d: expected feature %q, got %q", i, vector.Names[i], c.Feature),
			}
		}
		if math.IsNaN(c.Contribution) || math.IsInf(c.Contribution, 0) {
			return nil, &domain.AttributionMismatchError{
				Expected: vector.Len(),
				Got:      len(contributions),
				Detail:   fmt.Sprintf("feature %q has non-finite contribution", c.Feature),
			}
		}
		attributions[i] = domain.Attribution{
			Feature:      c.Feature,
			Value:        vector.Values[i],
			Contribution: c.Contribution,
		}
	}
	return attributions, nil
}

// RankAttributions sorts in place by descending absolute contribution, then feature name.
func RankAttributions(attributions []domain.Attribution) {
	sort.SliceStable(attributions, func(i, j int) bool {
		ai, aj := math.Abs(attributions[i].Contribution), math.Abs(attributions[j].Contribution)
		if ai != aj {
			return ai > aj
		}
		return attributions[i].Feature < attributions[j].Feature
	})
}

// TopRiskDrivers returns up to k attributions with positive contribution, largest first.
func TopRiskDrivers(attributions []domain.Attribution, k int) []domain.Attribution {
	drivers := make([]domain.Attribution, 0, k)
	for _, a := range attributions {
		if len(drivers) == k {
			break
		}
		if a.Contribution > 0 {
			drivers = append(drivers, a)
		}
	}
	return drivers
}
