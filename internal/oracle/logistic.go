// Package oracle provides the scoring oracles behind the assessment pipeline: a local
// logistic model loaded from a JSON file and a client for a remote model service.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/ptld-risk-mcp-server/internal/domain"
)

// LogisticModel is the on-disk description of a trained logistic regression model.
type LogisticModel struct {
	ModelVersion  string             `json:"model_version"`
	SchemaVersion string             `json:"schema_version"`
	FeatureCols   []string           `json:"feature_cols"`
	Intercept     float64            `json:"intercept"`
	Coefficients  map[string]float64 `json:"coefficients"`
	Baseline      map[string]float64 `json:"baseline"`
}

// LogisticOracle scores vectors with a logistic model and explains them in log-odds space.
// It is immutable after construction and safe for concurrent use.
type LogisticOracle struct {
	model     LogisticModel
	weights   []float64
	baseline  []float64
	baseLogit float64
}

// LoadLogisticOracle reads a model file and builds the oracle.
func LoadLogisticOracle(path string) (*LogisticOracle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}

	var model LogisticModel
	if err := json.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("failed to parse model file %s: %w", path, err)
	}
	return NewLogisticOracle(model)
}

// NewLogisticOracle validates the model and precomputes its weight vectors.
func NewLogisticOracle(model LogisticModel) (*LogisticOracle, error) {
	if model.ModelVersion == "" {
		return nil, domain.NewValidationError("model_version", "model version is required", nil)
	}
	if model.SchemaVersion == "" {
		return nil, domain.NewValidationError("schema_version", "schema version is required", nil)
	}
	if len(model.FeatureCols) == 0 {
		return nil, domain.NewValidationError("feature_cols", "at least one feature is required", nil)
	}

	o := &LogisticOracle{
		model:     model,
		weights:   make([]float64, len(model.FeatureCols)),
		baseline:  make([]float64, len(model.FeatureCols)),
		baseLogit: model.Intercept,
	}

	seen := make(map[string]bool, len(model.FeatureCols))
	for i, name := range model.FeatureCols {
		if seen[name] {
			return nil, domain.NewValidationError("feature_cols", "duplicate feature", name)
		}
		seen[name] = true

		w, ok := model.Coefficients[name]
		if !ok {
			return nil, domain.NewValidationError("coefficients", "missing coefficient for feature", name)
		}
		o.weights[i] = w
		o.baseline[i] = model.Baseline[name]
		o.baseLogit += w * o.baseline[i]
	}
	for name := range model.Coefficients {
		if !seen[name] {
			return nil, domain.NewValidationError("coefficients", "coefficient for unknown feature", name)
		}
	}

	return o, nil
}

// PredictProbability returns sigmoid(intercept + w·x) with confidence max(p, 1-p).
func (o *LogisticOracle) PredictProbability(ctx context.Context, vector *domain.FeatureVector) (*domain.Prediction, error) {
	if err := o.check(ctx, vector); err != nil {
		return nil, err
	}

	logit := o.model.Intercept
	for i, x := range vector.Values {
		logit += o.weights[i] * x
	}
	p := sigmoid(logit)
	confidence := math.Max(p, 1-p)

	return &domain.Prediction{Probability: p, Confidence: &confidence}, nil
}

// Attribute returns w_i·(x_i - baseline_i) per feature; the base value is the log-odds at the baseline.
func (o *LogisticOracle) Attribute(ctx context.Context, vector *domain.FeatureVector) (*domain.AttributionResponse, error) {
	if err := o.check(ctx, vector); err != nil {
		return nil, err
	}

	resp := &domain.AttributionResponse{
		BaseValue:     o.baseLogit,
		Contributions: make([]domain.FeatureContribution, len(vector.Values)),
	}
	for i, x := range vector.Values {
		resp.Contributions[i] = domain.FeatureContribution{
			Feature:      vector.Names[i],
			Contribution: o.weights[i] * (x - o.baseline[i]),
		}
	}
	return resp, nil
}

func (o *LogisticOracle) check(ctx context.Context, vector *domain.FeatureVector) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if vector == nil || !vector.SameSchema(o.model.FeatureCols) || len(vector.Values) != len(vector.Names) {
		actual := ""
		if vector != nil {
			actual = strings.Join(vector.Names, ",")
		}
		return &domain.SchemaMismatchError{
			Expected: strings.Join(o.model.FeatureCols, ","),
			Actual:   actual,
			Detail:   "vector does not match model feature columns",
		}
	}
	return nil
}

func (o *LogisticOracle) ModelSchemaVersion() string {
	return o.model.SchemaVersion
}

func (o *LogisticOracle) ModelVersion() string {
	return o.model.ModelVersion
}

func (o *LogisticOracle) ExpectedFeatures() []string {
	return append([]string(nil), o.model.FeatureCols...)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
