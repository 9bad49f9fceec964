package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ptld-risk-mcp-server/internal/domain"
)

// Observer is notified of stage and assessment outcomes. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveStage(stage domain.Stage, duration time.Duration, err error)
	ObserveAssessment(result *domain.AssessmentResult, duration time.Duration, err error)
}

// AssessorOption configures an Assessor.
type AssessorOption func(*Assessor) error

// WithClock sets the time source used for AssessedAt.
func WithClock(clock func() time.Time) AssessorOption {
	return func(a *Assessor) error {
		if clock == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		a.clock = clock
		return nil
	}
}

// WithObserver registers an outcome observer such as the Prometheus metrics.
func WithObserver(observer Observer) AssessorOption {
	return func(a *Assessor) error {
		a.observer = observer
		return nil
	}
}

// WithTemplateCatalog replaces the recommendation catalog selected by configuration.
func WithTemplateCatalog(catalog *TemplateCatalog) AssessorOption {
	return func(a *Assessor) error {
		engine, err := NewRecommendationEngine(catalog, RecommendationOptions{
			LowAdherenceThreshold: a.config.Adherence.LowThreshold,
			TopK:                  a.config.TopKAttributions,
			MinContribution:       a.config.MinContribution,
		}, a.logger)
		if err != nil {
			return err
		}
		a.recommender = engine
		return nil
	}
}

// Assessor runs the full pipeline for one patient: derive, score, explain, recommend.
// An assessment either completes or returns an AssessmentError with no partial result.
type Assessor struct {
	logger      *logrus.Logger
	config      domain.AssessmentConfig
	oracle      domain.Oracle
	deriver     *FeatureDeriver
	scorer      *RiskScorer
	explainer   *AttributionEngine
	recommender *RecommendationEngine
	clock       func() time.Time
	observer    Observer
}

// NewAssessor wires the pipeline components for the oracle and configuration.
func NewAssessor(oracle domain.Oracle, cfg domain.AssessmentConfig, logger *logrus.Logger, opts ...AssessorOption) (*Assessor, error) {
	if oracle == nil {
		return nil, fmt.Errorf("oracle is required")
	}

	deriver, err := NewFeatureDeriver(cfg, oracle.ModelSchemaVersion(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create feature deriver: %w", err)
	}
	scorer, err := NewRiskScorer(oracle, cfg.Thresholds, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create risk scorer: %w", err)
	}
	recommender, err := NewRecommendationEngineFromConfig(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create recommendation engine: %w", err)
	}

	a := &Assessor{
		logger:      logger,
		config:      cfg,
		oracle:      oracle,
		deriver:     deriver,
		scorer:      scorer,
		explainer:   NewAttributionEngine(oracle, logger),
		recommender: recommender,
		clock:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, fmt.Errorf("failed to apply assessor option: %w", err)
		}
	}

	logger.WithFields(logrus.Fields{
		"model_version":  oracle.ModelVersion(),
		"schema_version": deriver.SchemaVersion(),
		"medium":         cfg.Thresholds.Medium,
		"high":           cfg.Thresholds.High,
	}).Info("Assessment pipeline ready")

	return a, nil
}

// ModelInfo describes the oracle behind the pipeline.
func (a *Assessor) ModelInfo() domain.ModelInfo {
	_, supportsAttribution := a.oracle.(domain.Attributor)
	return domain.ModelInfo{
		ModelVersion:        a.oracle.ModelVersion(),
		SchemaVersion:       a.oracle.ModelSchemaVersion(),
		Features:            append([]string(nil), a.oracle.ExpectedFeatures()...),
		SupportsAttribution: supportsAttribution,
	}
}

// Assess runs one assessment.
func (a *Assessor) Assess(ctx context.Context, snapshot *domain.ClinicalSnapshot) (*domain.AssessmentResult, error) {
	start := time.Now()
	result, err := a.assess(ctx, snapshot)
	if a.observer != nil {
		a.observer.ObserveAssessment(result, time.Since(start), err)
	}
	return result, err
}

func (a *Assessor) assess(ctx context.Context, snapshot *domain.ClinicalSnapshot) (*domain.AssessmentResult, error) {
	patientID := ""
	if snapshot != nil {
		patientID = snapshot.PatientID
	}
	logger := a.logger.WithField("patient_id", patientID)

	var vector *domain.FeatureVector
	err := a.stage(domain.StageFeatureDerivation, func() error {
		var err error
		vector, err = a.deriver.Derive(snapshot)
		return err
	})
	if err != nil {
		return nil, a.fail(logger, domain.StageFeatureDerivation, patientID, err)
	}

	var score *domain.ScoreResult
	err = a.stage(domain.StageScoring, func() error {
		var err error
		score, err = a.scorer.Score(ctx, vector)
		return err
	})
	if err != nil {
		return nil, a.fail(logger, domain.StageScoring, patientID, err)
	}

	var explanation *AttributionSet
	err = a.stage(domain.StageAttribution, func() error {
		var err error
		explanation, err = a.explainer.Explain(ctx, vector)
		return err
	})
	if err != nil {
		return nil, a.fail(logger, domain.StageAttribution, patientID, err)
	}

	var recommendations []domain.Recommendation
	_ = a.stage(domain.StageRecommendation, func() error {
		recommendations = a.recommender.Generate(&RecommendationInput{
			Category:     score.Category,
			Features:     vector,
			Attributions: explanation.Attributions,
			Flags:        snapshot.ComorbidityFlags(),
		})
		return nil
	})

	result := &domain.AssessmentResult{
		PatientID:       patientID,
		SnapshotVersion: snapshot.Version,
		ModelVersion:    a.oracle.ModelVersion(),
		Features:        vector,
		Score:           score,
		Attributions:    explanation.Attributions,
		Explained:       explanation.Explained,
		BaseValue:       explanation.BaseValue,
		Recommendations: recommendations,
		AssessedAt:      a.clock(),
	}

	logger.WithFields(logrus.Fields{
		"probability":     score.Probability,
		"category":        score.Category,
		"explained":       result.Explained,
		"recommendations": len(recommendations),
	}).Info("Assessment completed")

	return result, nil
}

func (a *Assessor) stage(stage domain.Stage, fn func() error) error {
	start := time.Now()
	err := fn()
	if a.observer != nil {
		a.observer.ObserveStage(stage, time.Since(start), err)
	}
	return err
}

func (a *Assessor) fail(logger *logrus.Entry, stage domain.Stage, patientID string, err error) error {
	logger.WithError(err).WithFields(logrus.Fields{
		"stage": stage,
		"code":  domain.ErrorCode(err),
	}).Warn("Assessment failed")
	return &domain.AssessmentError{Stage: stage, PatientID: patientID, Err: err}
}

// BatchItem is the outcome of one assessment in a batch.
type BatchItem struct {
	Index     int
	PatientID string
	Result    *domain.AssessmentResult
	Err       error
}

// AssessBatch assesses snapshots concurrently with at most workers in flight. Items are
// independent: one failure never affects another. Results keep input order.
func (a *Assessor) AssessBatch(ctx context.Context, snapshots []*domain.ClinicalSnapshot, workers int) []BatchItem {
	if workers <= 0 {
		workers = a.config.BatchWorkers
	}
	if workers <= 0 {
		workers = 1
	}

	items := make([]BatchItem, len(snapshots))
	var g errgroup.Group
	g.SetLimit(workers)

	for i, snapshot := range snapshots {
		i, snapshot := i, snapshot
		items[i].Index = i
		if snapshot != nil {
			items[i].PatientID = snapshot.PatientID
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				items[i].Err = err
				return nil
			}
			items[i].Result, items[i].Err = a.Assess(ctx, snapshot)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, item := range items {
		if item.Err != nil {
			failed++
		}
	}
	a.logger.WithFields(logrus.Fields{
		"total":   len(items),
		"failed":  failed,
		"workers": workers,
	}).Info("Batch assessment completed")

	return items
}
