package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ptld-risk-mcp-server/internal/domain"
)

// AssessmentService is the caller-side layer around the Assessor: it resolves snapshots,
// consults the result cache and persists completed assessments.
type AssessmentService struct {
	logger    *logrus.Logger
	assessor  *Assessor
	snapshots domain.SnapshotProvider
	store     domain.AssessmentStore
	cache     domain.AssessmentCache
}

// NewAssessmentService creates the service. snapshots, store and cache may be nil.
func NewAssessmentService(assessor *Assessor, snapshots domain.SnapshotProvider, store domain.AssessmentStore, cache domain.AssessmentCache, logger *logrus.Logger) *AssessmentService {
	return &AssessmentService{
		logger:    logger,
		assessor:  assessor,
		snapshots: snapshots,
		store:     store,
		cache:     cache,
	}
}

// ModelInfo describes the serving oracle.
func (s *AssessmentService) ModelInfo() domain.ModelInfo {
	return s.assessor.ModelInfo()
}

// AssessPatient loads the patient's snapshot from the provider and assesses it. The
// provider's version identifies the record, so results are cached under it.
func (s *AssessmentService) AssessPatient(ctx context.Context, patientID string) (*domain.AssessmentResult, error) {
	if s.snapshots == nil {
		return nil, fmt.Errorf("no snapshot provider configured")
	}
	snapshot, err := s.snapshots.GetSnapshot(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for patient %s: %w", patientID, err)
	}
	version := snapshot.Version
	if version == "" {
		version = snapshot.Fingerprint()
	}
	return s.assess(ctx, snapshot, version)
}

// AssessSnapshot assesses an inline snapshot. A caller-supplied version does not identify
// the content, so inline snapshots are cached by their fingerprint.
func (s *AssessmentService) AssessSnapshot(ctx context.Context, snapshot *domain.ClinicalSnapshot) (*domain.AssessmentResult, error) {
	version := ""
	if snapshot != nil {
		version = snapshot.Fingerprint()
	}
	return s.assess(ctx, snapshot, version)
}

func (s *AssessmentService) assess(ctx context.Context, snapshot *domain.ClinicalSnapshot, version string) (*domain.AssessmentResult, error) {
	key := ""
	if snapshot != nil && version != "" && s.cache != nil {
		key = domain.CacheKey(snapshot.PatientID, version, s.assessor.ModelInfo().ModelVersion)
		cached, found, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.WithError(err).WithField("key", key).Warn("Assessment cache lookup failed")
		} else if found {
			s.logger.WithField("key", key).Debug("Assessment cache hit")
			return cached, nil
		}
	}

	result, err := s.assessor.Assess(ctx, snapshot)
	if err != nil {
		return nil, err
	}

	if s.store != nil {
		if err := s.store.Save(ctx, result); err != nil {
			return nil, fmt.Errorf("failed to save assessment: %w", err)
		}
	}

	if key != "" {
		if err := s.cache.Set(ctx, key, result); err != nil {
			s.logger.WithError(err).WithField("key", key).Warn("Failed to cache assessment")
		}
	}

	return result, nil
}

// GetAssessment returns a stored assessment by ID.
func (s *AssessmentService) GetAssessment(ctx context.Context, id string) (*domain.AssessmentResult, error) {
	if s.store == nil {
		return nil, domain.ErrNotFound
	}
	return s.store.Get(ctx, id)
}

// ListAssessments returns the most recent stored assessments for a patient.
func (s *AssessmentService) ListAssessments(ctx context.Context, patientID string, limit int) ([]*domain.AssessmentResult, error) {
	if s.store == nil {
		return []*domain.AssessmentResult{}, nil
	}
	return s.store.ListByPatient(ctx, patientID, limit)
}

// AssessBatch runs independent assessments through the pipeline and persists the successes.
func (s *AssessmentService) AssessBatch(ctx context.Context, snapshots []*domain.ClinicalSnapshot, workers int) []BatchItem {
	items := s.assessor.AssessBatch(ctx, snapshots, workers)
	if s.store == nil {
		return items
	}
	for i := range items {
		if items[i].Err != nil {
			continue
		}
		if err := s.store.Save(ctx, items[i].Result); err != nil {
			items[i].Err = fmt.Errorf("failed to save assessment: %w", err)
			items[i].Result = nil
		}
	}
	return items
}
