// Package store persists assessment results on behalf of callers. The assessment core never
// touches storage; the service layer saves a result after Assess returns.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/ptld-risk-mcp-server/internal/domain"
)

// DefaultListLimit caps ListByPatient when the caller passes a non-positive limit.
const DefaultListLimit = 50

// maxExportLimit is the maximum number of results exported at once.
const maxExportLimit = 100000

// Store is a result store that can also export its contents.
type Store interface {
	domain.AssessmentStore

	// List returns results across all patients, newest first.
	List(ctx context.Context, limit, offset int) ([]*domain.AssessmentResult, error)

	// Count returns the total number of stored results.
	Count(ctx context.Context) (int64, error)

	// ExportJSON writes every stored result to writer.
	ExportJSON(ctx context.Context, writer io.Writer) error
}

// AssessmentExport is the JSON export format.
type AssessmentExport struct {
	Version     string                     `json:"version"`
	ExportedAt  time.Time                  `json:"exported_at"`
	Count       int                        `json:"count"`
	Assessments []*domain.AssessmentResult `json:"assessments"`
}

// assignID gives the result a fresh identifier unless the caller already set one.
func assignID(result *domain.AssessmentResult) {
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
}

func validateResult(result *domain.AssessmentResult) error {
	if result == nil {
		return domain.NewValidationError("result", "assessment result is required", nil)
	}
	if result.PatientID == "" {
		return domain.NewValidationError("patient_id", "patient ID is required", nil)
	}
	if result.Score == nil {
		return domain.NewValidationError("score", "assessment result has no score", result.PatientID)
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

func decodePayload(payload []byte) (*domain.AssessmentResult, error) {
	var result domain.AssessmentResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to decode assessment payload: %w", err)
	}
	return &result, nil
}

func writeExport(writer io.Writer, all []*domain.AssessmentResult) error {
	export := &AssessmentExport{
		Version:     "1.0",
		ExportedAt:  time.Now().UTC(),
		Count:       len(all),
		Assessments: all,
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}
