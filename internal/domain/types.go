// Package domain contains the core entities and types for post-treatment lung disease (PTLD)
// risk assessment of tuberculosis patients: the clinical snapshot consumed by the pipeline,
// the feature vector scored by the risk oracle, and the assessment result returned to callers.
package domain

import (
	"errors"
	"fmt"
)

// RiskCategory is the three-level risk bucket derived from the oracle probability.
type RiskCategory string

const (
	RiskLow    RiskCategory = "low"
	RiskMedium RiskCategory = "medium"
	RiskHigh   RiskCategory = "high"
)

// Priority orders recommendations for clinical follow-up.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ConfidenceSource records where ScoreResult.Confidence came from.
type ConfidenceSource string

const (
	ConfidenceFromOracle  ConfidenceSource = "oracle"
	ConfidenceFromDefault ConfidenceSource = "default"
)

// Stage names a step of the assessment pipeline. Fatal errors carry the stage they came from.
type Stage string

const (
	StageFeatureDerivation Stage = "feature_derivation"
	StageScoring           Stage = "scoring"
	StageAttribution       Stage = "attribution"
	StageRecommendation    Stage = "recommendation"
)

// Feature names of schema v1, in oracle order.
const (
	FeatureAge               = "age"
	FeatureHIVPositive       = "hiv_positive"
	FeatureDiabetes          = "diabetes"
	FeatureSmoker            = "smoker"
	FeatureComorbidityCount  = "comorbidity_count"
	FeatureAdherenceMean     = "adherence_mean"
	FeatureAdherenceMin      = "adherence_min"
	FeatureAdherenceStd      = "adherence_std"
	FeatureModificationCount = "modification_count"
	FeatureVisitCount        = "visit_count"
)

// FeatureSchemaV1 is the only feature schema version the deriver produces.
const FeatureSchemaV1 = "v1"

// FeatureSchemaV1Names lists the v1 feature names in order.
var FeatureSchemaV1Names = []string{
	FeatureAge,
	FeatureHIVPositive,
	FeatureDiabetes,
	FeatureSmoker,
	FeatureComorbidityCount,
	FeatureAdherenceMean,
	FeatureAdherenceMin,
	FeatureAdherenceStd,
	FeatureModificationCount,
	FeatureVisitCount,
}

// Comorbidity flag keys. The first three are mandatory on every snapshot.
const (
	FlagHIV            = "hiv_positive"
	FlagDiabetes       = "diabetes"
	FlagSmoker         = "smoker"
	FlagAIDS           = "aids"
	FlagAlcoholism     = "alcoholism"
	FlagMentalDisorder = "mental_disorder"
	FlagDrugAddiction  = "drug_addiction"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidRiskCategory    = errors.New("invalid risk category")
	ErrInvalidPriority        = errors.New("invalid recommendation priority")
	ErrAttributionUnsupported = errors.New("oracle does not support attribution")
)

// IsValid reports whether c is one of the three risk categories.
func (c RiskCategory) IsValid() bool {
	switch c {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	default:
		return false
	}
}

func (c RiskCategory) String() string {
	return string(c)
}

// Description returns the clinician-facing label for the category.
func (c RiskCategory) Description() string {
	switch c {
	case RiskLow:
		return "Low PTLD risk - routine follow-up"
	case RiskMedium:
		return "Medium PTLD risk - enhanced monitoring"
	case RiskHigh:
		return "High PTLD risk - intensive monitoring and treatment review"
	default:
		return "Unknown risk category"
	}
}

// ParseRiskCategory converts a string to a RiskCategory.
func ParseRiskCategory(s string) (RiskCategory, error) {
	c := RiskCategory(s)
	if !c.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRiskCategory, s)
	}
	return c, nil
}

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Rank returns the sort rank of the priority: high=0, medium=1, low=2.
// Unknown priorities sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

func (p Priority) String() string {
	return string(p)
}

// ParsePriority converts a string to a Priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if !p.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
	return p, nil
}
