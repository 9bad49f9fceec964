package service

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/ptld-risk-mcp-server/internal/domain"
)

// FeatureDeriver converts clinical snapshots into schema v1 feature vectors.
// It holds only configuration and is safe for concurrent use.
type FeatureDeriver struct {
	logger        *logrus.Logger
	schemaVersion string
	adherence     domain.AdherenceConfig
}

// NewFeatureDeriver creates a deriver for the configured schema version. It fails with
// SchemaMismatchError when that version is unknown or differs from the oracle's.
func NewFeatureDeriver(cfg domain.AssessmentConfig, oracleSchemaVersion string, logger *logrus.Logger) (*FeatureDeriver, error) {
	d := &FeatureDeriver{
		logger:        logger,
		schemaVersion: cfg.FeatureSchemaVersion,
		adherence:     cfg.Adherence,
	}
	if d.schemaVersion != domain.FeatureSchemaV1 {
		return nil, &domain.SchemaMismatchError{
			Expected: domain.FeatureSchemaV1,
			Actual:   d.schemaVersion,
			Detail:   "unsupported feature schema version",
		}
	}
	if err := d.CheckSchema(oracleSchemaVersion); err != nil {
		return nil, err
	}
	return d, nil
}

// SchemaVersion returns the feature schema version the deriver produces.
func (d *FeatureDeriver) SchemaVersion() string {
	return d.schemaVersion
}

// CheckSchema verifies that the oracle declares the deriver's schema version.
func (d *FeatureDeriver) CheckSchema(oracleSchemaVersion string) error {
	if oracleSchemaVersion != d.schemaVersion {
		return &domain.SchemaMismatchError{
			Expected: d.schemaVersion,
			Actual:   oracleSchemaVersion,
			Detail:   "oracle model was trained on a different feature schema",
		}
	}
	return nil
}

// Derive builds the feature vector for a snapshot.
func (d *FeatureDeriver) Derive(snapshot *domain.ClinicalSnapshot) (*domain.FeatureVector, error) {
	if d.schemaVersion != domain.FeatureSchemaV1 {
		return nil, &domain.SchemaMismatchError{
			Expected: domain.FeatureSchemaV1,
			Actual:   d.schemaVersion,
			Detail:   "unsupported feature schema version",
		}
	}
	if snapshot == nil {
		return nil, &domain.MissingRequiredFieldError{Field: "snapshot"}
	}

	if snapshot.Age == nil {
		return nil, &domain.MissingRequiredFieldError{Field: domain.FeatureAge}
	}
	if *snapshot.Age < 0 {
		return nil, &domain.InvalidFeatureValueError{
			Field:  domain.FeatureAge,
			Value:  *snapshot.Age,
			Reason: "age must not be negative",
		}
	}
	hiv, err := requiredFlag(snapshot.HIVPositive, domain.FeatureHIVPositive)
	if err != nil {
		return nil, err
	}
	diabetes, err := requiredFlag(snapshot.Diabetes, domain.FeatureDiabetes)
	if err != nil {
		return nil, err
	}
	smoker, err := requiredFlag(snapshot.Smoker, domain.FeatureSmoker)
	if err != nil {
		return nil, err
	}

	stats, err := d.adherenceStats(snapshot)
	if err != nil {
		return nil, err
	}

	values := map[string]float64{
		domain.FeatureAge:               float64(*snapshot.Age),
		domain.FeatureHIVPositive:       hiv,
		domain.FeatureDiabetes:          diabetes,
		domain.FeatureSmoker:            smoker,
		domain.FeatureComorbidityCount:  float64(countComorbidities(snapshot)),
		domain.FeatureAdherenceMean:     stats.mean,
		domain.FeatureAdherenceMin:      stats.min,
		domain.FeatureAdherenceStd:      stats.std,
		domain.FeatureModificationCount: float64(len(snapshot.Modifications)),
		domain.FeatureVisitCount:        float64(len(snapshot.Visits)),
	}

	vector := &domain.FeatureVector{
		SchemaVersion: d.schemaVersion,
		Names:         make([]string, len(domain.FeatureSchemaV1Names)),
		Values:        make([]float64, len(domain.FeatureSchemaV1Names)),
	}
	for i, name := range domain.FeatureSchemaV1Names {
		vector.Names[i] = name
		vector.Values[i] = values[name]
	}

	d.logger.WithFields(logrus.Fields{
		"patient_id":        snapshot.PatientID,
		"schema_version":    vector.SchemaVersion,
		"visit_count":       len(snapshot.Visits),
		"comorbidity_count": values[domain.FeatureComorbidityCount],
		"adherence_default": stats.defaulted,
	}).Debug("Derived feature vector")

	return vector, nil
}

type adherenceSummary struct {
	mean      float64
	min       float64
	std       float64
	defaulted bool
}

// adherenceStats summarizes visit adherence as fractions. Visits without a reading are ignored;
// with no readings at all the configured defaults are substituted.
func (d *FeatureDeriver) adherenceStats(snapshot *domain.ClinicalSnapshot) (adherenceSummary, error) {
	readings := make([]float64, 0, len(snapshot.Visits))
	for i, visit := range snapshot.Visits {
		if visit.AdherencePct == nil {
			continue
		}
		pct := *visit.AdherencePct
		if math.IsNaN(pct) {
			return adherenceSummary{}, &domain.InvalidFeatureValueError{
				Field:  "visits.adherence_pct",
				Value:  pct,
				Reason: "adherence is not a number",
			}
		}
		if pct < 0 || pct > 100 {
			clamped := math.Min(math.Max(pct, 0), 100)
			d.logger.WithFields(logrus.Fields{
				"patient_id":  snapshot.PatientID,
				"visit_index": i,
				"adherence":   pct,
				"clamped_to":  clamped,
			}).Warn("Adherence outside [0,100]%, clamping")
			pct = clamped
		}
		readings = append(readings, pct/100)
	}

	if len(readings) == 0 {
		d.logger.WithFields(logrus.Fields{
			"patient_id":  snapshot.PatientID,
			"visit_count": len(snapshot.Visits),
		}).Info("No adherence readings, using default adherence features")
		return adherenceSummary{
			mean:      d.adherence.DefaultMean,
			min:       d.adherence.DefaultMin,
			std:       d.adherence.DefaultStd,
			defaulted: true,
		}, nil
	}

	sum, lowest := 0.0, readings[0]
	for _, r := range readings {
		sum += r
		if r < lowest {
			lowest = r
		}
	}
	mean := sum / float64(len(readings))

	variance := 0.0
	for _, r := range readings {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(readings))

	return adherenceSummary{
		mean: mean,
		min:  lowest,
		std:  math.Sqrt(variance),
	}, nil
}

func requiredFlag(flag *bool, field string) (float64, error) {
	if flag == nil {
		return 0, &domain.MissingRequiredFieldError{Field: field}
	}
	return boolToFloat(*flag), nil
}

// countComorbidities counts true flags among the core and extended comorbidities.
func countComorbidities(snapshot *domain.ClinicalSnapshot) int {
	count := 0
	for _, present := range snapshot.ComorbidityFlags() {
		if present {
			count++
		}
	}
	return count
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
