package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

// ClinicalSnapshot is the read-only view of a patient's treatment history used for one assessment.
// Pointer fields distinguish "absent" from a zero value; the pipeline never mutates a snapshot.
type ClinicalSnapshot struct {
	PatientID string `json:"patient_id"`
	Version   string `json:"version,omitempty"`

	Age         *int  `json:"age"`
	HIVPositive *bool `json:"hiv_positive"`
	Diabetes    *bool `json:"diabetes"`
	Smoker      *bool `json:"smoker"`

	// ExtendedComorbidities holds optional flags such as aids, alcoholism,
	// mental_disorder and drug_addiction.
	ExtendedComorbidities map[string]bool `json:"extended_comorbidities,omitempty"`

	Visits        []MonitoringVisit       `json:"visits,omitempty"`
	Modifications []TreatmentModification `json:"modifications,omitempty"`
	TreatmentDays *int                    `json:"treatment_days,omitempty"`
}

// MonitoringVisit is one follow-up visit. AdherencePct is a percentage in [0,100] and may be absent.
type MonitoringVisit struct {
	Date         time.Time `json:"date"`
	AdherencePct *float64  `json:"adherence_pct,omitempty"`
}

// TreatmentModification records a change to the patient's regimen.
type TreatmentModification struct {
	Date   time.Time `json:"date"`
	Reason string    `json:"reason"`
	Drug   string    `json:"drug,omitempty"`
}

// ComorbidityFlags returns every comorbidity flag present on the snapshot, core and extended.
// Absent core flags are omitted rather than reported as false.
func (s *ClinicalSnapshot) ComorbidityFlags() map[string]bool {
	flags := make(map[string]bool, 3+len(s.ExtendedComorbidities))
	if s.HIVPositive != nil {
		flags[FlagHIV] = *s.HIVPositive
	}
	if s.Diabetes != nil {
		flags[FlagDiabetes] = *s.Diabetes
	}
	if s.Smoker != nil {
		flags[FlagSmoker] = *s.Smoker
	}
	for name, v := range s.ExtendedComorbidities {
		flags[name] = v
	}
	return flags
}

// FeatureVector is the fixed-schema numeric encoding of a snapshot. Booleans are encoded as 0/1.
type FeatureVector struct {
	SchemaVersion string    `json:"schema_version"`
	Names         []string  `json:"names"`
	Values        []float64 `json:"values"`
}

// Len returns the number of features.
func (v *FeatureVector) Len() int {
	return len(v.Names)
}

// Get returns the value of the named feature.
func (v *FeatureVector) Get(name string) (float64, bool) {
	for i, n := range v.Names {
		if n == name {
			return v.Values[i], true
		}
	}
	return 0, false
}

// Map returns the vector as a name to value map.
func (v *FeatureVector) Map() map[string]float64 {
	m := make(map[string]float64, len(v.Names))
	for i, n := range v.Names {
		m[n] = v.Values[i]
	}
	return m
}

// SameSchema reports whether names matches the vector's feature names exactly, in order.
func (v *FeatureVector) SameSchema(names []string) bool {
	if len(names) != len(v.Names) {
		return false
	}
	for i := range names {
		if names[i] != v.Names[i] {
			return false
		}
	}
	return true
}

// Prediction is the oracle's answer to a scoring request. Confidence is optional.
type Prediction struct {
	Probability float64  `json:"probability"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

// FeatureContribution is one oracle-provided attribution value.
type FeatureContribution struct {
	Feature      string  `json:"feature"`
	Contribution float64 `json:"contribution"`
}

// AttributionResponse is the oracle's per-feature explanation of a prediction.
type AttributionResponse struct {
	BaseValue     float64               `json:"base_value"`
	Contributions []FeatureContribution `json:"contributions"`
}

// ScoreResult is the categorized risk score.
type ScoreResult struct {
	Probability      float64          `json:"probability"`
	Category         RiskCategory     `json:"category"`
	Confidence       float64          `json:"confidence"`
	ConfidenceSource ConfidenceSource `json:"confidence_source"`
}

// Attribution is a signed contribution of one feature to the score. Positive increases risk.
type Attribution struct {
	Feature      string  `json:"feature"`
	Value        float64 `json:"value"`
	Contribution float64 `json:"contribution"`
}

// Recommendation is one actionable clinical recommendation.
type Recommendation struct {
	Category    string   `json:"category"`
	Priority    Priority `json:"priority"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Actions     []string `json:"actions"`
}

// Key returns the (category, title) identity used for deduplication.
func (r Recommendation) Key() string {
	return r.Category + "\x00" + r.Title
}

// AssessmentResult aggregates everything produced for one assessment.
// ID is assigned by the result store; the pipeline leaves it empty.
type AssessmentResult struct {
	ID              string           `json:"id,omitempty"`
	PatientID       string           `json:"patient_id"`
	SnapshotVersion string           `json:"snapshot_version,omitempty"`
	ModelVersion    string           `json:"model_version"`
	Features        *FeatureVector   `json:"features"`
	Score           *ScoreResult     `json:"score"`
	Attributions    []Attribution    `json:"attributions"`
	Explained       bool             `json:"explained"`
	BaseValue       float64          `json:"base_value"`
	Recommendations []Recommendation `json:"recommendations"`
	AssessedAt      time.Time        `json:"assessed_at"`
}

// Clone returns a deep copy of the result.
func (r *AssessmentResult) Clone() *AssessmentResult {
	if r == nil {
		return nil
	}
	c := *r
	if r.Features != nil {
		f := *r.Features
		f.Names = append([]string(nil), r.Features.Names...)
		f.Values = append([]float64(nil), r.Features.Values...)
		c.Features = &f
	}
	if r.Score != nil {
		score := *r.Score
		c.Score = &score
	}
	if r.Attributions != nil {
		c.Attributions = append([]Attribution(nil), r.Attributions...)
	}
	if r.Recommendations != nil {
		c.Recommendations = make([]Recommendation, len(r.Recommendations))
		for i, rec := range r.Recommendations {
			rec.Actions = append([]string(nil), rec.Actions...)
			c.Recommendations[i] = rec
		}
	}
	return &c
}

// CacheKey identifies an assessment by patient, snapshot version and model version.
// Each part is query-escaped so a ':' inside an ID cannot collide with the separator.
func CacheKey(patientID, snapshotVersion, modelVersion string) string {
	return strings.Join([]string{
		url.QueryEscape(patientID),
		url.QueryEscape(snapshotVersion),
		url.QueryEscape(modelVersion),
	}, ":")
}

// Fingerprint versions a snapshot by the hash of its content. Snapshots whose version
// is not issued by a record store are cached under their fingerprint.
func (s *ClinicalSnapshot) Fingerprint() string {
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ModelInfo describes the oracle currently serving predictions.
type ModelInfo struct {
	ModelVersion        string   `json:"model_version"`
	SchemaVersion       string   `json:"schema_version"`
	Features            []string `json:"features"`
	SupportsAttribution bool     `json:"supports_attribution"`
}
