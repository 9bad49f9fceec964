package domain

import (
	"errors"
	"fmt"
	"time"
)

// MCPError represents a standardized error response
type MCPError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Stage     Stage     `json:"stage,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// Error implements the error interface
func (e *MCPError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes for different failure scenarios
const (
	ErrInvalidInput          = "INVALID_INPUT"
	ErrDatabaseError         = "DATABASE_ERROR"
	ErrInternalServer        = "INTERNAL_SERVER_ERROR"
	ErrValidation            = "VALIDATION_ERROR"
	ErrRateLimit             = "RATE_LIMIT_EXCEEDED"
	ErrNotFoundCode          = "NOT_FOUND"
	ErrMissingRequiredField  = "MISSING_REQUIRED_FIELD"
	ErrInvalidFeatureValue   = "INVALID_FEATURE_VALUE"
	ErrSchemaMismatch        = "SCHEMA_MISMATCH"
	ErrScoringUnavailable    = "SCORING_UNAVAILABLE"
	ErrAttributionMismatch   = "ATTRIBUTION_MISMATCH"
	ErrAssessmentUnavailable = "ASSESSMENT_ERROR"
)

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewMCPError creates a new MCPError with timestamp
func NewMCPError(code, message, details, requestID string) *MCPError {
	return &MCPError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// MissingRequiredFieldError reports a mandatory snapshot field that is absent.
type MissingRequiredFieldError struct {
	Field string
}

func (e *MissingRequiredFieldError) Error() string {
	return fmt.Sprintf("missing required field %q", e.Field)
}

// InvalidFeatureValueError reports a snapshot value that cannot be encoded as a feature.
type InvalidFeatureValueError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *InvalidFeatureValueError) Error() string {
	return fmt.Sprintf("invalid value %v for feature %q: %s", e.Value, e.Field, e.Reason)
}

// SchemaMismatchError reports disagreement between the deriver's feature schema and the oracle's.
type SchemaMismatchError struct {
	Expected string
	Actual   string
	Detail   string
}

func (e *SchemaMismatchError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("feature schema mismatch (expected %s, got %s): %s", e.Expected, e.Actual, e.Detail)
	}
	return fmt.Sprintf("feature schema mismatch (expected %s, got %s)", e.Expected, e.Actual)
}

// ScoringUnavailableError reports that the oracle could not produce a usable answer.
type ScoringUnavailableError struct {
	Reason string
	Cause  error
}

func (e *ScoringUnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("scoring unavailable: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("scoring unavailable: %s", e.Reason)
}

func (e *ScoringUnavailableError) Unwrap() error {
	return e.Cause
}

// AttributionMismatchError reports oracle contributions that do not line up with the feature vector.
type AttributionMismatchError struct {
	Expected int
	Got      int
	Detail   string
}

func (e *AttributionMismatchError) Error() string {
	return fmt.Sprintf("attribution mismatch (expected %d features, got %d): %s", e.Expected, e.Got, e.Detail)
}

// AssessmentError wraps a fatal pipeline error with the stage that raised it.
type AssessmentError struct {
	Stage     Stage
	PatientID string
	Err       error
}

func (e *AssessmentError) Error() string {
	return fmt.Sprintf("assessment of patient %q failed at %s: %v", e.PatientID, e.Stage, e.Err)
}

func (e *AssessmentError) Unwrap() error {
	return e.Err
}

// ErrorCode maps a (possibly wrapped) pipeline error to its stable code.
func ErrorCode(err error) string {
	var (
		missing     *MissingRequiredFieldError
		invalid     *InvalidFeatureValueError
		schema      *SchemaMismatchError
		unavailable *ScoringUnavailableError
		attribution *AttributionMismatchError
		validation  *ValidationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &missing):
		return ErrMissingRequiredField
	case errors.As(err, &invalid):
		return ErrInvalidFeatureValue
	case errors.As(err, &schema):
		return ErrSchemaMismatch
	case errors.As(err, &unavailable):
		return ErrScoringUnavailable
	case errors.As(err, &attribution):
		return ErrAttributionMismatch
	case errors.As(err, &validation):
		return ErrValidation
	case errors.Is(err, ErrNotFound):
		return ErrNotFoundCode
	default:
		return ErrInternalServer
	}
}

// FailedStage returns the stage recorded on a wrapped AssessmentError, if any.
func FailedStage(err error) (Stage, bool) {
	var ae *AssessmentError
	if errors.As(err, &ae) {
		return ae.Stage, true
	}
	return "", false
}
