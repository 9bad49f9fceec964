package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ptld-risk-mcp-server/internal/domain"
	"github.com/ptld-risk-mcp-server/internal/middleware"
)

// maxListLimit caps the limit query parameter of the list endpoint.
const maxListLimit = 500

// healthCheckTimeout bounds each dependency check run by /health.
const healthCheckTimeout = 2 * time.Second

func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	checks := make(map[string]string, len(s.checks))

	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			s.logger.WithError(err).WithField("check", name).Warn("Health check failed")
			checks[name] = "unhealthy"
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	model := s.assessments.ModelInfo()
	c.JSON(code, gin.H{
		"status":        status,
		"timestamp":     time.Now().UTC(),
		"model_version": model.ModelVersion,
		"checks":        checks,
	})
}

func (s *Server) handleModelInfo(c *gin.Context) {
	c.JSON(http.StatusOK, s.assessments.ModelInfo())
}

func (s *Server) handleAssessSnapshot(c *gin.Context) {
	var snapshot domain.ClinicalSnapshot
	if err := c.ShouldBindJSON(&snapshot); err != nil {
		s.writeError(c, domain.NewValidationError("body", "malformed clinical snapshot: "+err.Error(), nil))
		return
	}

	result, err := s.assessments.AssessSnapshot(c.Request.Context(), &snapshot)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) handleAssessPatient(c *gin.Context) {
	result, err := s.assessments.AssessPatient(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) handleGetAssessment(c *gin.Context) {
	result, err := s.assessments.GetAssessment(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleListAssessments(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			s.writeError(c, domain.NewValidationError("limit", "must be an integer between 1 and 500", raw))
			return
		}
		limit = n
	}

	results, err := s.assessments.ListAssessments(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"patient_id":  c.Param("id"),
		"count":       len(results),
		"assessments": results,
	})
}

// writeError renders err as an MCPError body with the status its code maps to.
func (s *Server) writeError(c *gin.Context, err error) {
	code := domain.ErrorCode(err)
	status := statusForError(err, code)
	if status == http.StatusGatewayTimeout {
		code = domain.ErrAssessmentUnavailable
	}

	body := domain.NewMCPError(code, http.StatusText(status), err.Error(), c.GetString(middleware.CorrelationIDKey))
	if stage, ok := domain.FailedStage(err); ok {
		body.Stage = stage
	}

	entry := s.logger.WithFields(logrus.Fields{
		"correlation_id": body.RequestID,
		"code":           code,
		"stage":          body.Stage,
		"status":         status,
	}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	c.JSON(status, body)
}

func statusForError(err error, code string) int {
	switch code {
	case domain.ErrMissingRequiredField, domain.ErrInvalidFeatureValue:
		return http.StatusUnprocessableEntity
	case domain.ErrValidation:
		return http.StatusBadRequest
	case domain.ErrSchemaMismatch, domain.ErrAttributionMismatch:
		return http.StatusConflict
	case domain.ErrNotFoundCode:
		return http.StatusNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	if code == domain.ErrScoringUnavailable {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
