package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/ptld-risk-mcp-server/internal/domain"
	"github.com/ptld-risk-mcp-server/internal/service"
)

// Resource URIs served by the lite server.
const (
	ModelResourceURI               = "ptld://model"
	assessmentURIPrefix            = "ptld://assessments/"
	AssessmentResourceTemplate     = assessmentURIPrefix + "{assessment_id}"
	patientURIPrefix               = "ptld://patients/"
	PatientHistoryResourceTemplate = patientURIPrefix + "{patient_id}/assessments"

	PromptReviewAssessment = "review_assessment"

	historyResourceLimit = 20
	jsonMIMEType         = "application/json"
)

func (s *LiteServer) registerResources() {
	s.mcpServer.AddResource(&mcp.Resource{
		URI:         ModelResourceURI,
		Name:        "model",
		Title:       "Risk model",
		Description: "Version, feature schema and attribution support of the loaded risk model",
		MIMEType:    jsonMIMEType,
	}, s.readModel)

	s.mcpServer.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: AssessmentResourceTemplate,
		Name:        "assessment",
		Title:       "Stored assessment",
		MIMEType:    jsonMIMEType,
	}, s.readAssessment)

	s.mcpServer.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: PatientHistoryResourceTemplate,
		Name:        "patient_assessments",
		Title:       "Patient assessment history",
		Description: "A patient's most recent assessments, newest first",
		MIMEType:    jsonMIMEType,
	}, s.readPatientHistory)

	s.mcpServer.AddPrompt(&mcp.Prompt{
		Name:        PromptReviewAssessment,
		Title:       "Review a PTLD risk assessment",
		Description: "Walk a clinician through a stored assessment: risk level, drivers and follow-up plan",
		Arguments: []*mcp.PromptArgument{
			{Name: "assessment_id", Description: "ID returned by assess_patient", Required: true},
			{Name: "audience", Description: "clinician (default) or patient"},
		},
	}, s.getReviewPrompt)

	s.logger.WithFields(logrus.Fields{
		"resources": 1,
		"templates": 2,
		"prompts":   1,
	}).Info("Registered resources and prompts")
}

func (s *LiteServer) readModel(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	return jsonResource(req.Params.URI, s.service.ModelInfo())
}

func (s *LiteServer) readAssessment(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	id := strings.TrimPrefix(uri, assessmentURIPrefix)
	if id == "" || strings.Contains(id, "/") {
		return nil, mcp.ResourceNotFoundError(uri)
	}

	result, err := s.service.GetAssessment(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, mcp.ResourceNotFoundError(uri)
	}
	if err != nil {
		return nil, err
	}
	return jsonResource(uri, result)
}

func (s *LiteServer) readPatientHistory(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	patientID, ok := strings.CutSuffix(strings.TrimPrefix(uri, patientURIPrefix), "/assessments")
	if !ok || patientID == "" || strings.Contains(patientID, "/") {
		return nil, mcp.ResourceNotFoundError(uri)
	}

	results, err := s.service.ListAssessments(ctx, patientID, historyResourceLimit)
	if err != nil {
		return nil, err
	}
	return jsonResource(uri, map[string]any{
		"patient_id":  patientID,
		"count":       len(results),
		"assessments": results,
	})
}

func (s *LiteServer) getReviewPrompt(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	id := req.Params.Arguments["assessment_id"]
	if id == "" {
		return nil, domain.NewValidationError("assessment_id", "assessment_id is required", nil)
	}
	audience := req.Params.Arguments["audience"]
	if audience == "" {
		audience = "clinician"
	}
	if audience != "clinician" && audience != "patient" {
		return nil, domain.NewValidationError("audience", "must be clinician or patient", audience)
	}

	result, err := s.service.GetAssessment(ctx, id)
	if err != nil {
		return nil, err
	}

	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Review of assessment %s for patient %s", id, result.PatientID),
		Messages: []*mcp.PromptMessage{{
			Role:    "user",
			Content: &mcp.TextContent{Text: reviewPromptText(result, audience)},
		}},
	}, nil
}

func reviewPromptText(result *domain.AssessmentResult, audience string) string {
	var b strings.Builder
	if audience == "patient" {
		b.WriteString("Explain the following lung health risk assessment to a patient who has finished tuberculosis treatment. Use plain language, avoid numbers where a word will do and end with what happens next.\n\n")
	} else {
		b.WriteString("Review the following post-treatment lung disease (PTLD) risk assessment. Check that the follow-up plan fits the risk level and the main drivers, and flag anything missing.\n\n")
	}

	drivers := service.TopRiskDrivers(result.Attributions, summaryDrivers)
	b.WriteString(summarize(result, drivers))
	b.WriteString("\n\nFollow-up plan:\n")
	for _, rec := range result.Recommendations {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", rec.Priority, rec.Title, rec.Description)
		for _, action := range rec.Actions {
			fmt.Fprintf(&b, "    * %s\n", action)
		}
	}
	fmt.Fprintf(&b, "\nModel %s, assessed %s.", result.ModelVersion, result.AssessedAt.Format("2006-01-02"))
	return b.String()
}

func jsonResource(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode resource %s: %w", uri, err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{URI: uri, MIMEType: jsonMIMEType, Text: string(data)}},
	}, nil
}
