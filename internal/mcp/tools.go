package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/ptld-risk-mcp-server/internal/domain"
	"github.com/ptld-risk-mcp-server/internal/service"
)

// Tool names exposed by the server.
const (
	ToolAssessPatient     = "assess_patient"
	ToolGetAssessment     = "get_assessment"
	ToolListAssessments   = "list_assessments"
	ToolGetModelInfo      = "get_model_info"
	ToolSaveSnapshot      = "save_snapshot"
	ToolExportAssessments = "export_assessments"
)

const (
	summaryDrivers = 3
	maxListLimit   = 500
)

// AssessPatientArgs selects the snapshot to assess: a stored patient or an inline snapshot.
type AssessPatientArgs struct {
	PatientID string                   `json:"patient_id,omitempty"`
	Snapshot  *domain.ClinicalSnapshot `json:"snapshot,omitempty"`
}

// GetAssessmentArgs identifies a stored assessment.
type GetAssessmentArgs struct {
	AssessmentID string `json:"assessment_id"`
}

// ListAssessmentsArgs selects a patient's most recent assessments.
type ListAssessmentsArgs struct {
	PatientID string `json:"patient_id"`
	Limit     int    `json:"limit,omitempty"`
}

// SaveSnapshotArgs carries a snapshot to store in the clinical database.
type SaveSnapshotArgs struct {
	Snapshot *domain.ClinicalSnapshot `json:"snapshot"`
}

// ExportAssessmentsArgs names the export file written under the export directory.
type ExportAssessmentsArgs struct {
	Filename string `json:"filename,omitempty"`
}

// AssessmentSummary is the structured output of assess_patient.
type AssessmentSummary struct {
	Summary    string                   `json:"summary"`
	TopDrivers []domain.Attribution     `json:"top_drivers"`
	Assessment *domain.AssessmentResult `json:"assessment"`
}

func (s *LiteServer) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        ToolAssessPatient,
		Description: "Assess a tuberculosis patient's risk of post-treatment lung disease. Pass patient_id to assess a stored snapshot or snapshot to assess inline data.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"patient_id": {Type: "string", Description: "ID of a patient stored with save_snapshot"},
				"snapshot":   {Type: "object", Description: "Inline clinical snapshot: patient_id, age, hiv_positive, diabetes, smoker, visits, modifications"},
			},
		},
	}, s.handleAssessPatient)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        ToolGetAssessment,
		Description: "Fetch a stored assessment by ID",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"assessment_id": {Type: "string", MinLength: jsonschema.Ptr(1)},
			},
			Required: []string{"assessment_id"},
		},
	}, s.handleGetAssessment)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        ToolListAssessments,
		Description: "List a patient's most recent assessments, newest first",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"patient_id": {Type: "string", MinLength: jsonschema.Ptr(1)},
				"limit":      {Type: "integer", Minimum: jsonschema.Ptr(1.0), Maximum: jsonschema.Ptr(float64(maxListLimit))},
			},
			Required: []string{"patient_id"},
		},
	}, s.handleListAssessments)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        ToolGetModelInfo,
		Description: "Describe the risk model: version, feature schema and attribution support",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, s.handleGetModelInfo)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        ToolSaveSnapshot,
		Description: "Store or replace a patient's clinical snapshot in the local clinical database",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"snapshot": {Type: "object"},
			},
			Required: []string{"snapshot"},
		},
	}, s.handleSaveSnapshot)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        ToolExportAssessments,
		Description: "Export every stored assessment to a JSON file in the export directory",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"filename": {Type: "string", Description: "File name ending in .json"},
			},
		},
	}, s.handleExportAssessments)

	s.logger.WithField("tool_count", 6).Info("Successfully registered all tools")
}

func (s *LiteServer) handleAssessPatient(ctx context.Context, _ *mcp.CallToolRequest, args AssessPatientArgs) (*mcp.CallToolResult, any, error) {
	s.logger.WithFields(logrus.Fields{
		"tool":       ToolAssessPatient,
		"patient_id": args.PatientID,
		"inline":     args.Snapshot != nil,
	}).Info("Tool invoked")

	var (
		result *domain.AssessmentResult
		err    error
	)
	switch {
	case args.Snapshot != nil:
		if args.Snapshot.PatientID == "" {
			args.Snapshot.PatientID = args.PatientID
		}
		if args.PatientID != "" && args.Snapshot.PatientID != args.PatientID {
			return errorResult(domain.NewValidationError("patient_id", "does not match snapshot patient_id", args.PatientID)), nil, nil
		}
		result, err = s.service.AssessSnapshot(ctx, args.Snapshot)
	case args.PatientID != "":
		result, err = s.service.AssessPatient(ctx, args.PatientID)
	default:
		return errorResult(domain.NewValidationError("patient_id", "patient_id or snapshot is required", nil)), nil, nil
	}
	if err != nil {
		return errorResult(err), nil, nil
	}

	drivers := service.TopRiskDrivers(result.Attributions, summaryDrivers)
	out := AssessmentSummary{
		Summary:    summarize(result, drivers),
		TopDrivers: drivers,
		Assessment: result,
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: out.Summary}},
	}, out, nil
}

func (s *LiteServer) handleGetAssessment(ctx context.Context, _ *mcp.CallToolRequest, args GetAssessmentArgs) (*mcp.CallToolResult, any, error) {
	s.logger.WithFields(logrus.Fields{"tool": ToolGetAssessment, "assessment_id": args.AssessmentID}).Info("Tool invoked")

	result, err := s.service.GetAssessment(ctx, args.AssessmentID)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return nil, result, nil
}

func (s *LiteServer) handleListAssessments(ctx context.Context, _ *mcp.CallToolRequest, args ListAssessmentsArgs) (*mcp.CallToolResult, any, error) {
	s.logger.WithFields(logrus.Fields{"tool": ToolListAssessments, "patient_id": args.PatientID}).Info("Tool invoked")

	if args.PatientID == "" {
		return errorResult(domain.NewValidationError("patient_id", "patient_id is required", nil)), nil, nil
	}
	if args.Limit < 0 || args.Limit > maxListLimit {
		return errorResult(domain.NewValidationError("limit", "must be between 1 and 500", args.Limit)), nil, nil
	}

	results, err := s.service.ListAssessments(ctx, args.PatientID, args.Limit)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return nil, map[string]any{
		"patient_id":  args.PatientID,
		"count":       len(results),
		"assessments": results,
	}, nil
}

func (s *LiteServer) handleGetModelInfo(_ context.Context, _ *mcp.CallToolRequest, _ any) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", ToolGetModelInfo).Debug("Tool invoked")
	return nil, s.service.ModelInfo(), nil
}

func (s *LiteServer) handleSaveSnapshot(ctx context.Context, _ *mcp.CallToolRequest, args SaveSnapshotArgs) (*mcp.CallToolResult, any, error) {
	if args.Snapshot == nil {
		return errorResult(domain.NewValidationError("snapshot", "snapshot is required", nil)), nil, nil
	}
	s.logger.WithFields(logrus.Fields{"tool": ToolSaveSnapshot, "patient_id": args.Snapshot.PatientID}).Info("Tool invoked")

	if err := s.snapshots.SaveSnapshot(ctx, args.Snapshot); err != nil {
		return errorResult(err), nil, nil
	}
	stored, err := s.snapshots.GetSnapshot(ctx, args.Snapshot.PatientID)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return nil, map[string]any{
		"patient_id": stored.PatientID,
		"version":    stored.Version,
		"visits":     len(stored.Visits),
	}, nil
}

func (s *LiteServer) handleExportAssessments(ctx context.Context, _ *mcp.CallToolRequest, args ExportAssessmentsArgs) (*mcp.CallToolResult, any, error) {
	name := args.Filename
	if name == "" {
		name = fmt.Sprintf("assessments-%s.json", time.Now().UTC().Format("20060102-150405"))
	}
	if name != filepath.Base(name) || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
		return errorResult(domain.NewValidationError("filename", "must be a plain file name ending in .json", name)), nil, nil
	}
	path := filepath.Join(s.config.ExportDir(), name)
	s.logger.WithFields(logrus.Fields{"tool": ToolExportAssessments, "path": path}).Info("Tool invoked")

	count, err := s.store.Count(ctx)
	if err != nil {
		return errorResult(err), nil, nil
	}

	if err := s.writeExport(ctx, path); err != nil {
		return errorResult(err), nil, nil
	}
	return nil, map[string]any{"path": path, "count": count}, nil
}

// writeExport writes the store's export to path. A failed export leaves no file behind.
func (s *LiteServer) writeExport(ctx context.Context, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close export file: %w", closeErr)
		}
		if err != nil {
			if removeErr := os.Remove(path); removeErr != nil {
				s.logger.WithError(removeErr).WithField("path", path).Warn("Failed to remove partial export")
			}
		}
	}()

	return s.store.ExportJSON(ctx, f)
}

// summarize renders a one-paragraph description of an assessment for the model's context.
func summarize(result *domain.AssessmentResult, drivers []domain.Attribution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Patient %s: %s risk of post-treatment lung disease (probability %.2f, confidence %.2f).",
		result.PatientID, result.Score.Category, result.Score.Probability, result.Score.Confidence)

	if !result.Explained {
		b.WriteString(" The model did not provide feature attributions.")
	} else if len(drivers) > 0 {
		names := make([]string, len(drivers))
		for i, d := range drivers {
			names[i] = fmt.Sprintf("%s (+%.3f)", d.Feature, d.Contribution)
		}
		fmt.Fprintf(&b, " Main risk drivers: %s.", strings.Join(names, ", "))
	}

	if len(result.Recommendations) > 0 {
		fmt.Fprintf(&b, " %d recommendation(s); first: %s.", len(result.Recommendations), result.Recommendations[0].Title)
	}
	return b.String()
}

// errorResult reports a failed tool call with an MCPError body the client can read.
func errorResult(err error) *mcp.CallToolResult {
	body := domain.NewMCPError(domain.ErrorCode(err), err.Error(), "", "")
	if stage, ok := domain.FailedStage(err); ok {
		body.Stage = stage
	}
	text, marshalErr := json.Marshal(body)
	if marshalErr != nil {
		text = []byte(err.Error())
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(text)}},
	}
}
