package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ptld-risk-mcp-server/internal/config"
	"github.com/ptld-risk-mcp-server/internal/domain"
	"github.com/ptld-risk-mcp-server/internal/oracle"
	"github.com/ptld-risk-mcp-server/internal/service"
	"github.com/ptld-risk-mcp-server/internal/setup"
	"github.com/ptld-risk-mcp-server/internal/snapshot"
)

// cli holds the flags shared by every command.
type cli struct {
	modelPath     string
	templatesFile string
	logLevel      string
	output        string
}

func newRootCommand() *cobra.Command {
	lite := config.LoadLiteConfig()
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:           "ptldctl",
		Short:         "Post-treatment lung disease risk assessment",
		Long:          "Assess tuberculosis patients' risk of post-treatment lung disease from clinical snapshot files.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.output != "json" && c.output != "text" {
				return fmt.Errorf("unknown output format %q (want json or text)", c.output)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&c.modelPath, "model", "m", lite.ModelPath, "Model file")
	rootCmd.PersistentFlags().StringVar(&c.templatesFile, "templates", lite.TemplatesFile, "Recommendation templates file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "Log level")
	rootCmd.PersistentFlags().StringVarP(&c.output, "output", "o", "text", "Output format: text or json")

	rootCmd.AddCommand(newAssessCommand(c))
	rootCmd.AddCommand(newBatchCommand(c))
	rootCmd.AddCommand(newModelCommand(c))
	rootCmd.AddCommand(newRulesCommand(c))
	rootCmd.AddCommand(newSetupCommand())

	return rootCmd
}

func newAssessCommand(c *cli) *cobra.Command {
	var snapshotPath string

	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Assess one snapshot file",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := snapshot.LoadSnapshotFile(snapshotPath)
			if err != nil {
				return err
			}
			assessor, err := c.newAssessor()
			if err != nil {
				return err
			}

			result, err := assessor.Assess(cmd.Context(), s)
			if err != nil {
				return describeFailure(err)
			}

			if c.output == "json" {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			writeResult(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().StringVarP(&snapshotPath, "snapshot", "s", "", "Clinical snapshot JSON file")
	_ = cmd.MarkFlagRequired("snapshot")
	return cmd
}

// batchLine is one row of batch output.
type batchLine struct {
	PatientID   string              `json:"patient_id"`
	Category    domain.RiskCategory `json:"category,omitempty"`
	Probability float64             `json:"probability,omitempty"`
	Code        string              `json:"error_code,omitempty"`
	Stage       domain.Stage        `json:"stage,omitempty"`
	Error       string              `json:"error,omitempty"`
}

func newBatchCommand(c *cli) *cobra.Command {
	var (
		dir     string
		workers int
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Assess every snapshot file in a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshots, err := snapshot.LoadSnapshotDir(dir)
			if err != nil {
				return err
			}
			if len(snapshots) == 0 {
				return fmt.Errorf("no snapshot files in %s", dir)
			}
			assessor, err := c.newAssessor()
			if err != nil {
				return err
			}

			items := assessor.AssessBatch(cmd.Context(), snapshots, workers)

			lines := make([]batchLine, len(items))
			failed := 0
			for i, item := range items {
				lines[i].PatientID = item.PatientID
				if item.Err != nil {
					failed++
					lines[i].Code = domain.ErrorCode(item.Err)
					lines[i].Stage, _ = domain.FailedStage(item.Err)
					lines[i].Error = item.Err.Error()
					continue
				}
				lines[i].Category = item.Result.Score.Category
				lines[i].Probability = item.Result.Score.Probability
			}

			out := cmd.OutOrStdout()
			if c.output == "json" {
				if err := writeJSON(out, lines); err != nil {
					return err
				}
			} else {
				for _, l := range lines {
					if l.Code != "" {
						fmt.Fprintf(out, "%-16s FAILED  %s at %s\n", l.PatientID, l.Code, l.Stage)
						continue
					}
					fmt.Fprintf(out, "%-16s %-6s  %.3f\n", l.PatientID, l.Category, l.Probability)
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d assessments failed", failed, len(items))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "Directory of snapshot JSON files")
	cmd.Flags().IntVarP(&workers, "workers", "w", 4, "Concurrent assessments")
	return cmd
}

func newModelCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "model",
		Short: "Describe the model file",
		RunE: func(cmd *cobra.Command, args []string) error {
			model, err := oracle.LoadLogisticOracle(c.modelPath)
			if err != nil {
				return err
			}
			_, explains := interface{}(model).(domain.Attributor)
			info := domain.ModelInfo{
				ModelVersion:        model.ModelVersion(),
				SchemaVersion:       model.ModelSchemaVersion(),
				Features:            model.ExpectedFeatures(),
				SupportsAttribution: explains,
			}

			out := cmd.OutOrStdout()
			if c.output == "json" {
				return writeJSON(out, info)
			}
			fmt.Fprintf(out, "Model:       %s\n", info.ModelVersion)
			fmt.Fprintf(out, "Schema:      %s\n", info.SchemaVersion)
			fmt.Fprintf(out, "Attribution: %t\n", info.SupportsAttribution)
			fmt.Fprintf(out, "Features:    %s\n", strings.Join(info.Features, ", "))
			return nil
		},
	}
}

// ruleLine is one row of the rules listing.
type ruleLine struct {
	Code     string          `json:"code"`
	Category string          `json:"category"`
	Priority domain.Priority `json:"priority"`
	Title    string          `json:"title"`
}

func newRulesCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List the recommendation rule table in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := c.newLogger()
			if err != nil {
				return err
			}
			cfg := domain.DefaultAssessmentConfig()
			cfg.TemplatesFile = c.templatesFile
			engine, err := service.NewRecommendationEngineFromConfig(cfg, logger)
			if err != nil {
				return err
			}

			rules := engine.Rules()
			lines := make([]ruleLine, len(rules))
			for i, r := range rules {
				lines[i] = ruleLine{Code: r.Code, Category: r.Template.Category, Priority: r.Template.Priority, Title: r.Template.Title}
			}

			out := cmd.OutOrStdout()
			if c.output == "json" {
				return writeJSON(out, lines)
			}
			for _, l := range lines {
				fmt.Fprintf(out, "%-28s %-7s %s\n", l.Code, l.Priority, l.Title)
			}
			return nil
		},
	}
}

func newSetupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Register the lite MCP server with a desktop client",
	}

	var opts setup.Options
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Add the server to the client configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := setup.Register(opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s in %s\nRestart the client to load it.\n", setup.ServerName, path)
			return nil
		},
	}
	registerCmd.Flags().StringVar(&opts.ConfigPath, "config", "", "Client config file (default: platform location)")
	registerCmd.Flags().StringVar(&opts.BinaryPath, "binary", "", "Server binary (default: search PATH)")
	registerCmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "Data directory")
	registerCmd.Flags().StringVar(&opts.ModelPath, "model-path", "", "Model file")

	var configPath string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show registration and model status",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := setup.GetStatus(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Client config: %s\n", status.ClientConfigPath)
			fmt.Fprintf(out, "Registered:    %t\n", status.Registered)
			fmt.Fprintf(out, "Data dir:      %s\n", status.DataDir)
			fmt.Fprintf(out, "Model:         %s %s\n", status.ModelPath, status.ModelVersion)
			for _, issue := range status.Issues {
				fmt.Fprintf(out, "  ! %s\n", issue)
			}
			if !status.Ready() {
				return fmt.Errorf("installation is not ready")
			}
			return nil
		},
	}
	statusCmd.Flags().StringVar(&configPath, "config", "", "Client config file (default: platform location)")

	cmd.AddCommand(registerCmd, statusCmd)
	return cmd
}

func (c *cli) newLogger() (*logrus.Logger, error) {
	return config.NewLogger(domain.LoggingConfig{Level: c.logLevel, Format: "text", Output: "stderr"})
}

func (c *cli) newAssessor() (*service.Assessor, error) {
	logger, err := c.newLogger()
	if err != nil {
		return nil, err
	}
	model, err := oracle.LoadLogisticOracle(c.modelPath)
	if err != nil {
		return nil, err
	}
	cfg := domain.DefaultAssessmentConfig()
	cfg.TemplatesFile = c.templatesFile
	return service.NewAssessor(model, cfg, logger)
}

// describeFailure prefixes a pipeline error with its code and stage.
func describeFailure(err error) error {
	stage, ok := domain.FailedStage(err)
	if !ok {
		return err
	}
	return fmt.Errorf("%s at %s: %w", domain.ErrorCode(err), stage, err)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeResult(w io.Writer, r *domain.AssessmentResult) {
	fmt.Fprintf(w, "Patient:     %s\n", r.PatientID)
	fmt.Fprintf(w, "Risk:        %s (p=%.3f, confidence %.2f, %s)\n",
		r.Score.Category, r.Score.Probability, r.Score.Confidence, r.Score.ConfidenceSource)
	fmt.Fprintf(w, "Model:       %s\n", r.ModelVersion)

	if r.Explained {
		fmt.Fprintln(w, "Drivers:")
		for _, a := range service.TopRiskDrivers(r.Attributions, 3) {
			fmt.Fprintf(w, "  %-20s %+.3f\n", a.Feature, a.Contribution)
		}
	}

	fmt.Fprintln(w, "Recommendations:")
	for _, rec := range r.Recommendations {
		fmt.Fprintf(w, "  [%s] %s\n", rec.Priority, rec.Title)
		for _, action := range rec.Actions {
			fmt.Fprintf(w, "      - %s\n", action)
		}
	}
}
