package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Employeest/employeest-be/internal/config"
	"github.com/Employeest/employeest-be/internal/pipeline"
)

var (
	ciPipelineFile string
	ciResultsFile  string
	ciReportFile   string
)

var ciCmd = &cobra.Command{
	Use:   "ci",
	Short: "Continuous integration commands",
}

var ciRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the CI pipeline",
	Long: `Run executes the CI pipeline step by step: write the .env file from
secrets, download modules, check migrations, run the tests, then always
render the HTML report, archive results and report, and publish the report.

The command exits non-zero when any step failed, but only after every
always-step has run.`,
	RunE: runCI,
}

var ciReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render a go test -json results file as an HTML report",
	RunE:  runCIReport,
}

func init() {
	ciRunCmd.Flags().StringVar(&ciPipelineFile, "file", "", "pipeline definition (YAML); defaults to the built-in pipeline")
	ciReportCmd.Flags().StringVar(&ciResultsFile, "results", "", "go test -json output (defaults to ci.results_file)")
	ciReportCmd.Flags().StringVar(&ciReportFile, "out", "", "HTML report path (defaults to ci.report_file)")

	ciCmd.AddCommand(ciRunCmd)
	ciCmd.AddCommand(ciReportCmd)
}

func runCI(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer app.Close()

	ciCfg := cfg.CI
	if ciPipelineFile != "" {
		ciCfg.PipelineFile = ciPipelineFile
	}

	p, err := loadPipeline(ciCfg)
	if err != nil {
		return err
	}

	artifacts, site, err := buildStores(ctx, ciCfg)
	if err != nil {
		return err
	}

	runID := pipeline.RunID(os.Getenv, time.Now)
	log := logger.With("run_id", runID, "pipeline", p.Name)

	builtins := pipeline.Builtins(ciCfg, pipeline.Deps{
		Artifacts: artifacts,
		Site:      site,
		RunID:     runID,
	}, log)

	result, err := pipeline.NewRunner(builtins, log).Run(ctx, p)
	if err != nil {
		return err
	}

	var failed []string
	for _, s := range result.Steps {
		if s.Status == pipeline.StatusFailed {
			failed = append(failed, s.Name)
		}
	}
	log.Info("pipeline finished", "status", result.Status, "steps", len(result.Steps), "failed", failed)

	if result.Failed() {
		return fmt.Errorf("pipeline failed: %v", failed)
	}
	return nil
}

func runCIReport(cmd *cobra.Command, args []string) error {
	defer app.Close()

	results := firstNonEmpty(ciResultsFile, cfg.CI.ResultsFile)
	out := firstNonEmpty(ciReportFile, cfg.CI.ReportFile)

	summary, err := pipeline.WriteReport(results, out, pipeline.RunID(os.Getenv, time.Now), time.Now())
	if err != nil {
		return err
	}
	logger.Info("test report written",
		"path", out,
		"status", summary.Status(),
		"total", summary.Total(),
		"failed", summary.Failed,
	)
	return nil
}

func loadPipeline(ciCfg config.CIConfig) (*pipeline.Pipeline, error) {
	if ciCfg.PipelineFile != "" {
		return pipeline.Load(ciCfg.PipelineFile)
	}

	self, err := os.Executable()
	if err != nil {
		self = "employeest"
	}
	return pipeline.Default(ciCfg, self), nil
}

// buildStores picks S3 when a bucket is configured and the local directories
// otherwise.
func buildStores(ctx context.Context, ciCfg config.CIConfig) (artifacts, site pipeline.Store, err error) {
	artifacts = &pipeline.LocalStore{Root: ciCfg.ArtifactDir, RetentionDays: ciCfg.RetentionDays}
	site = &pipeline.LocalStore{Root: ciCfg.SiteDir, Overwrite: true}

	s3cfg := ciCfg.S3
	if s3cfg.ArtifactBucket == "" && s3cfg.SiteBucket == "" {
		return artifacts, site, nil
	}

	client, err := pipeline.NewS3Client(ctx, s3cfg)
	if err != nil {
		return nil, nil, err
	}
	if s3cfg.ArtifactBucket != "" {
		artifacts = pipeline.NewArtifactStore(client, s3cfg.ArtifactBucket, s3cfg.ArtifactPrefix, ciCfg.RetentionDays)
	}
	if s3cfg.SiteBucket != "" {
		site = pipeline.NewSiteStore(client, s3cfg.SiteBucket, s3cfg.SitePrefix)
	}
	return artifacts, site, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
