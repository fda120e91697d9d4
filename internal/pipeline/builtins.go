package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/Employeest/employeest-be/internal/config"
)

// SiteIndex is the key the published report is stored under.
const SiteIndex = "index.html"

// Deps are the collaborators the built-in steps need.
type Deps struct {
	// Artifacts receives the results and report files of each run.
	Artifacts Store
	// Site receives the published report.
	Site  Store
	RunID string

	Getenv func(string) string
	Now    func() time.Time
}

// Builtins returns the built-in steps bound to cfg.
func Builtins(cfg config.CIConfig, deps Deps, logger *slog.Logger) map[string]Builtin {
	if deps.Getenv == nil {
		deps.Getenv = os.Getenv
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return map[string]Builtin{
		BuiltinEnvFile: func(ctx context.Context) error {
			return WriteEnvFile(cfg.EnvFile, cfg.Secrets, deps.Getenv, logger)
		},
		BuiltinReport: func(ctx context.Context) error {
			summary, err := WriteReport(cfg.ResultsFile, cfg.ReportFile, deps.RunID, deps.Now())
			if err != nil {
				return err
			}
			logger.Info("test report written",
				"path", cfg.ReportFile,
				"status", summary.Status(),
				"passed", summary.Passed,
				"failed", summary.Failed,
				"skipped", summary.Skipped,
				"incomplete", summary.Incomplete,
			)
			return nil
		},
		BuiltinUploadArtifacts: func(ctx context.Context) error {
			return UploadArtifacts(ctx, deps.Artifacts, deps.RunID, []string{cfg.ResultsFile, cfg.ReportFile}, logger)
		},
		BuiltinPublishReport: func(ctx context.Context) error {
			return PublishReport(ctx, deps.Site, cfg.ReportFile, logger)
		},
	}
}

// WriteEnvFile materializes the named secrets from the environment into a
// dotenv file readable only by the current user. Unset secrets are written
// empty so the consumer sees every expected key.
func WriteEnvFile(dst string, secrets []string, getenv func(string) string, logger *slog.Logger) error {
	values := make(map[string]string, len(secrets))
	var missing []string
	for _, name := range secrets {
		v := getenv(name)
		if v == "" {
			missing = append(missing, name)
		}
		values[name] = v
	}
	if len(missing) > 0 {
		logger.Warn("secrets not set, writing empty values", "names", missing)
	}

	if err := godotenv.Write(values, dst); err != nil {
		return fmt.Errorf("writing env file: %w", err)
	}
	if err := os.Chmod(dst, 0o600); err != nil {
		return fmt.Errorf("restricting env file: %w", err)
	}
	logger.Info("env file written", "path", dst, "keys", len(values))
	return nil
}

// UploadArtifacts stores each file under <runID>/<basename>. Files that do
// not exist are skipped so a crashed test run still archives its report.
// Stores that implement Retainer then have their retention window enforced.
func UploadArtifacts(ctx context.Context, store Store, runID string, files []string, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	uploaded := 0

	for _, file := range files {
		if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
			logger.Warn("artifact missing, not uploading", "path", file)
			continue
		}
		uploaded++

		key := path.Join(runID, filepath.Base(file))
		g.Go(func() error {
			if err := store.Put(gctx, key, file); err != nil {
				return fmt.Errorf("uploading %s: %w", file, err)
			}
			logger.Info("artifact uploaded", "path", file, "key", key, "store", store.Location())
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if uploaded == 0 {
		return errors.New("no artifacts to upload")
	}

	if r, ok := store.(Retainer); ok {
		if err := r.EnforceRetention(ctx); err != nil {
			return fmt.Errorf("enforcing artifact retention: %w", err)
		}
	}
	return nil
}

// PublishReport replaces the whole site with the report as its index page.
func PublishReport(ctx context.Context, site Store, reportPath string, logger *slog.Logger) error {
	if _, err := os.Stat(reportPath); err != nil {
		return fmt.Errorf("report not available: %w", err)
	}
	if err := site.Clear(ctx); err != nil {
		return fmt.Errorf("clearing site: %w", err)
	}
	if err := site.Put(ctx, SiteIndex, reportPath); err != nil {
		return fmt.Errorf("publishing report: %w", err)
	}
	logger.Info("report published", "site", site.Location())
	return nil
}
