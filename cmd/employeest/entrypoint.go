package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Employeest/employeest-be/internal/handoff"
	"github.com/Employeest/employeest-be/internal/orchestrator"
	"github.com/Employeest/employeest-be/internal/telemetry"
)

var entrypointCmd = &cobra.Command{
	Use:   "entrypoint",
	Short: "Migrate, provision the admin account, then become the service",
	Long: `Entrypoint is the container start command.

It applies pending schema migrations (exiting non-zero if that fails),
creates the admin account when DJANGO_SUPERUSER_USERNAME, _EMAIL and
_PASSWORD are all set, and finally execs "employeest serve" in place of
itself. Provisioning problems are logged and never stop the service.`,
	RunE: runEntrypoint,
}

func runEntrypoint(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer app.Close()

	launcher := handoff.NewExecLauncher(telemetry.Stage(logger, orchestrator.PhaseServe), cfg.Bootstrap.ServeArgs...)
	// Deferred cleanup never runs after a successful exec.
	launcher.BeforeExec = func(context.Context) { app.Close() }

	orch := orchestrator.New(
		app.migrator(),
		app.provisioner(),
		launcher,
		cfg.Admin,
		logger,
		orchestrator.WithTimeouts(cfg.Bootstrap.MigrateTimeout, cfg.Bootstrap.ProvisionTimeout),
		orchestrator.WithReportPath(cfg.Bootstrap.ReportPath),
	)

	result, err := orch.Run(ctx)
	if result != nil {
		printBootstrapResult(result)
	}
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	return nil
}

func printBootstrapResult(result *orchestrator.BootstrapResult) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(os.Stdout, `{"status":%q}`+"\n", result.Status)
	}
}
