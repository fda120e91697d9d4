package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Employeest/employeest-be/internal/migrations"
)

var migrateCheck bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long: `Migrate applies every pending schema migration and exits. Running it
against an up-to-date database is a no-op.

With --check it only validates the migrations compiled into the binary and
never connects to the database.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateCheck, "check", false, "validate embedded migrations without touching the database")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	defer app.Close()

	if migrateCheck {
		versions, err := migrations.Verify()
		if err != nil {
			return fmt.Errorf("migration check failed: %w", err)
		}
		logger.Info("migrations valid", "count", len(versions), "latest", versions[len(versions)-1])
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d := cfg.Bootstrap.MigrateTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	m := app.migrator()
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := m.Version(ctx)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	logger.Info("schema up to date", "version", version, "dirty", dirty)
	return nil
}
