package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Employeest/employeest-be/internal/config"
	"github.com/Employeest/employeest-be/internal/telemetry"
)

var (
	cfgFile  string
	logLevel string

	// cfg is populated by PersistentPreRunE and shared with all subcommands.
	cfg *config.Config

	// logger is the process logger, also installed as the slog default.
	logger *slog.Logger

	// app holds all wired dependencies; populated by PersistentPreRunE.
	app *AppContext
)

var rootCmd = &cobra.Command{
	Use:   "employeest",
	Short: "Employeest backend: bootstrap, service and CI runner",
	Long: `employeest runs the Employeest backend.

In a container the entrypoint command applies pending schema migrations,
creates the admin account from DJANGO_SUPERUSER_* when all three are set,
and then replaces itself with the service process listening on port 8000.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogger(logLevel)

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		// --log-level flag takes precedence over value in config file.
		if cmd.Flags().Changed("log-level") {
			cfg.Telemetry.LogLevel = logLevel
		} else if cfg.Telemetry.LogLevel != "" {
			initLogger(cfg.Telemetry.LogLevel)
		}

		app = buildAppContext(context.Background(), cfg, logger)
		return nil
	}

	rootCmd.AddCommand(entrypointCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(createAdminCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ciCmd)
}

// Execute is the entry point called by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initLogger(level string) {
	logger = telemetry.NewLogger(os.Stdout, level)
	slog.SetDefault(logger)
}
