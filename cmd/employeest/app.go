package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Employeest/employeest-be/internal/clients"
	"github.com/Employeest/employeest-be/internal/config"
	"github.com/Employeest/employeest-be/internal/migrations"
	"github.com/Employeest/employeest-be/internal/provision"
	"github.com/Employeest/employeest-be/internal/telemetry"
)

// AppContext holds the dependencies shared across subcommands. Nothing in it
// dials the database until first use, so commands that never touch Postgres
// (ci, migrate --check) pay nothing for it.
type AppContext struct {
	cfg          *config.Config
	logger       *slog.Logger
	otelProvider *telemetry.Provider
	store        *clients.PostgresClient

	closeOnce sync.Once
}

func buildAppContext(ctx context.Context, cfg *config.Config, logger *slog.Logger) *AppContext {
	return &AppContext{
		cfg:    cfg,
		logger: logger,
		otelProvider: telemetry.Setup(ctx, cfg.Telemetry, logger),
		store: clients.NewPostgresClient(cfg.Database, clients.NewCircuitBreaker("postgres", logger)),
	}
}

func (a *AppContext) migrator() *migrations.Migrator {
	return migrations.New(a.cfg.Database, telemetry.Stage(a.logger, "migrate"),
		migrations.WithSessionTimeout(a.cfg.Bootstrap.MigrateTimeout),
	)
}

func (a *AppContext) provisioner() *provision.Provisioner {
	return provision.New(a.store, telemetry.Stage(a.logger, "provision"))
}

// Close releases the pool and flushes telemetry.
func (a *AppContext) Close() {
	a.closeOnce.Do(func() {
		a.store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.otelProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("OTEL shutdown error", "err", err)
		}
	})
}
