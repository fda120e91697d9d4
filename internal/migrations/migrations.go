// Package migrations owns the service schema: the embedded SQL files and the
// migrator that applies them with golang-migrate.
package migrations

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the pgx5:// scheme
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/Employeest/employeest-be/internal/config"
)

//go:embed sql/*.sql
var files embed.FS

const sourceDir = "sql"

// ErrDirtySchema is returned when a previous migration stopped half way and
// the schema needs manual repair before any further migration.
var ErrDirtySchema = errors.New("schema is dirty")

// runner is the subset of *migrate.Migrate used by Migrator. Tests inject a
// fake so no database is needed.
type runner interface {
	Up() error
	Version() (uint, bool, error)
	Stop()
	Close() (error, error)
}

type migrateRunner struct {
	*migrate.Migrate
}

func (r migrateRunner) Stop() {
	select {
	case r.GracefulStop <- true:
	default:
	}
}

// defaultStopGrace bounds how long Up waits for migrate to acknowledge a
// cancellation before giving up on it.
const defaultStopGrace = 5 * time.Second

// Migrator applies the embedded migrations to Postgres.
type Migrator struct {
	url       string
	logger    *slog.Logger
	open      func(url string, logger *slog.Logger) (runner, error)
	stopGrace time.Duration
}

// Option customises a Migrator.
type Option func(*migratorOptions)

type migratorOptions struct {
	sessionTimeout time.Duration
}

// WithSessionTimeout caps the connect time, every statement and every lock
// wait (including the migrate advisory lock) on the migration connection.
// GracefulStop only acts between migrations, so this is what bounds a hung
// statement.
func WithSessionTimeout(d time.Duration) Option {
	return func(o *migratorOptions) { o.sessionTimeout = d }
}

// New returns a Migrator for the given database. No connection is made until
// Up or Version is called.
func New(cfg config.PostgresConfig, logger *slog.Logger, opts ...Option) *Migrator {
	var o migratorOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Migrator{
		url:       cfg.URLWithParams("pgx5", sessionParams(o.sessionTimeout)),
		logger:    logger,
		open:      openRunner,
		stopGrace: defaultStopGrace,
	}
}

// sessionParams renders the pgx connection parameters for d. pgx sends
// statement_timeout and lock_timeout to the server as runtime parameters.
func sessionParams(d time.Duration) url.Values {
	if d <= 0 {
		return nil
	}
	ms := strconv.FormatInt(d.Milliseconds(), 10)
	return url.Values{
		"connect_timeout":   {strconv.FormatInt(int64(max(d/time.Second, 1)), 10)},
		"statement_timeout": {ms},
		"lock_timeout":      {ms},
	}
}

// Up applies every pending migration. A schema that is already current is a
// no-op, so Up is safe to call on every boot. Cancelling ctx asks migrate to
// stop after the migration in flight; if it has not stopped within the grace
// period Up returns anyway and the statement is left to the session timeout.
func (m *Migrator) Up(ctx context.Context) error {
	r, err := m.open(m.url, m.logger)
	if err != nil {
		return err
	}
	defer closeRunner(r, m.logger)

	done := make(chan error, 1)
	go func() { done <- r.Up() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		r.Stop()
		select {
		case <-done:
		case <-time.After(m.stopGrace):
			m.logger.WarnContext(ctx, "migration did not stop in time, abandoning it", "grace", m.stopGrace)
		}
		return fmt.Errorf("migration interrupted: %w", ctx.Err())
	}

	switch {
	case err == nil:
		v, _, _ := r.Version()
		m.logger.InfoContext(ctx, "migrations applied", "version", v)
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		m.logger.InfoContext(ctx, "no migrations to apply")
		return nil
	}

	var dirty migrate.ErrDirty
	if errors.As(err, &dirty) {
		return fmt.Errorf("%w at version %d", ErrDirtySchema, dirty.Version)
	}
	return fmt.Errorf("applying migrations: %w", err)
}

// Version reports the schema version currently recorded in schema_migrations.
// A fresh database reports version 0.
func (m *Migrator) Version(_ context.Context) (uint, bool, error) {
	r, err := m.open(m.url, m.logger)
	if err != nil {
		return 0, false, err
	}
	defer closeRunner(r, m.logger)

	v, dirty, err := r.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading schema version: %w", err)
	}
	return v, dirty, nil
}

func openRunner(url string, logger *slog.Logger) (runner, error) {
	src, err := iofs.New(files, sourceDir)
	if err != nil {
		return nil, fmt.Errorf("loading embedded migrations: %w", err)
	}
	mg, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return nil, fmt.Errorf("opening migration target: %w", err)
	}
	mg.Log = migrateLogger{logger: logger}
	return migrateRunner{Migrate: mg}, nil
}

func closeRunner(r runner, logger *slog.Logger) {
	srcErr, dbErr := r.Close()
	if srcErr != nil || dbErr != nil {
		logger.Warn("closing migrator", "source_err", srcErr, "db_err", dbErr)
	}
}

// migrateLogger adapts slog to migrate.Logger.
type migrateLogger struct {
	logger *slog.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool { return false }

// Verify checks the embedded migration set.
func Verify() ([]uint, error) {
	return VerifyFS(files, sourceDir)
}

// VerifyFS checks that the migrations under dir form a usable sequence: at
// least one version, and every version ships both an up and a down file.
// It returns the versions in order.
func VerifyFS(fsys fs.FS, dir string) ([]uint, error) {
	src, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("loading migrations: %w", err)
	}
	defer src.Close() //nolint:errcheck

	v, err := src.First()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.New("no migrations found")
		}
		return nil, fmt.Errorf("reading first migration: %w", err)
	}

	var versions []uint
	for {
		up, _, err := src.ReadUp(v)
		if err != nil {
			return versions, fmt.Errorf("migration %d has no up file: %w", v, err)
		}
		up.Close() //nolint:errcheck

		down, _, err := src.ReadDown(v)
		if err != nil {
			return versions, fmt.Errorf("migration %d has no down file: %w", v, err)
		}
		down.Close() //nolint:errcheck

		versions = append(versions, v)

		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return versions, nil
		}
		if err != nil {
			return versions, fmt.Errorf("reading migration after %d: %w", v, err)
		}
		v = next
	}
}
