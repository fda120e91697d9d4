package clients

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/bcrypt"

	"github.com/Employeest/employeest-be/internal/config"
	"github.com/Employeest/employeest-be/internal/orchestrator"
	"github.com/Employeest/employeest-be/internal/provision"
)

const probeName = "postgres"

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

const (
	accountExistsSQL = `SELECT EXISTS (SELECT 1 FROM accounts WHERE username = $1)`
	countMatchingSQL = `SELECT COUNT(*) FROM accounts WHERE LOWER(username) = LOWER($1)`
	insertAccountSQL = `INSERT INTO accounts (username, email, password_hash, is_privileged, is_active)
VALUES ($1, $2, $3, TRUE, TRUE)`
	schemaProbeSQL = `SELECT 1 FROM information_schema.tables WHERE table_schema='public' AND table_name='schema_migrations'`
)

// db abstracts the pgxpool.Pool methods the client uses so tests can inject a
// fake without standing up a real database.
type db interface {
	Ping(ctx context.Context) error
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// PostgresClient is the managed service's account store. It wraps a lazily
// opened pgx pool with a circuit breaker and satisfies provision.AccountStore.
type PostgresClient struct {
	cfg     config.PostgresConfig
	cb      *gobreaker.CircuitBreaker
	connect func(ctx context.Context, cfg config.PostgresConfig) (db, error)
	hash    func(password string) (string, error)

	mu   sync.Mutex
	pool db
}

// NewPostgresClient creates a PostgresClient. No connection is made at
// construction time; the pool is opened on first use and reused after that.
func NewPostgresClient(cfg config.PostgresConfig, cb *gobreaker.CircuitBreaker) *PostgresClient {
	return &PostgresClient{
		cfg:     cfg,
		cb:      cb,
		connect: realConnect,
		hash:    hashPassword,
	}
}

// AccountExists reports whether an account with exactly this username exists.
func (c *PostgresClient) AccountExists(ctx context.Context, username string) (bool, error) {
	out, err := c.execute(ctx, func(pool db) (any, error) {
		var exists bool
		if err := pool.QueryRow(ctx, accountExistsSQL, username).Scan(&exists); err != nil {
			return nil, fmt.Errorf("looking up account: %w", err)
		}
		return exists, nil
	})
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

// CountAccountsMatching counts accounts whose username matches case-insensitively.
// Usernames are only unique case-sensitively, so more than one row can match.
func (c *PostgresClient) CountAccountsMatching(ctx context.Context, username string) (int, error) {
	out, err := c.execute(ctx, func(pool db) (any, error) {
		var n int
		if err := pool.QueryRow(ctx, countMatchingSQL, username).Scan(&n); err != nil {
			return nil, fmt.Errorf("counting accounts: %w", err)
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return out.(int), nil
}

// CreatePrivilegedAccount inserts an active privileged account with a bcrypt
// hashed password. A username collision returns provision.ErrAccountExists.
func (c *PostgresClient) CreatePrivilegedAccount(ctx context.Context, username, email, password string) error {
	hashed, err := c.hash(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	// A collision is reported as a value, not an error, so it does not count
	// against the breaker.
	out, err := c.execute(ctx, func(pool db) (any, error) {
		_, err := pool.Exec(ctx, insertAccountSQL, username, email, hashed)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return true, nil
		}
		if err != nil {
			return nil, fmt.Errorf("inserting account: %w", err)
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if out.(bool) {
		return provision.ErrAccountExists
	}
	return nil
}

// Probe pings Postgres and verifies the schema_migrations table exists in the
// public schema, which is only true once migrations have run.
func (c *PostgresClient) Probe(ctx context.Context) orchestrator.ProbeResult {
	start := time.Now()

	_, err := c.execute(ctx, func(pool db) (any, error) {
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}
		var exists int
		if err := pool.QueryRow(ctx, schemaProbeSQL).Scan(&exists); err != nil {
			return nil, fmt.Errorf("schema_migrations table not found: %w", err)
		}
		return nil, nil
	})

	latency := time.Since(start).Milliseconds()

	if err != nil {
		errMsg := err.Error()
		if errors.Is(err, gobreaker.ErrOpenState) {
			errMsg = "circuit open"
		}
		return orchestrator.ProbeResult{
			Name:      probeName,
			OK:        false,
			LatencyMs: latency,
			Error:     errMsg,
		}
	}

	return orchestrator.ProbeResult{
		Name:      probeName,
		OK:        true,
		LatencyMs: latency,
	}
}

// Close releases the pool if one was opened.
func (c *PostgresClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
}

// execute runs fn against the shared pool inside the circuit breaker.
func (c *PostgresClient) execute(ctx context.Context, fn func(pool db) (any, error)) (any, error) {
	out, err := c.cb.Execute(func() (any, error) {
		pool, err := c.getPool(ctx)
		if err != nil {
			return nil, err
		}
		return fn(pool)
	})
	if errors.Is(err, gobreaker.ErrOpenState) {
		return nil, fmt.Errorf("circuit open: %w", err)
	}
	return out, err
}

func (c *PostgresClient) getPool(ctx context.Context) (db, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != nil {
		return c.pool, nil
	}
	pool, err := c.connect(ctx, c.cfg)
	if err != nil {
		return nil, err
	}
	c.pool = pool
	return pool, nil
}

// realConnect opens a pgxpool.Pool using the provided PostgresConfig.
func realConnect(ctx context.Context, cfg config.PostgresConfig) (db, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL("postgres"))
	if err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}

	return pool, nil
}

func hashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
