package clients

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Employeest/employeest-be/internal/config"
	"github.com/Employeest/employeest-be/internal/provision"
)

// mockRow implements pgx.Row for use in tests.
type mockRow struct {
	scanErr error
	val     int
	found   bool
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	if len(dest) > 0 {
		switch ptr := dest[0].(type) {
		case *int:
			*ptr = r.val
		case *bool:
			*ptr = r.found
		}
	}
	return nil
}

type execCall struct {
	sql  string
	args []any
}

// mockDB implements db for use in tests.
type mockDB struct {
	pingErr  error
	queryRow pgx.Row
	execErr  error
	execs    []execCall
	queries  []string
	closed   bool
}

func (m *mockDB) Ping(_ context.Context) error { return m.pingErr }
func (m *mockDB) Close()                       { m.closed = true }
func (m *mockDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	m.queries = append(m.queries, sql)
	return m.queryRow
}
func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.execs = append(m.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), m.execErr
}

// makeClient returns a PostgresClient with a stubbed connect function and a
// cheap password hash.
func makeClient(d db, connectErr error, cb *gobreaker.CircuitBreaker) *PostgresClient {
	return &PostgresClient{
		cfg: config.PostgresConfig{},
		cb:  cb,
		connect: func(_ context.Context, _ config.PostgresConfig) (db, error) {
			return d, connectErr
		},
		hash: func(p string) (string, error) { return "hashed:" + p, nil },
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		pingErr    error
		scanErr    error
		connectErr error
		wantOK     bool
		wantErrSub string
	}{
		{
			name:   "success - ping ok and schema_migrations table exists",
			wantOK: true,
		},
		{
			name:       "failure - ping error",
			pingErr:    errors.New("connection refused"),
			wantErrSub: "ping",
		},
		{
			name:       "failure - schema_migrations table absent",
			scanErr:    errors.New("no rows in result set"),
			wantErrSub: "schema_migrations",
		},
		{
			name:       "failure - connect error",
			connectErr: errors.New("dial error"),
			wantErrSub: "dial error",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cb := NewCircuitBreaker("test-"+tc.name, discardLogger())

			var client *PostgresClient
			if tc.connectErr != nil {
				client = makeClient(nil, tc.connectErr, cb)
			} else {
				client = makeClient(&mockDB{
					pingErr:  tc.pingErr,
					queryRow: &mockRow{scanErr: tc.scanErr, val: 1},
				}, nil, cb)
			}

			result := client.Probe(context.Background())

			assert.Equal(t, "postgres", result.Name)
			assert.Equal(t, tc.wantOK, result.OK)
			if tc.wantErrSub != "" {
				assert.Contains(t, result.Error, tc.wantErrSub)
			}
			if tc.wantOK {
				assert.Empty(t, result.Error)
			}
		})
	}
}

func TestProbeCircuitBreaker_OpensAfterThreeFailures(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("cb-open-test", discardLogger())
	client := makeClient(&mockDB{
		pingErr:  errors.New("connection refused"),
		queryRow: &mockRow{val: 1},
	}, nil, cb)

	for i := range 3 {
		result := client.Probe(context.Background())
		assert.False(t, result.OK, "probe %d should fail", i+1)
		assert.NotEqual(t, "circuit open", result.Error,
			"probe %d should not be circuit-open yet", i+1)
	}

	result := client.Probe(context.Background())
	assert.False(t, result.OK)
	assert.Equal(t, "circuit open", result.Error)
}

func TestCountAccountsMatching(t *testing.T) {
	t.Parallel()

	d := &mockDB{queryRow: &mockRow{val: 2}}
	client := makeClient(d, nil, NewCircuitBreaker("count", discardLogger()))

	n, err := client.CountAccountsMatching(context.Background(), "Admin")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, d.queries, 1)
	assert.Contains(t, d.queries[0], "LOWER(username) = LOWER($1)")
}

func TestAccountExists_ExactMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		found bool
	}{
		{"present", true},
		{"absent", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			d := &mockDB{queryRow: &mockRow{found: tc.found}}
			client := makeClient(d, nil, NewCircuitBreaker("exists", discardLogger()))

			exists, err := client.AccountExists(context.Background(), "admin")
			require.NoError(t, err)
			assert.Equal(t, tc.found, exists)
			require.Len(t, d.queries, 1)
			assert.Contains(t, d.queries[0], "WHERE username = $1")
			assert.NotContains(t, d.queries[0], "LOWER")
		})
	}
}

func TestAccountExists_QueryError(t *testing.T) {
	t.Parallel()

	client := makeClient(&mockDB{queryRow: &mockRow{scanErr: errors.New("relation \"accounts\" does not exist")}}, nil, NewCircuitBreaker("exists", discardLogger()))

	exists, err := client.AccountExists(context.Background(), "admin")
	require.Error(t, err)
	assert.False(t, exists)
	assert.Contains(t, err.Error(), "looking up account")
}

func TestCreatePrivilegedAccount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		execErr   error
		wantErr   error
		wantErrIs bool
		wantSub   string
	}{
		{name: "inserted"},
		{
			name:      "unique violation maps to ErrAccountExists",
			execErr:   &pgconn.PgError{Code: "23505", Message: "duplicate key value"},
			wantErr:   provision.ErrAccountExists,
			wantErrIs: true,
		},
		{
			name:    "other database error",
			execErr: errors.New("disk full"),
			wantSub: "inserting account: disk full",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			d := &mockDB{execErr: tc.execErr}
			client := makeClient(d, nil, NewCircuitBreaker("create-"+tc.name, discardLogger()))

			err := client.CreatePrivilegedAccount(context.Background(), "admin", "a@x.com", "p")

			require.Len(t, d.execs, 1)
			assert.Equal(t, []any{"admin", "a@x.com", "hashed:p"}, d.execs[0].args)
			assert.Contains(t, d.execs[0].sql, "TRUE, TRUE")

			switch {
			case tc.wantErrIs:
				assert.ErrorIs(t, err, tc.wantErr)
			case tc.wantSub != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantSub)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreatePrivilegedAccount_CollisionsDoNotTripBreaker(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("collisions", discardLogger())
	client := makeClient(&mockDB{execErr: &pgconn.PgError{Code: "23505"}}, nil, cb)

	for range 5 {
		err := client.CreatePrivilegedAccount(context.Background(), "admin", "a@x.com", "p")
		assert.ErrorIs(t, err, provision.ErrAccountExists)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestPool_ReusedAndClosed(t *testing.T) {
	t.Parallel()

	connects := 0
	d := &mockDB{queryRow: &mockRow{val: 0}}
	client := makeClient(d, nil, NewCircuitBreaker("reuse", discardLogger()))
	client.connect = func(context.Context, config.PostgresConfig) (db, error) {
		connects++
		return d, nil
	}

	for range 3 {
		_, err := client.CountAccountsMatching(context.Background(), "admin")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, connects)

	client.Close()
	assert.True(t, d.closed)
}

func TestHashPassword(t *testing.T) {
	t.Parallel()

	hashed, err := hashPassword("p")
	require.NoError(t, err)
	assert.NotEqual(t, "p", hashed)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hashed), []byte("p")))
}

func TestNewCircuitBreaker(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("unit-test", discardLogger())
	assert.NotNil(t, cb)
	assert.Equal(t, "unit-test", cb.Name())
}

func TestNewCircuitBreaker_LogsTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	cb := NewCircuitBreaker("tripped", slog.New(slog.NewJSONHandler(&buf, nil)))
	for i := 0; i < 3; i++ {
		_, _ = cb.Execute(func() (any, error) { return nil, errors.New("down") })
	}

	assert.Equal(t, gobreaker.StateOpen, cb.State())
	assert.Contains(t, buf.String(), `"level":"WARN"`)
	assert.Contains(t, buf.String(), `"breaker":"tripped"`)
	assert.Contains(t, buf.String(), `"to":"open"`)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
