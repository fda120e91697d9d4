package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewRouter_RoutesRegistered drives the full middleware chain over a real
// listener. Not parallel: NewRouter sets the global gin mode.
func TestNewRouter_RoutesRegistered(t *testing.T) {
	router := NewRouter("employeest-test",
		map[string]Prober{"postgres": okProber("postgres")},
		filepath.Join(t.TempDir(), "bootstrap.json"),
		noopLogger(),
	)
	srv := httptest.NewServer(router.Handler())
	defer srv.Close()

	cases := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/health/deep", http.StatusOK},
		{http.MethodGet, "/ready", http.StatusOK},
		{http.MethodGet, "/api/v1/bootstrap", http.StatusNotFound},
		{http.MethodPost, "/health", http.StatusNotFound},
	}

	for _, tc := range cases {
		req, err := http.NewRequest(tc.method, srv.URL+tc.path, nil)
		require.NoError(t, err)
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tc.want, resp.StatusCode, "route %s %s", tc.method, tc.path)
	}
}
