package api

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/Employeest/employeest-be/internal/orchestrator"
)

// Prober is satisfied by *clients.PostgresClient.
type Prober interface {
	Probe(ctx context.Context) orchestrator.ProbeResult
}

// Handler holds the dependencies shared across all HTTP handlers.
type Handler struct {
	probers    map[string]Prober
	reportPath string
}

// Health handles GET /health.
// It always returns 200; this is the liveness probe.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"mode":   "shallow",
	})
}

// DeepHealth handles GET /health/deep.
// It probes every dependency and returns 200 only when all probes are OK.
func (h *Handler) DeepHealth(c *gin.Context) {
	probes, allOK := h.probeAll(c.Request.Context())

	status := "healthy"
	code := http.StatusOK
	if !allOK {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":       status,
		"dependencies": probes,
	})
}

// Ready handles GET /ready.
// It returns 200 once every dependency is reachable and the schema is
// migrated; 503 otherwise.
func (h *Handler) Ready(c *gin.Context) {
	probes, allOK := h.probeAll(c.Request.Context())
	if allOK {
		c.JSON(http.StatusOK, gin.H{"ready": true})
		return
	}

	var failing []string
	for name, p := range probes {
		if !p.OK {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "failing": failing})
}

// Bootstrap handles GET /api/v1/bootstrap.
// It returns the report the entrypoint wrote before handing off, or 404 when
// this process was not started through the entrypoint.
func (h *Handler) Bootstrap(c *gin.Context) {
	if h.reportPath == "" {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "bootstrap report not configured"})
		return
	}

	report, err := orchestrator.ReadReport(h.reportPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "no bootstrap report"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
	default:
		c.JSON(http.StatusOK, report)
	}
}

// probeAll runs every probe concurrently.
func (h *Handler) probeAll(ctx context.Context) (map[string]orchestrator.ProbeResult, bool) {
	results := make(map[string]orchestrator.ProbeResult, len(h.probers))
	var mu sync.Mutex
	var g errgroup.Group

	for name, p := range h.probers {
		g.Go(func() error {
			probe := p.Probe(ctx)
			mu.Lock()
			results[name] = probe
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	allOK := true
	for _, p := range results {
		if !p.OK {
			allOK = false
			break
		}
	}
	return results, allOK
}
