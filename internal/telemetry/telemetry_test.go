package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Employeest/employeest-be/internal/config"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestStage_TagsEveryLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := Stage(NewLogger(&buf, "info"), "migrate")
	logger.Info("applying migrations")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "migrate", line[StageKey])
	assert.Equal(t, "applying migrations", line["msg"])
}

func TestTraceHandler_InjectsSpanIDs(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background()) //nolint:errcheck

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	NewLogger(&buf, "info").InfoContext(ctx, "hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, span.SpanContext().TraceID().String(), line["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), line["span_id"])
}

func TestSetup_DisabledWithoutEndpoint(t *testing.T) {
	t.Parallel()

	p := Setup(context.Background(), config.TelemetryConfig{ServiceName: "svc"}, discard())
	assert.Nil(t, p)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInitProvider_UnreachableCollector(t *testing.T) {
	// The gRPC dial is non-blocking so setup succeeds with no collector.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := config.TelemetryConfig{OTLPEndpoint: "localhost:19999", OTLPInsecure: true, ServiceName: "employeest-test"}
	p, err := InitProvider(ctx, cfg, discard())
	require.NoError(t, err)
	require.NotNil(t, p)

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutCancel()
	assert.NoError(t, p.Shutdown(shutCtx))
}
