package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Employeest/employeest-be/internal/config"
)

// InstrumentationName is the tracer and meter name used across the binary.
const InstrumentationName = "employeest-be"

// Boot and CI runs are short, so metrics are pushed more often than the SDK
// default of a minute.
const metricInterval = 10 * time.Second

// Provider owns the OTLP connection and the global trace and metric
// providers installed on it.
type Provider struct {
	conn    *grpc.ClientConn
	tracers *sdktrace.TracerProvider
	meters  *sdkmetric.MeterProvider
}

// Setup installs OTLP export when cfg names an endpoint. It returns nil when
// export is disabled or cannot be set up; a boot never waits on telemetry.
func Setup(ctx context.Context, cfg config.TelemetryConfig, logger *slog.Logger) *Provider {
	if cfg.OTLPEndpoint == "" {
		logger.Debug("otlp export disabled")
		return nil
	}
	p, err := InitProvider(ctx, cfg, logger)
	if err != nil {
		logger.Warn("otlp export unavailable", "endpoint", cfg.OTLPEndpoint, "error", err)
		return nil
	}
	return p
}

// InitProvider dials the collector and registers global providers. The dial
// is lazy, so a collector that is down only shows up as export errors.
func InitProvider(ctx context.Context, cfg config.TelemetryConfig, logger *slog.Logger) (*Provider, error) {
	res, err := newResource(ctx, cfg.ServiceName)
	if err != nil {
		return nil, err
	}

	var dialOpts []grpc.DialOption
	if cfg.OTLPInsecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dialing collector %s: %w", cfg.OTLPEndpoint, err)
	}
	p := &Provider{conn: conn}

	spans, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("span exporter: %w", err), p.Shutdown(ctx))
	}
	p.tracers = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans),
	)

	metrics, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("metric exporter: %w", err), p.Shutdown(ctx))
	}
	p.meters = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(metricInterval))),
	)

	otel.SetTracerProvider(p.tracers)
	otel.SetMeterProvider(p.meters)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.Warn("otlp export failed", "error", err)
	}))
	return p, nil
}

func newResource(ctx context.Context, service string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(service),
			semconv.ServiceNamespace("employeest"),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("describing resource: %w", err)
	}
	return res, nil
}

// Shutdown flushes pending spans and metrics and closes the connection.
// Flush errors are dropped since the collector may be gone by then. Safe on
// a nil Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.meters != nil {
		_ = p.meters.Shutdown(ctx)
	}
	if p.tracers != nil {
		_ = p.tracers.Shutdown(ctx)
	}
	return p.conn.Close()
}
