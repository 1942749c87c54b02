package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Role names the process kind reporting telemetry.
type Role string

const (
	// RoleHost is the soundboard host. It serves /metrics.
	RoleHost Role = "host"

	// RoleBridge is the voice bridge subprocess. It has no HTTP surface, so
	// its instruments are recorded without a Prometheus reader.
	RoleBridge Role = "bridge"
)

// ProviderConfig configures [InitProvider].
type ProviderConfig struct {
	Role    Role
	Version string

	// SpanExporter receives finished spans in batches. Nil keeps spans in
	// process only (trace ids still reach logs and the X-Trace-ID header).
	SpanExporter sdktrace.SpanExporter
}

// InitProvider installs the global meter and tracer providers for role and
// returns a function that flushes and shuts both down.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	if cfg.Role == "" {
		cfg.Role = RoleHost
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("ambiance-"+string(cfg.Role)),
		semconv.ServiceVersion(cfg.Version),
		attribute.String("ambiance.role", string(cfg.Role)),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	mopts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Role == RoleHost {
		exp, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
		}
		mopts = append(mopts, sdkmetric.WithReader(exp))
	}
	mp := sdkmetric.NewMeterProvider(mopts...)

	topts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.SpanExporter != nil {
		topts = append(topts, sdktrace.WithBatcher(cfg.SpanExporter))
	}
	tp := sdktrace.NewTracerProvider(topts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// MetricsHandler serves the default Prometheus registry, which the host's
// exporter feeds.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
