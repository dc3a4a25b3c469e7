package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const serviceName = "call-advice-service"

// TelemetryConfig selects where the call advice service's signals go.
type TelemetryConfig struct {
	Version string

	// Registry receives the webhook, transcript and advice counters. Nil
	// means the prometheus default registry.
	Registry *prometheus.Registry

	// Spans exports advice.run and request spans. Nil records and drops them.
	Spans sdktrace.SpanExporter
}

// Telemetry is the installed pipeline: instruments recorded through
// Metrics surface on Handler in Prometheus text format.
type Telemetry struct {
	Metrics *Metrics

	gatherer prometheus.Gatherer
	meters   *sdkmetric.MeterProvider
	tracer   *sdktrace.TracerProvider
}

// Start installs global meter and tracer providers for the service and
// builds its instruments on them.
func Start(cfg TelemetryConfig) (*Telemetry, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(cfg.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	var (
		reg      prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if cfg.Registry != nil {
		reg, gatherer = cfg.Registry, cfg.Registry
	}
	bridge, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus bridge: %w", err)
	}

	t := &Telemetry{
		gatherer: gatherer,
		meters:   sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(bridge)),
	}
	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.Spans != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.Spans))
	}
	t.tracer = sdktrace.NewTracerProvider(tpOpts...)

	if t.Metrics, err = NewMetrics(t.meters); err != nil {
		return nil, errors.Join(err, t.Shutdown(context.Background()))
	}
	otel.SetMeterProvider(t.meters)
	otel.SetTracerProvider(t.tracer)
	return t, nil
}

// Handler serves the scrape endpoint for this pipeline's registry.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.gatherer, promhttp.HandlerOpts{})
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tracer.Shutdown(ctx), t.meters.Shutdown(ctx))
}
