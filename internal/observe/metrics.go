// Package observe holds the service's OpenTelemetry instruments, the tracer
// helpers and the gin request middleware.
//
// Metrics go through the OTel API; [Start] bridges them to Prometheus so
// /metrics can be scraped. Tests build their own [Metrics] with
// [NewMetrics] over a manual reader instead of touching [DefaultMetrics].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/PratikDhanave/call-advice-service"

// Metrics holds every instrument the service records.
type Metrics struct {
	// WebhookRequests counts deliveries by route kind and outcome
	// (accepted, rejected, ignored, error).
	WebhookRequests metric.Int64Counter

	// TranscriptAppends counts append outcomes (inserted, revised, duplicate).
	TranscriptAppends metric.Int64Counter

	// AdviceTriggers counts scheduler triggers by disposition
	// (started, coalesced, debounced).
	AdviceTriggers metric.Int64Counter

	// AdviceGenerations counts generation attempts by result
	// (ok, error, skipped).
	AdviceGenerations metric.Int64Counter

	AdviceDuration      metric.Float64Histogram
	HTTPRequestDuration metric.Float64Histogram

	// ActiveAdviceRuns is the number of per-call scheduler loops running.
	ActiveAdviceRuns metric.Int64UpDownCounter
}

var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.WebhookRequests, err = m.Int64Counter("calladvice.webhook.requests",
		metric.WithDescription("Webhook deliveries by kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptAppends, err = m.Int64Counter("calladvice.transcript.appends",
		metric.WithDescription("Transcript append results by outcome."),
	); err != nil {
		return nil, err
	}
	if met.AdviceTriggers, err = m.Int64Counter("calladvice.advice.triggers",
		metric.WithDescription("Advice scheduler triggers by disposition."),
	); err != nil {
		return nil, err
	}
	if met.AdviceGenerations, err = m.Int64Counter("calladvice.advice.generations",
		metric.WithDescription("Advice generation attempts by result."),
	); err != nil {
		return nil, err
	}
	if met.AdviceDuration, err = m.Float64Histogram("calladvice.advice.duration",
		metric.WithDescription("Latency of one advice generation run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("calladvice.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveAdviceRuns, err = m.Int64UpDownCounter("calladvice.advice.active_runs",
		metric.WithDescription("Number of advice loops currently running."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide instance built on the global
// meter provider. It backs components constructed without explicit metrics.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordWebhook increments the webhook counter.
func (m *Metrics) RecordWebhook(ctx context.Context, kind, outcome string) {
	m.WebhookRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordAppend increments the transcript append counter.
func (m *Metrics) RecordAppend(ctx context.Context, outcome string) {
	m.TranscriptAppends.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTrigger increments the scheduler trigger counter.
func (m *Metrics) RecordTrigger(ctx context.Context, disposition string) {
	m.AdviceTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("disposition", disposition)))
}

// RecordGeneration increments the generation counter and, for runs that
// reached the generator, records their latency.
func (m *Metrics) RecordGeneration(ctx context.Context, result string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("result", result))
	m.AdviceGenerations.Add(ctx, 1, attrs)
	if seconds > 0 {
		m.AdviceDuration.Record(ctx, seconds, attrs)
	}
}
