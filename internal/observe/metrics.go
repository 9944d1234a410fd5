// Package observe provides application-wide observability primitives for
// Rapport: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Rapport metrics.
const meterName = "github.com/rapportlabs/rapport"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// PredictDuration tracks end-to-end /predict latency. Use with attributes:
	//   attribute.String("scene", ...), attribute.String("mode", ...)
	PredictDuration metric.Float64Histogram

	// StageDuration tracks per-stage pipeline latency. Use with attribute:
	//   attribute.String("stage", ...)
	StageDuration metric.Float64Histogram

	// LLMCallDuration tracks individual LLM call latency. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("task", ...)
	LLMCallDuration metric.Float64Histogram

	// OCRDuration tracks screenshot parser latency.
	OCRDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: "http.method", "http.route", "http.status".
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// PredictRequests counts /predict calls. Use with attributes:
	//   attribute.String("scene", ...), attribute.String("status", ...)
	PredictRequests metric.Int64Counter

	// LLMCalls counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("task", ...),
	//   attribute.String("status", ...)
	LLMCalls metric.Int64Counter

	// ReplyRetries counts reply-generation retry attempts beyond the first.
	ReplyRetries metric.Int64Counter

	// FallbackReplies counts responses that carried a template reply.
	FallbackReplies metric.Int64Counter

	// ParseFailures counts model outputs rejected by the JSON extractor.
	// Use with attribute: attribute.String("task", ...)
	ParseFailures metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// CostUSD accumulates estimated LLM spend. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("model", ...)
	CostUSD metric.Float64Counter

	// --- Gauges ---

	// ActiveSessions tracks sessions with at least one live cache entry.
	ActiveSessions metric.Int64UpDownCounter

	// InflightRequests tracks /predict calls currently being served.
	InflightRequests metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). LLM calls
// dominate, so the upper buckets stretch to the full request timeout.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.PredictDuration, err = m.Float64Histogram("rapport.predict.duration",
		metric.WithDescription("End-to-end /predict latency by scene and mode."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("rapport.stage.duration",
		metric.WithDescription("Pipeline stage latency by stage name."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMCallDuration, err = m.Float64Histogram("rapport.llm.duration",
		metric.WithDescription("LLM call latency by provider and task."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.OCRDuration, err = m.Float64Histogram("rapport.ocr.duration",
		metric.WithDescription("Screenshot parser call latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("rapport.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.PredictRequests, err = m.Int64Counter("rapport.predict.requests",
		metric.WithDescription("Total /predict requests by scene and status."),
	); err != nil {
		return nil, err
	}
	if met.LLMCalls, err = m.Int64Counter("rapport.llm.calls",
		metric.WithDescription("Total LLM calls by provider, task, and status."),
	); err != nil {
		return nil, err
	}
	if met.ReplyRetries, err = m.Int64Counter("rapport.reply.retries",
		metric.WithDescription("Reply-generation retry attempts beyond the first."),
	); err != nil {
		return nil, err
	}
	if met.FallbackReplies, err = m.Int64Counter("rapport.reply.fallbacks",
		metric.WithDescription("Responses answered with a template reply."),
	); err != nil {
		return nil, err
	}
	if met.ParseFailures, err = m.Int64Counter("rapport.reply.parse_failures",
		metric.WithDescription("Model outputs rejected by the JSON extractor, by task."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("rapport.provider.errors",
		metric.WithDescription("Provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.CostUSD, err = m.Float64Counter("rapport.llm.cost_usd",
		metric.WithDescription("Estimated LLM spend in USD by provider and model."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("rapport.active_sessions",
		metric.WithDescription("Sessions with at least one live cache entry."),
	); err != nil {
		return nil, err
	}
	if met.InflightRequests, err = m.Int64UpDownCounter("rapport.inflight_requests",
		metric.WithDescription("Predict requests currently being served."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordLLMCall records one LLM call with the standard attribute set.
func (m *Metrics) RecordLLMCall(ctx context.Context, provider, task, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("task", task),
		attribute.String("status", status),
	)
	m.LLMCalls.Add(ctx, 1, attrs)
	m.LLMCallDuration.Record(ctx, seconds, attrs)
}

// RecordStage records one pipeline stage completion.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordProviderError records a provider error by provider name and kind.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCost records estimated spend for one LLM call.
func (m *Metrics) RecordCost(ctx context.Context, provider, model string, usd float64) {
	m.CostUSD.Add(ctx, usd,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
		),
	)
}
