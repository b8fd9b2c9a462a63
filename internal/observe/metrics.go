// Package observe provides application-wide observability primitives: an
// OpenTelemetry metrics bridge to Prometheus and the metric instruments
// spec §4.5 names.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so metrics can be scraped
// via the standard /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all moshi-serve
// metrics.
const meterName = "github.com/kyutai-labs/moshi-serve"

// Metrics holds every OpenTelemetry metric instrument spec §4.5 calls for.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// StepDuration is the inference step latency histogram, per module.
	StepDuration metric.Float64Histogram

	// CloseCodes counts WebSocket closes by close code.
	CloseCodes metric.Int64Counter

	// AdmissionFailures counts Admit calls rejected for capacity or
	// device-fatal reasons.
	AdmissionFailures metric.Int64Counter

	// SlotsUsed is a per-module gauge of occupied slots.
	SlotsUsed metric.Int64UpDownCounter

	// EgressDropped counts events dropped by a full session egress queue.
	EgressDropped metric.Int64Counter

	// WarmupDuration is the warmup-pass latency histogram, per module.
	WarmupDuration metric.Float64Histogram

	// WarmupOutcomes counts warmup passes by outcome (success, failure,
	// skipped), per module.
	WarmupOutcomes metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// a step cadence around 80ms.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.08, 0.1, 0.25, 0.5, 1, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StepDuration, err = m.Float64Histogram("moshi.engine.step.duration",
		metric.WithDescription("Latency of one batched inference step."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CloseCodes, err = m.Int64Counter("moshi.session.close_codes",
		metric.WithDescription("WebSocket session closes by close code."),
	); err != nil {
		return nil, err
	}
	if met.AdmissionFailures, err = m.Int64Counter("moshi.engine.admission_failures",
		metric.WithDescription("Admit calls rejected for capacity or device-fatal reasons."),
	); err != nil {
		return nil, err
	}
	if met.SlotsUsed, err = m.Int64UpDownCounter("moshi.engine.slots_used",
		metric.WithDescription("Occupied slots, per module."),
	); err != nil {
		return nil, err
	}
	if met.EgressDropped, err = m.Int64Counter("moshi.session.egress_dropped",
		metric.WithDescription("Events dropped by a full session egress queue."),
	); err != nil {
		return nil, err
	}
	if met.WarmupDuration, err = m.Float64Histogram("moshi.warmup.duration",
		metric.WithDescription("Latency of the one-shot eager warmup pass, per module."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.WarmupOutcomes, err = m.Int64Counter("moshi.warmup.outcomes",
		metric.WithDescription("Warmup passes by outcome (success, failure, skipped), per module."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("moshi.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// RecordStep records one inference step's latency for module.
func (m *Metrics) RecordStep(ctx context.Context, module string, seconds float64) {
	m.StepDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("module", module)))
}

// RecordCloseCode records a WebSocket session close with the given code.
func (m *Metrics) RecordCloseCode(ctx context.Context, code int) {
	m.CloseCodes.Add(ctx, 1, metric.WithAttributes(attribute.String("code", strconv.Itoa(code))))
}

// RecordAdmissionFailure records an Admit rejection for module.
func (m *Metrics) RecordAdmissionFailure(ctx context.Context, module, reason string) {
	m.AdmissionFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("module", module),
		attribute.String("reason", reason),
	))
}

// SetSlotsUsed adjusts the slots-used gauge for module by delta (+1 on
// admit, -1 on free).
func (m *Metrics) SetSlotsUsed(ctx context.Context, module string, delta int64) {
	m.SlotsUsed.Add(ctx, delta, metric.WithAttributes(attribute.String("module", module)))
}

// RecordEgressDropped records one dropped egress event for module.
func (m *Metrics) RecordEgressDropped(ctx context.Context, module string) {
	m.EgressDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("module", module)))
}

// RecordWarmup records a warmup pass's duration and outcome for module.
// outcome is one of "success", "failure", "skipped".
func (m *Metrics) RecordWarmup(ctx context.Context, module, outcome string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("module", module), attribute.String("outcome", outcome))
	m.WarmupOutcomes.Add(ctx, 1, attrs)
	if outcome != "skipped" {
		m.WarmupDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("module", module)))
	}
}

// RecordHTTPRequest records one HTTP request's processing time for method
// and path (spec §4.5's HTTP latency histogram).
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, seconds float64) {
	m.HTTPRequestDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	))
}
