// Package observe provides application-wide observability primitives for
// LLMRTC: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

	"github.com/llmrtc/llmrtc/internal/hooks"
)

// meterName is the instrumentation scope name used for all LLMRTC metrics.
const meterName = "github.com/llmrtc/llmrtc"

// latencyBuckets defines histogram bucket boundaries (in milliseconds)
// optimised for voice-pipeline latencies.
var latencyBuckets = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Metrics is an OpenTelemetry-backed [hooks.MetricsSink]. Instruments named
// by the hooks package's stable metric-name constants (stt/llm/tts/turn
// durations, tool durations, playbook transitions, connection counts, error
// counts) are created lazily on first use and cached by name, since the
// hooks.MetricsSink interface identifies instruments by string rather than
// by dedicated struct fields.
//
// All methods are safe for concurrent use.
type Metrics struct {
	meter metric.Meter

	mu         sync.Mutex
	histograms map[string]metric.Float64Histogram
	counters   map[string]metric.Int64Counter
	gauges     map[string]metric.Float64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time, recorded
	// directly by [Middleware] rather than through the dynamic Timing path
	// since it carries method/path attributes outside the hooks vocabulary.
	HTTPRequestDuration metric.Float64Histogram

	// ProviderRequests and ProviderErrors count calls made to LLM/STT/TTS
	// provider implementations, tagged by provider name and call kind.
	ProviderRequests metric.Int64Counter
	ProviderErrors   metric.Int64Counter
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider]. Returns an error if instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{
		meter:      m,
		histograms: make(map[string]metric.Float64Histogram),
		counters:   make(map[string]metric.Int64Counter),
		gauges:     make(map[string]metric.Float64UpDownCounter),
	}

	var err error
	if met.HTTPRequestDuration, err = m.Float64Histogram("llmrtc.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("llmrtc.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("llmrtc.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// histogram returns the cached Float64Histogram for name, creating it (with
// a millisecond unit and voice-pipeline-tuned buckets) on first use.
func (m *Metrics) histogram(name string) metric.Float64Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h
	}
	h, err := m.meter.Float64Histogram(name,
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	if err != nil {
		// Instrument creation failures here are a configuration bug (bad
		// name, duplicate registration under conflicting options), not a
		// runtime condition callers can recover from; a no-op instrument
		// would hide it. Metrics are best-effort, so panicking here would
		// be worse than a silently-absent data point.
		h = noopHistogram{}
	}
	m.histograms[name] = h
	return h
}

func (m *Metrics) counter(name string) metric.Int64Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c
	}
	c, err := m.meter.Int64Counter(name)
	if err != nil {
		c = noopCounter{}
	}
	m.counters[name] = c
	return c
}

func (m *Metrics) gauge(name string) metric.Float64UpDownCounter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gauges[name]; ok {
		return g
	}
	g, err := m.meter.Float64UpDownCounter(name)
	if err != nil {
		g = noopGauge{}
	}
	m.gauges[name] = g
	return g
}

func toAttributes(tags map[string]string) metric.MeasurementOption {
	if len(tags) == 0 {
		return metric.WithAttributes()
	}
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	return metric.WithAttributes(attrs...)
}

// Timing implements [hooks.MetricsSink].
func (m *Metrics) Timing(name string, ms float64, tags map[string]string) {
	m.histogram(name).Record(context.Background(), ms, toAttributes(tags))
}

// Increment implements [hooks.MetricsSink].
func (m *Metrics) Increment(name string, n int64, tags map[string]string) {
	m.counter(name).Add(context.Background(), n, toAttributes(tags))
}

// Gauge implements [hooks.MetricsSink].
func (m *Metrics) Gauge(name string, v float64, tags map[string]string) {
	m.gauge(name).Add(context.Background(), v, toAttributes(tags))
}

var _ hooks.MetricsSink = (*Metrics)(nil)

// noop instrument fallbacks, used only if an instrument name collides with
// incompatible options previously registered under the same name.

type noopHistogram struct{ metric.Float64Histogram }

func (noopHistogram) Record(context.Context, float64, ...metric.RecordOption) {}

type noopCounter struct{ metric.Int64Counter }

func (noopCounter) Add(context.Context, int64, ...metric.AddOption) {}

type noopGauge struct{ metric.Float64UpDownCounter }

func (noopGauge) Add(context.Context, float64, ...metric.AddOption) {}
