// Package observe provides application-wide observability primitives for
// ambiance: OpenTelemetry metrics, tracing, trace-correlated logging, and the
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so the host can serve the
// standard /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all ambiance metrics.
const meterName = "github.com/MrWong99/ambiance"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TransportLatency tracks enqueue-to-apply latency of transport
	// commands. Use with attribute.String("intent", ...).
	TransportLatency metric.Float64Histogram

	// PacingSendDuration tracks the duration of one packet hand-off to the
	// voice bridge.
	PacingSendDuration metric.Float64Histogram

	// BridgeConnectDuration tracks voice connect latency. Use with
	// attribute.String("status", ...).
	BridgeConnectDuration metric.Float64Histogram

	// --- Counters ---

	// TransportCommands counts transport commands by outcome. Use with
	// attributes:
	//   attribute.String("intent", ...), attribute.String("status", "applied"|"stale"|"skipped")
	TransportCommands metric.Int64Counter

	// CapturePackets counts PCM packets leaving the capture tap. Use with
	// attribute.String("status", "emitted"|"dropped").
	CapturePackets metric.Int64Counter

	// PacingPackets counts packets through the pacing queue. Use with
	// attribute.String("status", "sent"|"dropped"|"error"|"cleared").
	PacingPackets metric.Int64Counter

	// BridgeChunks counts 20 ms frames in the voice bridge. Use with
	// attribute.String("status", "sent"|"dropped").
	BridgeChunks metric.Int64Counter

	// BridgeUnderruns counts jitter-buffer underruns.
	BridgeUnderruns metric.Int64Counter

	// BridgeReconnects counts reconnect attempts. Use with
	// attribute.String("status", "ok"|"failed").
	BridgeReconnects metric.Int64Counter

	// TimelineInstances counts scheduled playback instances issued by the
	// timeline scheduler.
	TimelineInstances metric.Int64Counter

	// --- Gauges ---

	// ActiveSources tracks the number of sources currently flagged playing.
	ActiveSources metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// Prebuilt attribute options for the capture render path.
	captureEmitted []metric.AddOption
	captureDropped []metric.AddOption
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// command and send latencies, which are mostly sub-frame.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.04, 0.1, 0.25, 1,
}

// connectBuckets covers voice connect, which is bounded by a 15 s timeout.
var connectBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TransportLatency, err = m.Float64Histogram("ambiance.transport.latency",
		metric.WithDescription("Latency from transport enqueue to graph application."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PacingSendDuration, err = m.Float64Histogram("ambiance.pacing.send.duration",
		metric.WithDescription("Duration of one packet hand-off to the voice bridge."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BridgeConnectDuration, err = m.Float64Histogram("ambiance.bridge.connect.duration",
		metric.WithDescription("Latency of voice channel connect by status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(connectBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TransportCommands, err = m.Int64Counter("ambiance.transport.commands",
		metric.WithDescription("Transport commands by intent and outcome."),
	); err != nil {
		return nil, err
	}
	if met.CapturePackets, err = m.Int64Counter("ambiance.capture.packets",
		metric.WithDescription("PCM packets produced by the capture tap by status."),
	); err != nil {
		return nil, err
	}
	if met.PacingPackets, err = m.Int64Counter("ambiance.pacing.packets",
		metric.WithDescription("Packets through the pacing queue by status."),
	); err != nil {
		return nil, err
	}
	if met.BridgeChunks, err = m.Int64Counter("ambiance.bridge.chunks",
		metric.WithDescription("Voice frames handled by the bridge by status."),
	); err != nil {
		return nil, err
	}
	if met.BridgeUnderruns, err = m.Int64Counter("ambiance.bridge.underruns",
		metric.WithDescription("Jitter buffer underruns."),
	); err != nil {
		return nil, err
	}
	if met.BridgeReconnects, err = m.Int64Counter("ambiance.bridge.reconnects",
		metric.WithDescription("Voice reconnect attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.TimelineInstances, err = m.Int64Counter("ambiance.timeline.instances",
		metric.WithDescription("Scheduled playback instances issued by the timeline scheduler."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSources, err = m.Int64UpDownCounter("ambiance.active_sources",
		metric.WithDescription("Number of audio sources currently playing."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("ambiance.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	met.captureEmitted = []metric.AddOption{metric.WithAttributeSet(attribute.NewSet(attribute.String("status", "emitted")))}
	met.captureDropped = []metric.AddOption{metric.WithAttributeSet(attribute.NewSet(attribute.String("status", "dropped")))}

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

// RecordTransportCommand records one transport command outcome.
func (m *Metrics) RecordTransportCommand(ctx context.Context, intent, status string) {
	m.TransportCommands.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("intent", intent),
			attribute.String("status", status),
		),
	)
}

// RecordCaptureEmitted records one packet handed to the capture consumer.
// It runs on the render path and reuses a prebuilt attribute set.
func (m *Metrics) RecordCaptureEmitted(ctx context.Context) {
	m.CapturePackets.Add(ctx, 1, m.captureEmitted...)
}

// RecordCaptureDropped records one queued capture packet evicted to make room.
func (m *Metrics) RecordCaptureDropped(ctx context.Context) {
	m.CapturePackets.Add(ctx, 1, m.captureDropped...)
}

// RecordPacingPackets records n pacing packets with the given status.
func (m *Metrics) RecordPacingPackets(ctx context.Context, status string, n int) {
	if n <= 0 {
		return
	}
	m.PacingPackets.Add(ctx, int64(n), metric.WithAttributes(attribute.String("status", status)))
}

// RecordBridgeChunks records n bridge frames with the given status.
func (m *Metrics) RecordBridgeChunks(ctx context.Context, status string, n int) {
	if n <= 0 {
		return
	}
	m.BridgeChunks.Add(ctx, int64(n), metric.WithAttributes(attribute.String("status", status)))
}

// RecordReconnect records one reconnect attempt outcome.
func (m *Metrics) RecordReconnect(ctx context.Context, status string) {
	m.BridgeReconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
