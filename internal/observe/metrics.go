// Package observe holds parley's telemetry: otel metric instruments, trace
// helpers, the HTTP middleware and the recent-error ring behind /errors.
//
// Instruments are created from any [metric.MeterProvider]. In production
// [InitProvider] installs one that exports to Prometheus. Tests pass a
// provider backed by a manual reader to [NewMetrics].
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/parley"

// Metrics is the set of instruments recorded by the relay and the HTTP layer.
// Attribute keys are listed per field.
type Metrics struct {
	// ─── Latency ───

	// UpstreamConnectDuration: dial plus setup handshake. Keys: provider, status.
	UpstreamConnectDuration metric.Float64Histogram

	// ResponseLatency: end of a user turn to the first audio of the reply.
	ResponseLatency metric.Float64Histogram

	// HTTPRequestDuration: keys method, path, status. Covers the whole
	// session for WebSocket upgrades.
	HTTPRequestDuration metric.Float64Histogram

	// ─── Sessions ───

	ActiveSessions metric.Int64UpDownCounter
	Sessions       metric.Int64Counter // outcome

	// ─── Turn taking ───

	BargeIns            metric.Int64Counter
	Interrupts          metric.Int64Counter // source
	RejectedTransitions metric.Int64Counter // from, to
	PlaybackFlushes     metric.Int64Counter

	// ─── Loss ───

	DroppedFrames  metric.Int64Counter // reason
	UpstreamErrors metric.Int64Counter // provider, kind
}

// Seconds. Upstream handshakes and response latency both land in 10ms..10s.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// NewMetrics registers every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	var errs []error
	hist := func(name, desc string, buckets bool) metric.Float64Histogram {
		opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
		if buckets {
			opts = append(opts, metric.WithExplicitBucketBoundaries(latencyBuckets...))
		}
		h, err := meter.Float64Histogram(name, opts...)
		errs = append(errs, err)
		return h
	}
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}

	m := &Metrics{
		UpstreamConnectDuration: hist("parley.upstream.connect.duration", "Latency of upstream dial and setup handshake.", true),
		ResponseLatency:         hist("parley.response.latency", "Time from end of user turn to first model audio.", true),
		HTTPRequestDuration:     hist("parley.http.request.duration", "HTTP request latency by method, path and status.", false),

		Sessions:            counter("parley.sessions", "Finished sessions by outcome."),
		BargeIns:            counter("parley.barge_ins", "Barge-ins detected from capture energy."),
		Interrupts:          counter("parley.interrupts", "Applied interrupts by source."),
		RejectedTransitions: counter("parley.transitions.rejected", "Rejected state transitions by from and to state."),
		PlaybackFlushes:     counter("parley.playback.flushes", "Playback queue flushes."),
		DroppedFrames:       counter("parley.frames.dropped", "Audio frames dropped by reason."),
		UpstreamErrors:      counter("parley.upstream.errors", "Upstream errors by provider and kind."),
	}
	var err error
	m.ActiveSessions, err = meter.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Live voice sessions."))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics lazily builds a [Metrics] on the global meter provider.
// It panics if that fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

func (m *Metrics) RecordUpstreamConnect(ctx context.Context, provider, status string, seconds float64) {
	m.UpstreamConnectDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
}

// RecordSessionEnd counts a finished session, e.g. outcome "ok" or
// "upstream_error".
func (m *Metrics) RecordSessionEnd(ctx context.Context, outcome string) {
	m.Sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordInterrupt counts an interrupt from "barge_in", "client" or "upstream".
func (m *Metrics) RecordInterrupt(ctx context.Context, source string) {
	m.Interrupts.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *Metrics) RecordDroppedFrame(ctx context.Context, reason string) {
	m.DroppedFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordRejectedTransition(ctx context.Context, from, to string) {
	m.RejectedTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) RecordUpstreamError(ctx context.Context, provider, kind string) {
	m.UpstreamErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}
