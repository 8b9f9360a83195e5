// Package observe provides observability primitives for the conductor:
// OpenTelemetry metrics with a Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package
// level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/cadenzalabs/cadenza"

// Metrics holds all OpenTelemetry metric instruments for the conductor.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// EventsIn counts admitted inbound envelopes. Use with attribute:
	//   attribute.String("type", ...)
	EventsIn metric.Int64Counter

	// EventsOut counts emitted outbound envelopes. Use with attribute:
	//   attribute.String("type", ...)
	EventsOut metric.Int64Counter

	// RateLimited counts inbound events dropped by the sliding window.
	RateLimited metric.Int64Counter

	// ToolRounds counts provider round trips per transcript. Use with
	// attribute: attribute.String("outcome", ...)
	ToolRounds metric.Int64Counter

	// ToolResultTimeouts counts tool calls resolved by the wait timer.
	ToolResultTimeouts metric.Int64Counter

	// ProviderDuration tracks model provider call latency. Use with
	// attributes: attribute.String("provider", ...), attribute.String("status", ...)
	ProviderDuration metric.Float64Histogram

	// ActiveSessions tracks the number of live sessions in the store.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks the number of open sockets.
	ActiveConnections metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized
// for model round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.EventsIn, err = m.Int64Counter("cadenza.events.in",
		metric.WithDescription("Total admitted inbound envelopes by type."),
	); err != nil {
		return nil, err
	}
	if met.EventsOut, err = m.Int64Counter("cadenza.events.out",
		metric.WithDescription("Total emitted outbound envelopes by type."),
	); err != nil {
		return nil, err
	}
	if met.RateLimited, err = m.Int64Counter("cadenza.events.rate_limited",
		metric.WithDescription("Total inbound events dropped by the rate limiter."),
	); err != nil {
		return nil, err
	}
	if met.ToolRounds, err = m.Int64Counter("cadenza.conductor.tool_rounds",
		metric.WithDescription("Total provider rounds by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ToolResultTimeouts, err = m.Int64Counter("cadenza.conductor.tool_result_timeouts",
		metric.WithDescription("Total tool calls resolved by timeout."),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("cadenza.provider.duration",
		metric.WithDescription("Model provider call latency by provider and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("cadenza.active_sessions",
		metric.WithDescription("Number of live sessions in the store."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("cadenza.active_connections",
		metric.WithDescription("Number of open client sockets."),
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
// on first call using [otel.GetMeterProvider]. Panics if instrument
// creation fails (should not happen with the global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity
// at call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordEventIn increments the inbound event counter.
func (m *Metrics) RecordEventIn(ctx context.Context, eventType string) {
	m.EventsIn.Add(ctx, 1, metric.WithAttributes(Attr("type", eventType)))
}

// RecordEventOut increments the outbound event counter.
func (m *Metrics) RecordEventOut(ctx context.Context, eventType string) {
	m.EventsOut.Add(ctx, 1, metric.WithAttributes(Attr("type", eventType)))
}

// RecordProviderCall records one provider round trip.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, status string, seconds float64) {
	m.ProviderDuration.Record(ctx, seconds,
		metric.WithAttributes(Attr("provider", provider), Attr("status", status)),
	)
}
