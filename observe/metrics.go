// Package observe holds the OpenTelemetry instruments for hark. Tests should
// build their own Metrics from a ManualReader-backed MeterProvider; the
// binary uses InitProvider to expose them to Prometheus.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "hark"

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	// Sessions counts activations that reached Listening.
	Sessions metric.Int64Counter

	// Transitions counts state machine steps. Attributes: from, to.
	Transitions metric.Int64Counter

	// Commands counts routed commands. Attribute: intent.
	Commands metric.Int64Counter

	// Notifications counts pushed notifications. Attribute: kind.
	Notifications metric.Int64Counter

	// ProviderErrors counts capture and recognition failures. Attribute: kind.
	ProviderErrors metric.Int64Counter

	ActiveSessions metric.Int64UpDownCounter

	// OutboundDuration tracks analysis service latency. Attributes: call, status.
	OutboundDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Sessions, err = m.Int64Counter("hark.sessions",
		metric.WithDescription("Voice sessions that reached listening."),
	); err != nil {
		return nil, err
	}
	if met.Transitions, err = m.Int64Counter("hark.transitions",
		metric.WithDescription("State machine transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.Commands, err = m.Int64Counter("hark.commands",
		metric.WithDescription("Routed voice commands by intent."),
	); err != nil {
		return nil, err
	}
	if met.Notifications, err = m.Int64Counter("hark.notifications",
		metric.WithDescription("Notifications pushed by kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("hark.provider.errors",
		metric.WithDescription("Capture and recognition failures by kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("hark.session.active",
		metric.WithDescription("Number of sessions holding the microphone."),
	); err != nil {
		return nil, err
	}
	if met.OutboundDuration, err = m.Float64Histogram("hark.outbound.duration",
		metric.WithDescription("Latency of analysis service calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) RecordCommand(ctx context.Context, intent string) {
	if m == nil {
		return
	}
	m.Commands.Add(ctx, 1, metric.WithAttributes(attribute.String("intent", intent)))
}

func (m *Metrics) RecordNotification(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.Notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordProviderError(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.Sessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
}

func (m *Metrics) SessionEnded(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}

func (m *Metrics) RecordOutbound(ctx context.Context, call string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.OutboundDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("call", call),
		attribute.String("status", status),
	))
}
