// Package observe provides logging, metrics and error reporting for livescribe.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs a Prometheus exporter bridge so they can be scraped from /metrics.
// Tests should use [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "livescribe"

// Metrics holds the metric instruments of a transcription client.
type Metrics struct {
	FramesSent       metric.Int64Counter
	FramesDropped    metric.Int64Counter
	FinalTranscripts metric.Int64Counter
	Reconnects       metric.Int64Counter

	// SessionFailures counts failed sessions by attribute "kind".
	SessionFailures metric.Int64Counter

	ActiveSessions metric.Int64UpDownCounter

	// SessionBeginsLatency is the time from socket open to SessionBegins.
	SessionBeginsLatency metric.Float64Histogram

	// HostMessagesDropped counts host messages the relay hub could not queue.
	HostMessagesDropped metric.Int64Counter
}

var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5,
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesSent, err = m.Int64Counter("livescribe.frames.sent",
		metric.WithDescription("Audio frames sent to the transcription service."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livescribe.frames.dropped",
		metric.WithDescription("Audio frames dropped from the pending buffer."),
	); err != nil {
		return nil, err
	}
	if met.FinalTranscripts, err = m.Int64Counter("livescribe.transcripts.final",
		metric.WithDescription("Final transcripts received."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("livescribe.reconnects",
		metric.WithDescription("Reconnection attempts."),
	); err != nil {
		return nil, err
	}
	if met.SessionFailures, err = m.Int64Counter("livescribe.session.failures",
		metric.WithDescription("Sessions that ended in the failed state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("livescribe.sessions.active",
		metric.WithDescription("Live transcription sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionBeginsLatency, err = m.Float64Histogram("livescribe.session_begins.latency",
		metric.WithDescription("Time from socket open to session acknowledgment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HostMessagesDropped, err = m.Int64Counter("livescribe.host_messages.dropped",
		metric.WithDescription("Host messages dropped because the broadcast queue was full."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// NopMetrics returns instruments that record nothing.
func NopMetrics() *Metrics {
	met, _ := NewMetrics(noop.NewMeterProvider())
	return met
}

// RecordFailure counts a failed session.
func (m *Metrics) RecordFailure(ctx context.Context, kind string) {
	m.SessionFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
