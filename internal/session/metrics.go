package session

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/loqalabs/voicesearch/session"

type metrics struct {
	started  metric.Int64Counter
	stopped  metric.Int64Counter
	rearms   metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics(log *slog.Logger) *metrics {
	m, err := buildMetrics(otel.Meter(instrumentationName))
	if err != nil {
		log.Warn("failed to initialize metrics", slogError(err))
		m, _ = buildMetrics(noop.Meter{})
	}
	return m
}

func buildMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	if m.started, err = meter.Int64Counter("voicesearch.sessions.started",
		metric.WithDescription("Recording sessions started")); err != nil {
		return nil, err
	}
	if m.stopped, err = meter.Int64Counter("voicesearch.sessions.stopped",
		metric.WithDescription("Recording sessions stopped, by reason")); err != nil {
		return nil, err
	}
	if m.rearms, err = meter.Int64Counter("voicesearch.silence.rearms",
		metric.WithDescription("Silence timer armings caused by new recognized words")); err != nil {
		return nil, err
	}
	if m.errors, err = meter.Int64Counter("voicesearch.recognition.errors",
		metric.WithDescription("Errors reported by the recognition stream")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("voicesearch.session.duration",
		metric.WithDescription("Recording session duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *metrics) sessionStopped(reason StopReason, d time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("reason", string(reason)))
	m.stopped.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}
