package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/voicesearch/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

const (
	exporterOTLP   = "otlp"
	exporterStdout = "stdout"
	exporterNone   = "none"
)

// telemetry owns the process trace and meter providers. Session metrics are
// scraped from handler.
type telemetry struct {
	tracer  *sdktrace.TracerProvider
	meter   *sdkmetric.MeterProvider
	handler http.Handler
}

func setupTelemetry(ctx context.Context, cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	res, err := voiceResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	exporter, kind, err := traceExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reader, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}

	t := &telemetry{
		tracer:  sdktrace.NewTracerProvider(traceOpts...),
		meter:   sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res)),
		handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	otel.SetTracerProvider(t.tracer)
	otel.SetMeterProvider(t.meter)

	logger.Info("telemetry initialized",
		slog.String("traces", kind),
		slog.String("otlp_endpoint", cfg.Telemetry.OTLPEndpoint),
		slog.String("prometheus_bind", cfg.Telemetry.PrometheusBind))
	return t, nil
}

// voiceResource describes this daemon and the voice pipeline it runs.
func voiceResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			semconv.ServiceVersion(Version),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("voicesearch.audio.mode", cfg.Audio.Mode),
			attribute.String("voicesearch.stt.mode", cfg.STT.Mode),
			attribute.String("voicesearch.stt.locale", cfg.STT.Language),
		),
	)
}

// traceExporter picks OTLP when an endpoint is set, then stdout when asked
// for. Otherwise spans are recorded but not exported.
func traceExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		return exp, exporterOTLP, err
	}
	if cfg.StdoutTraces {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		return exp, exporterStdout, err
	}
	return nil, exporterNone, nil
}

func (t *telemetry) Handler() http.Handler {
	return t.handler
}

// Shutdown flushes pending spans and metrics.
func (t *telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.meter.Shutdown(ctx), t.tracer.Shutdown(ctx))
}
