// Package tracing wires OpenTelemetry for a target run: one OTLP/gRPC
// exporter per process, spans per delivery and per HTTP request.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Environment variables read by GetConfig.
const (
	EnvEnabled     = "TARGET_API_OTEL_ENABLED"
	EnvSampleRatio = "TARGET_API_OTEL_SAMPLE_RATIO"
	EnvEndpoint    = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvInsecure    = "OTEL_EXPORTER_OTLP_INSECURE"
)

const defaultEndpoint = "localhost:4317"

// Config holds tracing configuration.
type Config struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
	ServiceName string
	RunID       string
}

// GetConfig reads tracing configuration from the environment. Tracing is off
// unless TARGET_API_OTEL_ENABLED is "true"; every run is sampled unless
// TARGET_API_OTEL_SAMPLE_RATIO says otherwise. The exporter connects without
// TLS unless OTEL_EXPORTER_OTLP_INSECURE is "false".
func GetConfig(serviceName, runID string) Config {
	cfg := Config{
		Enabled:     envBool(EnvEnabled, false),
		Endpoint:    strings.TrimSpace(os.Getenv(EnvEndpoint)),
		Insecure:    envBool(EnvInsecure, true),
		SampleRatio: 1,
		ServiceName: serviceName,
		RunID:       runID,
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(EnvSampleRatio)), 64); err == nil && v >= 0 && v <= 1 {
		cfg.SampleRatio = v
	}
	return cfg
}

func envBool(name string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}

// Initialize installs the global tracer provider and propagator and returns
// the run's tracer with the provider's shutdown. When tracing is disabled
// the tracer is a no-op and nothing global is touched.
func Initialize(ctx context.Context, cfg Config, logger *slog.Logger) (trace.Tracer, func(context.Context) error, error) {
	if !cfg.Enabled {
		logger.Debug("tracing disabled")
		return noop.NewTracerProvider().Tracer(cfg.ServiceName), func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		RunAttr(cfg.RunID),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Tracer(cfg.ServiceName), func(ctx context.Context) error {
		// flushes spans still queued in the batcher
		return tp.Shutdown(ctx)
	}, nil
}
