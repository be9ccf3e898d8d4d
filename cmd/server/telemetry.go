package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/INLOpen/nexusingest/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

const serviceName = "nexusingest"

// newLogger builds the process logger. Every record carries the service and
// node so logs of several ingest nodes can share one sink.
func newLogger(cfg config.LoggingConfig, nodeID string) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("invalid logging.level %q: %w", cfg.Level, err)
	}
	out, closer, err := logOutput(cfg)
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: level <= slog.LevelDebug}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		handler = slog.NewJSONHandler(out, opts)
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		if closer != nil {
			closer.Close()
		}
		return nil, nil, fmt.Errorf("invalid logging.format %q", cfg.Format)
	}
	return slog.New(handler).With("service", serviceName, "node_id", nodeID), closer, nil
}

func logOutput(cfg config.LoggingConfig) (io.Writer, io.Closer, error) {
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	case "none":
		return io.Discard, nil, nil
	case "file":
		if cfg.File == "" {
			return nil, nil, errors.New("logging.output is file but logging.file is empty")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		return f, f, nil
	}
	return nil, nil, fmt.Errorf("invalid logging.output %q", cfg.Output)
}

// newTracerProvider returns the provider the decoding processors trace
// through and a shutdown func that flushes pending spans. With tracing
// disabled the provider records nothing.
func newTracerProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	tc := cfg.Tracing
	if !tc.Enabled {
		logger.Info("Distributed tracing is disabled.")
		tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		return tp, tp.Shutdown, nil
	}
	ratio := tc.SampleRatio
	if ratio < 0 || ratio > 1 {
		return nil, nil, fmt.Errorf("tracing.sample_ratio %v is outside [0, 1]", ratio)
	}
	if ratio == 0 {
		ratio = 1
	}

	exporter, err := newSpanExporter(ctx, tc)
	if err != nil {
		return nil, nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceInstanceIDKey.String(cfg.Node.ID),
			attribute.String("nexusingest.input_buffer.mode", cfg.InputBuffer.Mode),
		),
		resource.WithHost(),
		resource.WithProcessPID(),
	)
	if err != nil && !errors.Is(err, resource.ErrPartialResource) {
		exporter.Shutdown(ctx)
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	logger.Info("Distributed tracing enabled", "protocol", tc.Protocol, "endpoint", tc.Endpoint, "sample_ratio", ratio)
	return tp, tp.Shutdown, nil
}

func newSpanExporter(ctx context.Context, tc config.TracingConfig) (*otlptrace.Exporter, error) {
	var client otlptrace.Client
	switch strings.ToLower(tc.Protocol) {
	case "grpc":
		client = otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(tc.Endpoint), otlptracegrpc.WithInsecure())
	case "http":
		client = otlptracehttp.NewClient(otlptracehttp.WithEndpoint(tc.Endpoint), otlptracehttp.WithInsecure())
	default:
		return nil, fmt.Errorf("unsupported tracing.protocol %q", tc.Protocol)
	}
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", tc.Protocol, err)
	}
	return exporter, nil
}
