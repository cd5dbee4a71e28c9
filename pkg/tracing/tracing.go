package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/therealutkarshpriyadarshi/gress-replay"

// TracerProvider manages distributed tracing configuration
type TracerProvider struct {
	serviceName string
	logger      *zap.Logger
	enabled     bool
	sdk         *sdktrace.TracerProvider
	tracer      trace.Tracer
}

// Config holds tracing configuration
type Config struct {
	Enabled          bool
	ServiceName      string
	ServiceVersion   string
	Environment      string
	SamplingRate     float64
	ExporterType     string // "stdout", "otlp"
	ExporterEndpoint string
	// Writer receives spans from the stdout exporter; os.Stdout when nil
	Writer io.Writer
}

// DefaultConfig returns default tracing configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:          false,
		ServiceName:      "gress-replay",
		ServiceVersion:   "1.0.0",
		Environment:      "development",
		SamplingRate:     1.0,
		ExporterType:     "stdout",
		ExporterEndpoint: "http://localhost:4318/v1/traces",
	}
}

// NewProvider creates a new tracing provider. A disabled provider hands out
// no-op spans.
func NewProvider(ctx context.Context, config *Config, logger *zap.Logger) (*TracerProvider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	provider := &TracerProvider{
		serviceName: config.ServiceName,
		logger:      logger,
		enabled:     config.Enabled,
		tracer:      noop.NewTracerProvider().Tracer(instrumentationName),
	}

	if !config.Enabled {
		logger.Info("Distributed tracing is disabled")
		return provider, nil
	}

	exporter, err := newExporter(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s exporter: %w", config.ExporterType, err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracing resource: %w", err)
	}

	provider.sdk = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
	)
	provider.tracer = provider.sdk.Tracer(instrumentationName)

	otel.SetTracerProvider(provider.sdk)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("Distributed tracing initialized",
		zap.String("service", config.ServiceName),
		zap.String("exporter", config.ExporterType),
		zap.String("endpoint", config.ExporterEndpoint))

	return provider, nil
}

func newExporter(ctx context.Context, config *Config) (sdktrace.SpanExporter, error) {
	switch config.ExporterType {
	case "otlp":
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(config.ExporterEndpoint))
	case "stdout", "":
		w := config.Writer
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(w))
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", config.ExporterType)
	}
}

// Enabled reports whether spans are exported
func (tp *TracerProvider) Enabled() bool {
	return tp != nil && tp.enabled
}

// StartSpan starts a new tracing span
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tp == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tp.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes pending spans and releases the exporter
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.sdk == nil {
		return nil
	}

	tp.logger.Info("Shutting down tracing provider")
	return tp.sdk.Shutdown(ctx)
}

// EndSpan records err on span, if any, and ends it
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceID returns the trace ID carried by ctx, or "" when there is none
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// SpanID returns the span ID carried by ctx, or "" when there is none
func SpanID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasSpanID() {
		return ""
	}
	return sc.SpanID().String()
}
