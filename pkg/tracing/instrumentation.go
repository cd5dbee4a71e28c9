package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextLogger returns a logger carrying the trace context of ctx
func ContextLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	traceID := TraceID(ctx)
	if traceID == "" {
		return logger
	}

	return logger.With(
		zap.String("trace_id", traceID),
		zap.String("span_id", SpanID(ctx)),
	)
}

// InstrumentationHelper provides tracing utilities for the replay pipeline
type InstrumentationHelper struct {
	provider *TracerProvider
	logger   *zap.Logger
}

// NewInstrumentationHelper creates a new instrumentation helper
func NewInstrumentationHelper(provider *TracerProvider, logger *zap.Logger) *InstrumentationHelper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InstrumentationHelper{
		provider: provider,
		logger:   logger,
	}
}

// TracePhase traces one dispatcher phase (prime, run, drain)
func (ih *InstrumentationHelper) TracePhase(ctx context.Context, phase, runID string) (context.Context, trace.Span) {
	return ih.provider.StartSpan(ctx, fmt.Sprintf("replay.%s", phase),
		attribute.String("replay.run_id", runID),
		attribute.String("component", "dispatcher"),
	)
}

// TraceSegment traces reading one archive segment
func (ih *InstrumentationHelper) TraceSegment(ctx context.Context, key, format string) (context.Context, trace.Span) {
	return ih.provider.StartSpan(ctx, "archive.segment",
		attribute.String("segment.key", key),
		attribute.String("segment.format", format),
		attribute.String("component", "archive"),
	)
}

// TraceWatermark traces a watermark emission
func (ih *InstrumentationHelper) TraceWatermark(ctx context.Context, watermark time.Time) (context.Context, trace.Span) {
	return ih.provider.StartSpan(ctx, "watermark.emit",
		attribute.String("watermark", watermark.UTC().Format(time.RFC3339Nano)),
		attribute.String("component", "watermark_emitter"),
	)
}

// StructuredLogConfig holds configuration for structured logging
type StructuredLogConfig struct {
	Level            zapcore.Level
	Development      bool
	Encoding         string
	EnableStacktrace bool
	EnableCaller     bool
	OutputPaths      []string
	ErrorOutputPaths []string
	InitialFields    map[string]interface{}
}

// DefaultStructuredLogConfig returns default structured logging configuration
func DefaultStructuredLogConfig() *StructuredLogConfig {
	return &StructuredLogConfig{
		Level:            zapcore.InfoLevel,
		Development:      false,
		Encoding:         "json",
		EnableStacktrace: false,
		EnableCaller:     true,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    make(map[string]interface{}),
	}
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(config *StructuredLogConfig) (*zap.Logger, error) {
	if config == nil {
		config = DefaultStructuredLogConfig()
	}
	encoding := config.Encoding
	if encoding == "" {
		encoding = "json"
	}

	zapConfig := zap.Config{
		Level:       zap.NewAtomicLevelAt(config.Level),
		Development: config.Development,
		Encoding:    encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      config.OutputPaths,
		ErrorOutputPaths: config.ErrorOutputPaths,
	}

	if len(config.InitialFields) > 0 {
		initialFields := make(map[string]interface{}, len(config.InitialFields))
		for k, v := range config.InitialFields {
			initialFields[k] = v
		}
		zapConfig.InitialFields = initialFields
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	if config.EnableCaller {
		logger = logger.WithOptions(zap.AddCaller())
	}

	if config.EnableStacktrace {
		logger = logger.WithOptions(zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return logger, nil
}
