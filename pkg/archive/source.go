package archive

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/config"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/metrics"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/stream"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SourceConfig configures an archive Source
type SourceConfig struct {
	Store              ObjectStore
	Bucket             string
	Prefix             string
	TimestampAttribute string
	Normalizer         config.NormalizerConfig
	Validator          *PayloadValidator // optional
	Scheduler          *stream.Scheduler
	Metrics            *metrics.Collector
	Tracing            *tracing.InstrumentationHelper
	Logger             *zap.Logger
}

// Source reads archive segments in key order and yields normalized events.
// Unreadable segments and invalid records are skipped with a warning.
type Source struct {
	mu         sync.Mutex
	config     SourceConfig
	ctx        context.Context
	normalizer *Normalizer
	objects    []ObjectInfo
	nextObject int

	reader     recordReader
	segment    string
	objectType string
	format     Format
	offset     int64
	span       trace.Span

	next   *record
	closed bool
}

// record is a parsed archive record waiting to become an event
type record struct {
	key       string
	payload   []byte
	timestamp time.Time
	segment   string
	offset    int64
}

// NewSource lists the archive and positions the source on the first valid
// record. Listing failures wrap errors.ErrSourceUnavailable.
func NewSource(ctx context.Context, config SourceConfig) (*Source, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("archive store is required")
	}
	if config.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Tracing == nil {
		config.Tracing = tracing.NewInstrumentationHelper(nil, config.Logger)
	}

	objects, err := config.Store.List(ctx, config.Prefix)
	if err != nil {
		return nil, err
	}

	config.Logger.Info("Archive listed",
		zap.String("bucket", config.Bucket),
		zap.String("prefix", config.Prefix),
		zap.Int("objects", len(objects)))

	s := &Source{
		config:     config,
		ctx:        ctx,
		normalizer: NewNormalizer(config.Normalizer),
		objects:    objects,
	}

	s.advance()
	return s, nil
}

// Open builds a Source for the configured archive bucket and prefix
func Open(ctx context.Context, cfg *config.ArchiveConfig, timestampAttribute string, scheduler *stream.Scheduler,
	collector *metrics.Collector, instr *tracing.InstrumentationHelper, logger *zap.Logger) (*Source, error) {
	store, err := NewLocalStore(cfg.Bucket)
	if err != nil {
		return nil, err
	}

	var validator *PayloadValidator
	if cfg.SchemaFile != "" {
		validator, err = NewPayloadValidator(cfg.SchemaFile)
		if err != nil {
			return nil, err
		}
	}

	return NewSource(ctx, SourceConfig{
		Store:              store,
		Bucket:             cfg.Bucket,
		Prefix:             cfg.Prefix,
		TimestampAttribute: timestampAttribute,
		Normalizer:         cfg.Normalizer,
		Validator:          validator,
		Scheduler:          scheduler,
		Metrics:            collector,
		Tracing:            instr,
		Logger:             logger,
	})
}

// HasNext implements stream.Source
func (s *Source) HasNext() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next != nil
}

// Next implements stream.Source. The schedule time is assigned here, so the
// first event handed out after a scheduler reset becomes the origin.
func (s *Source) Next() *stream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.next
	if r == nil {
		return nil
	}
	s.advance()

	return &stream.Event{
		Key:          r.key,
		Payload:      r.payload,
		Timestamp:    r.timestamp,
		ScheduleTime: s.config.Scheduler.Schedule(r.timestamp),
		Kind:         stream.KindRecord,
		Segment:      r.segment,
		Offset:       r.offset,
	}
}

// Seek implements stream.Source
func (s *Source) Seek(ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts.IsZero() {
		return
	}

	skipped := 0
	for s.next != nil && s.next.timestamp.Before(ts) {
		s.advance()
		skipped++
	}

	s.config.Logger.Info("Seeked archive",
		zap.Time("seek_to", ts),
		zap.Int("skipped", skipped),
		zap.Bool("exhausted", s.next == nil))
}

// Close implements stream.Source
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.next = nil
	return s.closeSegment(nil)
}

// advance moves the lookahead to the next valid record, crossing segments as needed
func (s *Source) advance() {
	s.next = nil

	for !s.closed {
		if s.reader == nil && !s.openNext() {
			return
		}

		raw, err := s.reader.Read()
		if err == io.EOF {
			s.config.Logger.Info("Finished object",
				zap.String("key", s.segment),
				zap.Int64("records", s.offset))
			s.closeSegment(nil)
			continue
		}
		if err != nil {
			var recErr *recordError
			if stderrors.As(err, &recErr) {
				s.discard("malformed", err, nil)
				continue
			}
			s.config.Logger.Warn("Failed to read object, skipping remainder",
				zap.String("key", s.segment),
				zap.Int64("offset", s.offset),
				zap.Error(err))
			s.closeSegment(err)
			continue
		}

		s.offset++
		if r := s.parse(raw); r != nil {
			s.next = r
			if s.config.Metrics != nil {
				s.config.Metrics.RecordsRead.Inc()
			}
			return
		}
	}
}

// parse normalizes a raw record; invalid records are discarded and yield nil
func (s *Source) parse(raw map[string]interface{}) *record {
	raw["type"] = s.objectType

	fields, err := s.normalizer.Record(raw)
	if err != nil {
		s.discard("invalid_field", err, raw)
		return nil
	}

	ts, err := s.normalizer.Timestamp(fields, s.config.TimestampAttribute)
	if err != nil {
		s.discard("bad_timestamp", err, raw)
		return nil
	}

	// encoding/json writes map keys in sorted order
	payload, err := json.Marshal(fields)
	if err != nil {
		s.discard("encode", err, raw)
		return nil
	}

	if s.config.Validator != nil {
		if err := s.config.Validator.Validate(payload); err != nil {
			s.discard("schema", err, raw)
			return nil
		}
	}

	return &record{
		key:       stream.KeyFor(payload),
		payload:   payload,
		timestamp: ts,
		segment:   s.segment,
		offset:    s.offset,
	}
}

func (s *Source) discard(reason string, err error, raw map[string]interface{}) {
	s.config.Logger.Warn("Discard invalid record",
		zap.String("key", s.segment),
		zap.Int64("offset", s.offset),
		zap.String("reason", reason),
		zap.Any("record", raw),
		zap.Error(err))

	if s.config.Metrics != nil {
		s.config.Metrics.RecordsDiscarded.WithLabelValues(reason).Inc()
	}
}

// openNext opens the next readable segment and reports whether one was found
func (s *Source) openNext() bool {
	for s.nextObject < len(s.objects) {
		obj := s.objects[s.nextObject]
		s.nextObject++

		format, compressed := DetectFormat(obj.Key)
		if format == FormatUnknown {
			s.skip(obj.Key, "format", zap.InfoLevel, nil)
			continue
		}

		objectType, ok := s.normalizer.ObjectType(obj.Key)
		if !ok {
			s.skip(obj.Key, "object_type", zap.InfoLevel, nil)
			continue
		}

		body, err := s.config.Store.Open(s.ctx, obj.Key)
		if err != nil {
			if s.ctx.Err() != nil {
				return false
			}
			s.skip(obj.Key, "open_failed", zap.WarnLevel, err)
			continue
		}

		reader, err := openReader(body, format, compressed, s.normalizer.Header)
		if err != nil {
			reason := "open_failed"
			if stderrors.Is(err, errNoHeader) {
				reason = "no_header"
			}
			s.skip(obj.Key, reason, zap.WarnLevel, err)
			continue
		}

		_, span := s.config.Tracing.TraceSegment(s.ctx, obj.Key, format.String())

		s.reader = reader
		s.segment = obj.Key
		s.objectType = objectType
		s.format = format
		s.offset = 0
		s.span = span

		if s.config.Metrics != nil {
			s.config.Metrics.SegmentsOpened.WithLabelValues(format.String()).Inc()
		}

		s.config.Logger.Info("Reading object",
			zap.String("bucket", s.config.Bucket),
			zap.String("key", obj.Key),
			zap.String("format", format.String()),
			zap.Bool("compressed", compressed),
			zap.String("type", objectType))
		return true
	}

	s.config.Logger.Info("No next archive object")
	return false
}

func (s *Source) skip(key, reason string, level zapcore.Level, err error) {
	fields := []zap.Field{
		zap.String("bucket", s.config.Bucket),
		zap.String("key", key),
		zap.String("reason", reason),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}

	if level == zap.WarnLevel {
		s.config.Logger.Warn("Skipping object", fields...)
	} else {
		s.config.Logger.Info("Skipping object", fields...)
	}

	if s.config.Metrics != nil {
		s.config.Metrics.SegmentsSkipped.WithLabelValues(reason).Inc()
	}
}

func (s *Source) closeSegment(cause error) error {
	if s.reader == nil {
		return nil
	}

	err := s.reader.Close()
	if err != nil {
		s.config.Logger.Warn("Failed to close object", zap.String("key", s.segment), zap.Error(err))
	}

	if s.span != nil {
		tracing.EndSpan(s.span, cause)
		s.span = nil
	}

	s.reader = nil
	s.segment = ""
	s.objectType = ""
	return err
}
