package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors struct {
	Errors []ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("found %d validation error(s):\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s: %s\n", err.Field, err.Message))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Add adds a validation error
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, ValidationError{
		Field:   field,
		Message: message,
	})
}

// Validate validates the entire configuration
func Validate(config *Config) error {
	errs := &ValidationErrors{}

	validateVersion(config, errs)
	validateApplication(config, errs)
	validateReplay(config, errs)
	validateArchive(config, errs)
	if !config.Replay.NoSink {
		validateSink(config, errs)
	}
	validateDeadLetter(config, errs)
	validateMetrics(config, errs)
	validateLogging(config, errs)
	validateTracing(config, errs)

	if errs.HasErrors() {
		return errs
	}

	return nil
}

func validateVersion(config *Config, errs *ValidationErrors) {
	if err := ValidateVersion(config.Version); err != nil {
		errs.Add("version", err.Error())
	}
}

func validateApplication(config *Config, errs *ValidationErrors) {
	if config.Application.Name == "" {
		errs.Add("application.name", "application name is required")
	}

	if config.Application.Environment != "" {
		checkOneOf(errs, "application.environment", "environment", config.Application.Environment,
			"development", "staging", "production", "test")
	}
}

func validateReplay(config *Config, errs *ValidationErrors) {
	r := config.Replay

	if r.SpeedupFactor <= 0 {
		errs.Add("replay.speedup_factor", "speedup factor must be positive")
	}

	if r.TimestampAttribute == "" {
		errs.Add("replay.timestamp_attribute", "timestamp attribute is required")
	}

	if _, err := r.SeekInstant(); err != nil {
		errs.Add("replay.seek_to", fmt.Sprintf("seek_to must be RFC3339: %v", err))
	}

	if r.StatisticsFrequency <= 0 {
		errs.Add("replay.statistics_frequency", "statistics frequency must be positive")
	}

	if r.BufferCapacity <= 0 {
		errs.Add("replay.buffer_capacity", "buffer capacity must be positive")
	}

	if r.MaxOutstanding < 0 {
		errs.Add("replay.max_outstanding", "max outstanding must be >= 0 (0 = unbounded)")
	}

	if !r.NoWatermark && r.WatermarkInterval <= 0 {
		errs.Add("replay.watermark_interval", "watermark interval must be positive when watermarks are enabled")
	}

	if r.LagWarningThreshold < 0 {
		errs.Add("replay.lag_warning_threshold", "lag warning threshold must be >= 0")
	}

	if r.DrainTimeout <= 0 {
		errs.Add("replay.drain_timeout", "drain timeout must be positive")
	}
}

func validateArchive(config *Config, errs *ValidationErrors) {
	a := config.Archive

	if a.Bucket == "" {
		errs.Add("archive.bucket", "bucket is required")
	}

	if a.SchemaFile != "" && !fileExists(a.SchemaFile) {
		errs.Add("archive.schema_file", fmt.Sprintf("schema file does not exist: %s", a.SchemaFile))
	}

	n := a.Normalizer
	if len(n.DatetimeFields) > 0 {
		if n.DatetimeLayout == "" {
			errs.Add("archive.normalizer.datetime_layout", "datetime layout is required when datetime fields are set")
		} else if _, err := time.Parse(n.DatetimeLayout, time.Date(2019, 1, 2, 3, 4, 5, 0, time.UTC).Format(n.DatetimeLayout)); err != nil {
			errs.Add("archive.normalizer.datetime_layout", fmt.Sprintf("invalid layout: %v", err))
		}
	}

	for i, rule := range n.ObjectTypes {
		prefix := fmt.Sprintf("archive.normalizer.object_types[%d]", i)
		if rule.Match == "" {
			errs.Add(prefix+".match", "match is required")
		}
		if rule.Type == "" {
			errs.Add(prefix+".type", "type is required")
		}
	}
}

func validateSink(config *Config, errs *ValidationErrors) {
	s := config.Sink

	if !checkOneOf(errs, "sink.type", "sink type", s.Type, "kafka", "nats", "timescaledb", "websocket", "log") {
		return
	}

	checkOneOf(errs, "sink.encoding", "encoding", s.Encoding, "json", "protobuf")

	if s.Stream == "" {
		errs.Add("sink.stream", "destination stream is required")
	}

	if s.RecordTTL < 0 {
		errs.Add("sink.record_ttl", "record TTL must be >= 0")
	}

	switch s.Type {
	case "kafka":
		if len(s.Kafka.Brokers) == 0 {
			errs.Add("sink.kafka.brokers", "at least one broker is required")
		}
	case "nats":
		if s.NATS.URL == "" {
			errs.Add("sink.nats.url", "NATS URL is required")
		}
		if s.NATS.MaxPending < 0 {
			errs.Add("sink.nats.max_pending", "max pending must be >= 0")
		}
	case "timescaledb":
		if s.TimescaleDB.ConnectionString == "" {
			errs.Add("sink.timescaledb.connection_string", "connection string is required")
		}
		if s.TimescaleDB.Table == "" {
			errs.Add("sink.timescaledb.table", "table name is required")
		}
		if s.TimescaleDB.BatchSize <= 0 {
			errs.Add("sink.timescaledb.batch_size", "batch size must be positive")
		}
		if s.TimescaleDB.FlushInterval <= 0 {
			errs.Add("sink.timescaledb.flush_interval", "flush interval must be positive")
		}
	case "websocket":
		if u, err := url.Parse(s.WebSocket.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs.Add("sink.websocket.url", "a ws:// or wss:// URL is required")
		}
		if s.WebSocket.QueueSize <= 0 {
			errs.Add("sink.websocket.queue_size", "queue size must be positive")
		}
	}

	if s.ConnectRetry.MaxAttempts < 0 {
		errs.Add("sink.connect_retry.max_attempts", "max attempts must be >= 0")
	}
	if s.ConnectRetry.MaxBackoff < s.ConnectRetry.InitialBackoff {
		errs.Add("sink.connect_retry.max_backoff", "max backoff must be >= initial backoff")
	}

	if b := s.Breaker; b.Enabled {
		if b.FailureThreshold == 0 {
			errs.Add("sink.circuit_breaker.failure_threshold", "failure threshold must be positive")
		}
		if b.SuccessThreshold == 0 {
			errs.Add("sink.circuit_breaker.success_threshold", "success threshold must be positive")
		}
		if b.OpenTimeout <= 0 {
			errs.Add("sink.circuit_breaker.open_timeout", "open timeout must be positive")
		}
	}
}

func validateDeadLetter(config *Config, errs *ValidationErrors) {
	d := config.DeadLetter
	if !d.Enabled {
		return
	}

	checkOneOf(errs, "dead_letter.type", "dead letter type", d.Type, "memory", "file")

	if d.Type == "file" && d.Path == "" {
		errs.Add("dead_letter.path", "path is required for file-based dead letter store")
	}

	if d.Type == "memory" && d.MaxSize <= 0 {
		errs.Add("dead_letter.max_size", "max size must be positive for in-memory dead letter store")
	}
}

func validateMetrics(config *Config, errs *ValidationErrors) {
	if config.Metrics.Enabled {
		if config.Metrics.Address == "" {
			errs.Add("metrics.address", "metrics address is required when metrics are enabled")
		}

		if config.Metrics.Path == "" {
			errs.Add("metrics.path", "metrics path is required when metrics are enabled")
		}
	}
}

func validateLogging(config *Config, errs *ValidationErrors) {
	checkOneOf(errs, "logging.level", "log level", config.Logging.Level, "debug", "info", "warn", "error")
	checkOneOf(errs, "logging.format", "log format", config.Logging.Format, "json", "console")
}

func validateTracing(config *Config, errs *ValidationErrors) {
	t := config.Tracing
	if !t.Enabled {
		return
	}

	checkOneOf(errs, "tracing.exporter", "exporter", t.Exporter, "stdout", "otlp")

	if t.Exporter == "otlp" && t.Endpoint == "" {
		errs.Add("tracing.endpoint", "endpoint is required for the otlp exporter")
	}

	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		errs.Add("tracing.sampling_rate", "sampling rate must be between 0 and 1")
	}
}

// checkOneOf records an error unless value is one of valid
func checkOneOf(errs *ValidationErrors, field, what, value string, valid ...string) bool {
	for _, v := range valid {
		if value == v {
			return true
		}
	}
	errs.Add(field, fmt.Sprintf("invalid %s %s (valid: %s)", what, value, strings.Join(valid, ", ")))
	return false
}

// ValidateAndLoad loads, applies env overrides and validates a configuration file
func ValidateAndLoad(path string) (*Config, error) {
	config, err := Load(path)
	if err != nil {
		return nil, err
	}

	if err := Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// fileExists checks if a file exists
func fileExists(path string) bool {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	_, err := os.Stat(path)
	return err == nil
}
