package config

import (
	"time"
)

// Version represents the configuration file version
const (
	CurrentConfigVersion = "v1"
)

// Config represents the complete replay configuration
type Config struct {
	// Version of the configuration schema
	Version string `yaml:"version" json:"version" env:"VERSION"`

	// Application metadata
	Application ApplicationConfig `yaml:"application" json:"application" envPrefix:"APPLICATION_"`

	// Replay engine configuration
	Replay ReplayConfig `yaml:"replay" json:"replay" envPrefix:"REPLAY_"`

	// Historical archive configuration
	Archive ArchiveConfig `yaml:"archive" json:"archive" envPrefix:"ARCHIVE_"`

	// Destination stream configuration
	Sink SinkConfig `yaml:"sink" json:"sink" envPrefix:"SINK_"`

	// Dead letter store for failed sends
	DeadLetter DeadLetterConfig `yaml:"dead_letter" json:"dead_letter" envPrefix:"DEAD_LETTER_"`

	// Metrics and monitoring configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics" envPrefix:"METRICS_"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging" envPrefix:"LOGGING_"`

	// Tracing configuration
	Tracing TracingConfig `yaml:"tracing" json:"tracing" envPrefix:"TRACING_"`
}

// ApplicationConfig holds application-level metadata
type ApplicationConfig struct {
	Name        string `yaml:"name" json:"name" env:"NAME"`
	Environment string `yaml:"environment" json:"environment" env:"ENVIRONMENT"` // development, staging, production, test
}

// ReplayConfig holds the pacing, buffering and flow-control settings
type ReplayConfig struct {
	SpeedupFactor       float64       `yaml:"speedup_factor" json:"speedup_factor" env:"SPEEDUP_FACTOR"`
	TimestampAttribute  string        `yaml:"timestamp_attribute" json:"timestamp_attribute" env:"TIMESTAMP_ATTRIBUTE"`
	SeekTo              string        `yaml:"seek_to" json:"seek_to" env:"SEEK_TO"` // RFC3339
	StatisticsFrequency time.Duration `yaml:"statistics_frequency" json:"statistics_frequency" env:"STATISTICS_FREQUENCY"`
	BufferCapacity      int           `yaml:"buffer_capacity" json:"buffer_capacity" env:"BUFFER_CAPACITY"`
	MaxOutstanding      int           `yaml:"max_outstanding" json:"max_outstanding" env:"MAX_OUTSTANDING"` // 0 = unbounded
	WatermarkInterval   time.Duration `yaml:"watermark_interval" json:"watermark_interval" env:"WATERMARK_INTERVAL"`
	NoWatermark         bool          `yaml:"no_watermark" json:"no_watermark" env:"NO_WATERMARK"`
	NoSink              bool          `yaml:"no_sink" json:"no_sink" env:"NO_SINK"`
	LagWarningThreshold time.Duration `yaml:"lag_warning_threshold" json:"lag_warning_threshold" env:"LAG_WARNING_THRESHOLD"`
	DrainTimeout        time.Duration `yaml:"drain_timeout" json:"drain_timeout" env:"DRAIN_TIMEOUT"`
}

// SeekInstant parses SeekTo; the zero time means no seek
func (r ReplayConfig) SeekInstant() (time.Time, error) {
	if r.SeekTo == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, r.SeekTo)
}

// ArchiveConfig locates the historical archive
type ArchiveConfig struct {
	Bucket     string           `yaml:"bucket" json:"bucket" env:"BUCKET"` // root directory of the object store
	Prefix     string           `yaml:"prefix" json:"prefix" env:"PREFIX"`
	Region     string           `yaml:"region" json:"region" env:"REGION"`
	SchemaFile string           `yaml:"schema_file" json:"schema_file" env:"SCHEMA_FILE"`
	Normalizer NormalizerConfig `yaml:"normalizer" json:"normalizer" envPrefix:"NORMALIZER_"`
}

// NormalizerConfig describes how raw archive records become event payloads
type NormalizerConfig struct {
	// HeaderAliases maps lower-cased source field names to canonical names
	HeaderAliases  map[string]string `yaml:"header_aliases" json:"header_aliases"`
	RequiredFields []string          `yaml:"required_fields" json:"required_fields" env:"REQUIRED_FIELDS" envSeparator:","`
	DatetimeFields []string          `yaml:"datetime_fields" json:"datetime_fields" env:"DATETIME_FIELDS" envSeparator:","`
	DatetimeLayout string            `yaml:"datetime_layout" json:"datetime_layout" env:"DATETIME_LAYOUT"`
	FloatFields    []string          `yaml:"float_fields" json:"float_fields" env:"FLOAT_FIELDS" envSeparator:","`
	IntFields      []string          `yaml:"int_fields" json:"int_fields" env:"INT_FIELDS" envSeparator:","`
	// DistanceFields are converted from miles to meters
	DistanceFields []string `yaml:"distance_fields" json:"distance_fields" env:"DISTANCE_FIELDS" envSeparator:","`
	// ObjectTypes are matched in order against segment keys
	ObjectTypes []ObjectTypeRule `yaml:"object_types" json:"object_types"`
}

// ObjectTypeRule assigns a record type to segments whose key contains Match
type ObjectTypeRule struct {
	Match string `yaml:"match" json:"match"`
	Type  string `yaml:"type" json:"type"`
}

// SinkConfig describes the destination stream
type SinkConfig struct {
	Type         string              `yaml:"type" json:"type" env:"TYPE"` // kafka, nats, timescaledb, websocket, log
	Stream       string              `yaml:"stream" json:"stream" env:"STREAM"`
	Region       string              `yaml:"region" json:"region" env:"REGION"`
	Aggregate    bool                `yaml:"aggregate" json:"aggregate" env:"AGGREGATE"`
	Encoding     string              `yaml:"encoding" json:"encoding" env:"ENCODING"` // json, protobuf
	RecordTTL    time.Duration       `yaml:"record_ttl" json:"record_ttl" env:"RECORD_TTL"`
	Kafka        KafkaSinkConfig     `yaml:"kafka" json:"kafka" envPrefix:"KAFKA_"`
	NATS         NATSSinkConfig      `yaml:"nats" json:"nats" envPrefix:"NATS_"`
	TimescaleDB  TimescaleSinkConfig `yaml:"timescaledb" json:"timescaledb" envPrefix:"TIMESCALEDB_"`
	WebSocket    WebSocketSinkConfig `yaml:"websocket" json:"websocket" envPrefix:"WEBSOCKET_"`
	ConnectRetry RetryConfig         `yaml:"connect_retry" json:"connect_retry" envPrefix:"CONNECT_RETRY_"`
	Breaker      BreakerConfig       `yaml:"circuit_breaker" json:"circuit_breaker" envPrefix:"CIRCUIT_BREAKER_"`
}

// KafkaSinkConfig holds Kafka sink configuration
type KafkaSinkConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers" env:"BROKERS" envSeparator:","`
	// Properties are passed to the producer verbatim and win over derived settings
	Properties map[string]string `yaml:"properties" json:"properties"`
}

// NATSSinkConfig holds NATS JetStream sink configuration
type NATSSinkConfig struct {
	URL     string `yaml:"url" json:"url" env:"URL"`
	Subject string `yaml:"subject" json:"subject" env:"SUBJECT"`
	// Stream is created when missing; empty means it must already exist
	Stream     string `yaml:"stream" json:"stream" env:"STREAM"`
	MaxPending int    `yaml:"max_pending" json:"max_pending" env:"MAX_PENDING"`
}

// TimescaleSinkConfig holds TimescaleDB sink configuration
type TimescaleSinkConfig struct {
	ConnectionString string        `yaml:"connection_string" json:"connection_string" env:"CONNECTION_STRING"`
	Table            string        `yaml:"table" json:"table" env:"TABLE"`
	BatchSize        int           `yaml:"batch_size" json:"batch_size" env:"BATCH_SIZE"`
	FlushInterval    time.Duration `yaml:"flush_interval" json:"flush_interval" env:"FLUSH_INTERVAL"`
}

// WebSocketSinkConfig holds WebSocket sink configuration
type WebSocketSinkConfig struct {
	URL       string `yaml:"url" json:"url" env:"URL"`
	QueueSize int    `yaml:"queue_size" json:"queue_size" env:"QUEUE_SIZE"`
}

// RetryConfig holds retry settings for sink connection
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff" env:"MAX_BACKOFF"`
}

// BreakerConfig guards the sink with a circuit breaker. While open, sends
// fail immediately and are handled like any other failed send.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	FailureThreshold uint32        `yaml:"failure_threshold" json:"failure_threshold" env:"FAILURE_THRESHOLD"`
	SuccessThreshold uint32        `yaml:"success_threshold" json:"success_threshold" env:"SUCCESS_THRESHOLD"`
	OpenTimeout      time.Duration `yaml:"open_timeout" json:"open_timeout" env:"OPEN_TIMEOUT"`
	MaxTrials        uint32        `yaml:"max_trials" json:"max_trials" env:"MAX_TRIALS"`
}

// DeadLetterConfig holds the failed-send store configuration
type DeadLetterConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Type    string `yaml:"type" json:"type" env:"TYPE"` // memory, file
	Path    string `yaml:"path" json:"path" env:"PATH"`
	MaxSize int    `yaml:"max_size" json:"max_size" env:"MAX_SIZE"`
}

// MetricsConfig holds metrics and monitoring configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Address string `yaml:"address" json:"address" env:"ADDRESS"`
	Path    string `yaml:"path" json:"path" env:"PATH"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format" env:"FORMAT"` // json, console
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Exporter     string  `yaml:"exporter" json:"exporter" env:"EXPORTER"` // stdout, otlp
	Endpoint     string  `yaml:"endpoint" json:"endpoint" env:"ENDPOINT"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate" env:"SAMPLING_RATE"`
}

// DefaultNormalizerConfig returns the field tables for NYC TLC trip records
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		HeaderAliases: map[string]string{
			"ratecodeid":            "rate_code",
			"vendorid":              "vendor_id",
			"dolocationid":          "dropoff_location_id",
			"pulocationid":          "pickup_location_id",
			"tpep_dropoff_datetime": "dropoff_datetime",
			"tpep_pickup_datetime":  "pickup_datetime",
			"lpep_dropoff_datetime": "dropoff_datetime",
			"lpep_pickup_datetime":  "pickup_datetime",
		},
		RequiredFields: []string{"dropoff_datetime", "pickup_datetime"},
		DatetimeFields: []string{"dropoff_datetime", "pickup_datetime"},
		DatetimeLayout: "2006-01-02 15:04:05",
		FloatFields: []string{
			"pickup_latitude", "pickup_longitude",
			"dropoff_latitude", "dropoff_longitude",
		},
		IntFields:      []string{"passenger_count"},
		DistanceFields: []string{"trip_distance"},
		// fhvhv must be tested before fhv
		ObjectTypes: []ObjectTypeRule{
			{Match: "yellow", Type: "yellow"},
			{Match: "green", Type: "green"},
			{Match: "fhvhv", Type: "fhvhv"},
			{Match: "fhv", Type: "fhv"},
		},
	}
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: CurrentConfigVersion,
		Application: ApplicationConfig{
			Name:        "gress-replay",
			Environment: "development",
		},
		Replay: ReplayConfig{
			SpeedupFactor:       3600,
			TimestampAttribute:  "pickup_datetime",
			StatisticsFrequency: 20 * time.Second,
			BufferCapacity:      100000,
			MaxOutstanding:      10000,
			WatermarkInterval:   5 * time.Second,
			LagWarningThreshold: 30 * time.Second,
			DrainTimeout:        30 * time.Second,
		},
		Archive: ArchiveConfig{
			Bucket:     "nyc-tlc",
			Prefix:     "trip data/",
			Normalizer: DefaultNormalizerConfig(),
		},
		Sink: SinkConfig{
			Type:      "kafka",
			Stream:    "taxi-trip-events",
			Encoding:  "json",
			RecordTTL: 60 * time.Second,
			Kafka: KafkaSinkConfig{
				Brokers: []string{"localhost:9092"},
			},
			NATS: NATSSinkConfig{
				URL:        "nats://localhost:4222",
				MaxPending: 4096,
			},
			TimescaleDB: TimescaleSinkConfig{
				Table:         "replay_events",
				BatchSize:     500,
				FlushInterval: time.Second,
			},
			WebSocket: WebSocketSinkConfig{
				QueueSize: 1024,
			},
			ConnectRetry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: 500 * time.Millisecond,
				MaxBackoff:     10 * time.Second,
			},
			Breaker: BreakerConfig{
				Enabled:          false,
				FailureThreshold: 50,
				SuccessThreshold: 5,
				OpenTimeout:      10 * time.Second,
				MaxTrials:        5,
			},
		},
		DeadLetter: DeadLetterConfig{
			Enabled: false,
			Type:    "memory",
			Path:    "./dlq/failed-sends.jsonl",
			MaxSize: 10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9091",
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "stdout",
			Endpoint:     "http://localhost:4318/v1/traces",
			SamplingRate: 1.0,
		},
	}
}

// DevelopmentConfig returns a development-friendly configuration that replays
// without a destination
func DevelopmentConfig() *Config {
	config := DefaultConfig()
	config.Application.Environment = "development"
	config.Replay.NoSink = true
	config.Replay.BufferCapacity = 1000
	config.Replay.MaxOutstanding = 100
	config.Sink.Type = "log"
	config.Logging.Level = "debug"
	config.Logging.Format = "console"
	return config
}
