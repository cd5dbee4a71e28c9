package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a file
// Supports both YAML and JSON formats
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))

	var config Config

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	return &config, nil
}

// LoadConfigWithDefaults loads configuration from a file and applies defaults for missing values
func LoadConfigWithDefaults(path string) (*Config, error) {
	config, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	applyDefaults(config)

	return config, nil
}

// LoadOrDefault attempts to load configuration from path, returns default config if
// path is empty or the file doesn't exist
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return LoadConfigWithDefaults(path)
}

// Load resolves the effective configuration: file (or defaults), then
// environment overrides, then validation
func Load(path string) (*Config, error) {
	config, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	if err := ApplyEnvOverrides(config); err != nil {
		return nil, err
	}

	return config, nil
}

// SaveConfig saves configuration to a file
// Format is determined by file extension
func SaveConfig(config *Config, path string) error {
	ext := strings.ToLower(filepath.Ext(path))

	var data []byte
	var err error

	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyDefaults fills in missing values with defaults. Booleans and
// max_outstanding are taken as written since their zero values are meaningful.
func applyDefaults(config *Config) {
	defaults := DefaultConfig()

	if config.Version == "" {
		config.Version = defaults.Version
	}

	// Application defaults
	if config.Application.Name == "" {
		config.Application.Name = defaults.Application.Name
	}
	if config.Application.Environment == "" {
		config.Application.Environment = defaults.Application.Environment
	}

	// Replay defaults
	r, dr := &config.Replay, defaults.Replay
	if r.SpeedupFactor == 0 {
		r.SpeedupFactor = dr.SpeedupFactor
	}
	if r.TimestampAttribute == "" {
		r.TimestampAttribute = dr.TimestampAttribute
	}
	if r.StatisticsFrequency == 0 {
		r.StatisticsFrequency = dr.StatisticsFrequency
	}
	if r.BufferCapacity == 0 {
		r.BufferCapacity = dr.BufferCapacity
	}
	if r.WatermarkInterval == 0 {
		r.WatermarkInterval = dr.WatermarkInterval
	}
	if r.LagWarningThreshold == 0 {
		r.LagWarningThreshold = dr.LagWarningThreshold
	}
	if r.DrainTimeout == 0 {
		r.DrainTimeout = dr.DrainTimeout
	}

	// Archive defaults
	if config.Archive.Bucket == "" {
		config.Archive.Bucket = defaults.Archive.Bucket
	}
	if config.Archive.Prefix == "" {
		config.Archive.Prefix = defaults.Archive.Prefix
	}
	applyNormalizerDefaults(&config.Archive.Normalizer, defaults.Archive.Normalizer)

	// Sink defaults
	s, ds := &config.Sink, defaults.Sink
	if s.Type == "" {
		s.Type = ds.Type
	}
	if s.Stream == "" {
		s.Stream = ds.Stream
	}
	if s.Encoding == "" {
		s.Encoding = ds.Encoding
	}
	if s.RecordTTL == 0 {
		s.RecordTTL = ds.RecordTTL
	}
	if len(s.Kafka.Brokers) == 0 {
		s.Kafka.Brokers = ds.Kafka.Brokers
	}
	if s.NATS.URL == "" {
		s.NATS.URL = ds.NATS.URL
	}
	if s.NATS.Subject == "" {
		s.NATS.Subject = s.Stream
	}
	if s.NATS.MaxPending == 0 {
		s.NATS.MaxPending = ds.NATS.MaxPending
	}
	if s.TimescaleDB.Table == "" {
		s.TimescaleDB.Table = ds.TimescaleDB.Table
	}
	if s.TimescaleDB.BatchSize == 0 {
		s.TimescaleDB.BatchSize = ds.TimescaleDB.BatchSize
	}
	if s.TimescaleDB.FlushInterval == 0 {
		s.TimescaleDB.FlushInterval = ds.TimescaleDB.FlushInterval
	}
	if s.WebSocket.QueueSize == 0 {
		s.WebSocket.QueueSize = ds.WebSocket.QueueSize
	}
	if s.ConnectRetry.MaxAttempts == 0 {
		s.ConnectRetry.MaxAttempts = ds.ConnectRetry.MaxAttempts
	}
	if s.ConnectRetry.InitialBackoff == 0 {
		s.ConnectRetry.InitialBackoff = ds.ConnectRetry.InitialBackoff
	}
	if s.ConnectRetry.MaxBackoff == 0 {
		s.ConnectRetry.MaxBackoff = ds.ConnectRetry.MaxBackoff
	}
	if s.Breaker.FailureThreshold == 0 {
		s.Breaker.FailureThreshold = ds.Breaker.FailureThreshold
	}
	if s.Breaker.SuccessThreshold == 0 {
		s.Breaker.SuccessThreshold = ds.Breaker.SuccessThreshold
	}
	if s.Breaker.OpenTimeout == 0 {
		s.Breaker.OpenTimeout = ds.Breaker.OpenTimeout
	}
	if s.Breaker.MaxTrials == 0 {
		s.Breaker.MaxTrials = ds.Breaker.MaxTrials
	}

	// Dead letter defaults
	if config.DeadLetter.Type == "" {
		config.DeadLetter.Type = defaults.DeadLetter.Type
	}
	if config.DeadLetter.Path == "" {
		config.DeadLetter.Path = defaults.DeadLetter.Path
	}
	if config.DeadLetter.MaxSize == 0 {
		config.DeadLetter.MaxSize = defaults.DeadLetter.MaxSize
	}

	// Metrics defaults
	if config.Metrics.Address == "" {
		config.Metrics.Address = defaults.Metrics.Address
	}
	if config.Metrics.Path == "" {
		config.Metrics.Path = defaults.Metrics.Path
	}

	// Logging defaults
	if config.Logging.Level == "" {
		config.Logging.Level = defaults.Logging.Level
	}
	if config.Logging.Format == "" {
		config.Logging.Format = defaults.Logging.Format
	}

	// Tracing defaults
	if config.Tracing.Exporter == "" {
		config.Tracing.Exporter = defaults.Tracing.Exporter
	}
	if config.Tracing.Endpoint == "" {
		config.Tracing.Endpoint = defaults.Tracing.Endpoint
	}
	if config.Tracing.SamplingRate == 0 {
		config.Tracing.SamplingRate = defaults.Tracing.SamplingRate
	}
}

func applyNormalizerDefaults(n *NormalizerConfig, d NormalizerConfig) {
	if n.HeaderAliases == nil {
		n.HeaderAliases = d.HeaderAliases
	}
	if n.RequiredFields == nil {
		n.RequiredFields = d.RequiredFields
	}
	if n.DatetimeFields == nil {
		n.DatetimeFields = d.DatetimeFields
	}
	if n.DatetimeLayout == "" {
		n.DatetimeLayout = d.DatetimeLayout
	}
	if n.FloatFields == nil {
		n.FloatFields = d.FloatFields
	}
	if n.IntFields == nil {
		n.IntFields = d.IntFields
	}
	if n.DistanceFields == nil {
		n.DistanceFields = d.DistanceFields
	}
	if n.ObjectTypes == nil {
		n.ObjectTypes = d.ObjectTypes
	}
}
