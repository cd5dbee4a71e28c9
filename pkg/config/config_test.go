package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, CurrentConfigVersion, cfg.Version)
	assert.Equal(t, "gress-replay", cfg.Application.Name)
	assert.Equal(t, 3600.0, cfg.Replay.SpeedupFactor)
	assert.Equal(t, "pickup_datetime", cfg.Replay.TimestampAttribute)
	assert.Equal(t, 20*time.Second, cfg.Replay.StatisticsFrequency)
	assert.Equal(t, "kafka", cfg.Sink.Type)
	assert.Equal(t, "nyc-tlc", cfg.Archive.Bucket)
	assert.NoError(t, Validate(cfg))
}

func TestDevelopmentConfig(t *testing.T) {
	cfg := DevelopmentConfig()

	assert.True(t, cfg.Replay.NoSink)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.NoError(t, Validate(cfg))
}

func TestLoadYAMLConfig(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
version: v1
application:
  name: test-app
  environment: test
replay:
  speedup_factor: 60
  buffer_capacity: 500
  max_outstanding: 0
  statistics_frequency: 5s
archive:
  bucket: /data/archive
  prefix: "trip data/"
sink:
  type: nats
  stream: trips
  nats:
    url: nats://nats:4222
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "v1", cfg.Version)
	assert.Equal(t, "test-app", cfg.Application.Name)
	assert.Equal(t, 60.0, cfg.Replay.SpeedupFactor)
	assert.Equal(t, 500, cfg.Replay.BufferCapacity)
	assert.Equal(t, 0, cfg.Replay.MaxOutstanding)
	assert.Equal(t, 5*time.Second, cfg.Replay.StatisticsFrequency)
	assert.Equal(t, "nats", cfg.Sink.Type)
	assert.Equal(t, "nats://nats:4222", cfg.Sink.NATS.URL)
}

func TestLoadJSONConfig(t *testing.T) {
	path := writeTemp(t, "config.json", `{
  "version": "v1",
  "application": {"name": "test-app"},
  "replay": {"speedup_factor": 10, "buffer_capacity": 100},
  "archive": {"bucket": "/tmp/archive"}
}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "test-app", cfg.Application.Name)
	assert.Equal(t, 10.0, cfg.Replay.SpeedupFactor)
	assert.Equal(t, "/tmp/archive", cfg.Archive.Bucket)
}

func TestLoadConfigUnsupportedFormat(t *testing.T) {
	path := writeTemp(t, "config.toml", "version = 'v1'")

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigWithDefaults(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
version: v1
application:
  name: minimal-app
sink:
  stream: custom
`)

	cfg, err := LoadConfigWithDefaults(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal-app", cfg.Application.Name)
	assert.Equal(t, 3600.0, cfg.Replay.SpeedupFactor)
	assert.Equal(t, 100000, cfg.Replay.BufferCapacity)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "custom", cfg.Sink.NATS.Subject)
	assert.NotEmpty(t, cfg.Archive.Normalizer.HeaderAliases)
	assert.NoError(t, Validate(cfg))
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Replay, cfg.Replay)

	cfg, err = LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "gress-replay", cfg.Application.Name)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("GRESS_REPLAY_APPLICATION_NAME", "env-app")
	t.Setenv("GRESS_REPLAY_REPLAY_SPEEDUP_FACTOR", "120")
	t.Setenv("GRESS_REPLAY_REPLAY_STATISTICS_FREQUENCY", "2s")
	t.Setenv("GRESS_REPLAY_SINK_KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("GRESS_REPLAY_LOGGING_LEVEL", "debug")

	cfg := DefaultConfig()
	require.NoError(t, ApplyEnvOverrides(cfg))

	assert.Equal(t, "env-app", cfg.Application.Name)
	assert.Equal(t, 120.0, cfg.Replay.SpeedupFactor)
	assert.Equal(t, 2*time.Second, cfg.Replay.StatisticsFrequency)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Sink.Kafka.Brokers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched
	assert.Equal(t, "nyc-tlc", cfg.Archive.Bucket)
}

func TestApplyEnvOverridesInvalidValue(t *testing.T) {
	t.Setenv("GRESS_REPLAY_REPLAY_BUFFER_CAPACITY", "lots")

	assert.Error(t, ApplyEnvOverrides(DefaultConfig()))
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid default config", mutate: func(*Config) {}},
		{name: "missing version", mutate: func(c *Config) { c.Version = "" }, wantErr: "version"},
		{name: "newer version", mutate: func(c *Config) { c.Version = "v2" }, wantErr: "version"},
		{name: "zero speedup", mutate: func(c *Config) { c.Replay.SpeedupFactor = 0 }, wantErr: "replay.speedup_factor"},
		{name: "negative speedup", mutate: func(c *Config) { c.Replay.SpeedupFactor = -2 }, wantErr: "replay.speedup_factor"},
		{name: "invalid buffer capacity", mutate: func(c *Config) { c.Replay.BufferCapacity = -1 }, wantErr: "replay.buffer_capacity"},
		{name: "negative max outstanding", mutate: func(c *Config) { c.Replay.MaxOutstanding = -1 }, wantErr: "replay.max_outstanding"},
		{name: "unbounded max outstanding", mutate: func(c *Config) { c.Replay.MaxOutstanding = 0 }},
		{name: "bad seek", mutate: func(c *Config) { c.Replay.SeekTo = "yesterday" }, wantErr: "replay.seek_to"},
		{name: "good seek", mutate: func(c *Config) { c.Replay.SeekTo = "2019-01-01T00:00:00Z" }},
		{name: "missing bucket", mutate: func(c *Config) { c.Archive.Bucket = "" }, wantErr: "archive.bucket"},
		{name: "invalid environment", mutate: func(c *Config) { c.Application.Environment = "invalid-env" }, wantErr: "application.environment"},
		{name: "invalid sink type", mutate: func(c *Config) { c.Sink.Type = "kinesis" }, wantErr: "sink.type"},
		{name: "sink ignored when disabled", mutate: func(c *Config) { c.Sink.Type = "kinesis"; c.Replay.NoSink = true }},
		{name: "kafka without brokers", mutate: func(c *Config) { c.Sink.Kafka.Brokers = nil }, wantErr: "sink.kafka.brokers"},
		{name: "timescale without dsn", mutate: func(c *Config) { c.Sink.Type = "timescaledb" }, wantErr: "sink.timescaledb.connection_string"},
		{name: "websocket with http url", mutate: func(c *Config) {
			c.Sink.Type = "websocket"
			c.Sink.WebSocket.URL = "http://localhost"
		}, wantErr: "sink.websocket.url"},
		{name: "breaker without open timeout", mutate: func(c *Config) {
			c.Sink.Breaker.Enabled = true
			c.Sink.Breaker.OpenTimeout = 0
		}, wantErr: "sink.circuit_breaker.open_timeout"},
		{name: "enabled breaker", mutate: func(c *Config) { c.Sink.Breaker.Enabled = true }},
		{name: "file dlq without path", mutate: func(c *Config) {
			c.DeadLetter.Enabled = true
			c.DeadLetter.Type = "file"
			c.DeadLetter.Path = ""
		}, wantErr: "dead_letter.path"},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "verbose" }, wantErr: "logging.level"},
		{name: "bad sampling rate", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SamplingRate = 2
		}, wantErr: "tracing.sampling_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidationErrorsAggregate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Replay.SpeedupFactor = 0
	cfg.Archive.Bucket = ""

	err := Validate(cfg)
	require.Error(t, err)

	var verrs *ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs.Errors, 2)
}

func TestValidateAndLoad(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
version: v1
replay:
  speedup_factor: -1
`)

	_, err := ValidateAndLoad(path)
	assert.Error(t, err)

	cfg, err := ValidateAndLoad("")
	require.NoError(t, err)
	assert.Equal(t, CurrentConfigVersion, cfg.Version)
}

func TestSaveConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Application.Name = "save-test"

	for _, name := range []string{"config.yaml", "config.json"} {
		path := filepath.Join(t.TempDir(), "nested", name)

		require.NoError(t, SaveConfig(cfg, path))

		loaded, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "save-test", loaded.Application.Name)
		assert.Equal(t, cfg.Replay.SpeedupFactor, loaded.Replay.SpeedupFactor)
	}
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("v1.2")
	require.NoError(t, err)
	assert.Equal(t, ConfigVersion{Major: 1, Minor: 2}, v)
	assert.Equal(t, "v1.2", v.String())

	_, err = ParseVersion("vx")
	assert.Error(t, err)

	assert.NoError(t, ValidateVersion("v1"))
	assert.Error(t, ValidateVersion("v1.3"))
	assert.Error(t, ValidateVersion("v0"))
}
