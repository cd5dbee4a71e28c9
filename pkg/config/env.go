package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every environment variable name
const EnvPrefix = "GRESS_REPLAY_"

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Variables follow the pattern GRESS_REPLAY_<SECTION>_<KEY>, for example
// GRESS_REPLAY_REPLAY_SPEEDUP_FACTOR=60 or GRESS_REPLAY_SINK_KAFKA_BROKERS=a:9092,b:9092.
// Unset variables leave the loaded value untouched.
func ApplyEnvOverrides(config *Config) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}
