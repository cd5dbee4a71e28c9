package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/config"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/tracing"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "1.0.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gress-replay",
	Short: "Replay historical event archives into a live stream",
	Long: `gress-replay reads a time-ordered archive of historical records and
re-emits it into a destination stream, pacing events so that their relative
timing matches the original event timestamps scaled by a speedup factor.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml or json; defaults apply when empty)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override: debug, info, warn, error")
}

// loadConfig resolves file, environment and flag settings and validates the result
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if err := applyFlags(cmd, cfg); err != nil {
		return nil, err
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	logCfg := tracing.DefaultStructuredLogConfig()
	logCfg.Level = level
	logCfg.Encoding = cfg.Format
	logCfg.Development = cfg.Format == "console"
	logCfg.InitialFields["version"] = version

	return tracing.NewStructuredLogger(logCfg)
}
