package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/config"
)

func addReplayFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("bucket", "", "archive bucket (local directory holding the objects)")
	flags.String("prefix", "", "object key prefix within the bucket")
	flags.String("stream", "", "destination stream name")
	flags.String("sink", "", "sink type: kafka, nats, timescaledb, websocket, log")
	flags.Float64("speedup", 0, "speedup factor relative to real time")
	flags.String("timestamp-attribute", "", "record field carrying the event time")
	flags.Bool("aggregate", false, "allow the sink to batch several events per physical record")
	flags.String("seek", "", "skip events before this RFC3339 instant")
	flags.Int64("statistics-frequency", 0, "statistics period in milliseconds")
	flags.Bool("no-watermark", false, "disable watermark emission")
	flags.Int("buffer-size", 0, "reorder buffer capacity in events")
	flags.Int("max-outstanding", -1, "max unacknowledged sends (0 = unbounded)")
	flags.Bool("no-sink", false, "dry run: log events instead of sending them")
}

// applyFlags overlays explicitly set command-line flags onto cfg
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}

	// validate has no replay flags
	if flags.Lookup("bucket") == nil {
		return nil
	}

	stringFlags := map[string]*string{
		"bucket":              &cfg.Archive.Bucket,
		"prefix":              &cfg.Archive.Prefix,
		"stream":              &cfg.Sink.Stream,
		"sink":                &cfg.Sink.Type,
		"timestamp-attribute": &cfg.Replay.TimestampAttribute,
		"seek":                &cfg.Replay.SeekTo,
	}
	for name, dst := range stringFlags {
		if flags.Changed(name) {
			v, err := flags.GetString(name)
			if err != nil {
				return err
			}
			*dst = v
		}
	}

	boolFlags := map[string]*bool{
		"aggregate":    &cfg.Sink.Aggregate,
		"no-watermark": &cfg.Replay.NoWatermark,
		"no-sink":      &cfg.Replay.NoSink,
	}
	for name, dst := range boolFlags {
		if flags.Changed(name) {
			v, err := flags.GetBool(name)
			if err != nil {
				return err
			}
			*dst = v
		}
	}

	if flags.Changed("speedup") {
		cfg.Replay.SpeedupFactor, _ = flags.GetFloat64("speedup")
	}
	if flags.Changed("statistics-frequency") {
		ms, _ := flags.GetInt64("statistics-frequency")
		cfg.Replay.StatisticsFrequency = time.Duration(ms) * time.Millisecond
	}
	if flags.Changed("buffer-size") {
		cfg.Replay.BufferCapacity, _ = flags.GetInt("buffer-size")
	}
	if flags.Changed("max-outstanding") {
		cfg.Replay.MaxOutstanding, _ = flags.GetInt("max-outstanding")
	}
	return nil
}
