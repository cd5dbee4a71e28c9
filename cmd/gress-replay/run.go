package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/archive"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/config"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/errors"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/metrics"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/replay"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/sink"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/stream"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/tracing"
	"go.uber.org/zap"
)

const (
	runtimeMetricsInterval = 15 * time.Second
	tracingShutdownTimeout = 5 * time.Second
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Replay the archive into the destination stream",
	Example: `  gress-replay run --bucket ./nyc-tlc --prefix "trip data/yellow" --speedup 3600
  gress-replay run --config replay.yaml --sink nats --stream taxi-trips
  gress-replay run --bucket ./nyc-tlc --no-sink --seek 2019-01-15T00:00:00Z`,
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(runCmd)
	addReplayFlags(runCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	runID := uuid.NewString()
	logger = logger.With(zap.String("service", cfg.Application.Name))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(logger)
	if cfg.Metrics.Enabled {
		server := metrics.NewServer(cfg.Metrics.Address, cfg.Metrics.Path, collector, logger)
		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop()

		runtimeCollector := metrics.NewRuntimeCollector(collector.Registry(), logger)
		runtimeCollector.Start(runtimeMetricsInterval)
		defer runtimeCollector.Stop()
	}

	provider, err := tracing.NewProvider(ctx, tracingConfig(cfg), logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), tracingShutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down tracing", zap.Error(err))
		}
	}()
	instr := tracing.NewInstrumentationHelper(provider, logger)

	dlq, err := newDeadLetterQueue(cfg.DeadLetter)
	if err != nil {
		return err
	}
	if dlq != nil {
		defer dlq.Close()
	}

	dispatcherCfg, err := replay.DispatcherConfigFrom(&cfg.Replay, runID)
	if err != nil {
		return err
	}

	dispatcher := replay.NewDispatcher(dispatcherCfg, replay.Dependencies{
		OpenSource: func(ctx context.Context, scheduler *stream.Scheduler) (stream.Source, error) {
			source, err := archive.Open(ctx, &cfg.Archive, cfg.Replay.TimestampAttribute, scheduler, collector, instr, logger)
			if err != nil {
				return nil, err
			}
			return source, nil
		},
		OpenSink: func(ctx context.Context) (stream.Sink, error) {
			return sink.New(ctx, &cfg.Sink, collector, logger)
		},
		Metrics:        collector,
		Tracing:        instr,
		DeadLetter:     dlq,
		DeadLetterName: cfg.DeadLetter.Type,
	}, logger)

	logger.Info("Replay configured",
		zap.String("run_id", runID),
		zap.String("bucket", cfg.Archive.Bucket),
		zap.String("prefix", cfg.Archive.Prefix),
		zap.String("sink", sinkLabel(cfg.Replay.NoSink, cfg.Sink.Type)),
		zap.String("stream", cfg.Sink.Stream))

	if err := dispatcher.Run(ctx); err != nil {
		return fmt.Errorf("replay %s failed: %w", runID, err)
	}
	return nil
}

func tracingConfig(cfg *config.Config) *tracing.Config {
	tc := tracing.DefaultConfig()
	tc.Enabled = cfg.Tracing.Enabled
	tc.ServiceName = cfg.Application.Name
	tc.ServiceVersion = version
	tc.Environment = cfg.Application.Environment
	tc.SamplingRate = cfg.Tracing.SamplingRate
	tc.ExporterType = cfg.Tracing.Exporter
	tc.ExporterEndpoint = cfg.Tracing.Endpoint
	return tc
}

// newDeadLetterQueue returns nil when failed sends are only logged
func newDeadLetterQueue(cfg config.DeadLetterConfig) (errors.DeadLetterQueue, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	switch cfg.Type {
	case "file":
		dlq, err := errors.NewFileDLQ(cfg.Path)
		if err != nil {
			return nil, err
		}
		return dlq, nil
	default:
		return errors.NewInMemoryDLQ(cfg.MaxSize), nil
	}
}
