package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/config"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/errors"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/metrics"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/stream"
	"go.uber.org/zap"
)

// connectOperation labels connection retries in the error metrics
const connectOperation = "sink_connect"

// New builds the configured sink, retrying the connection with backoff, and
// guards it with a circuit breaker when one is enabled. A sink that cannot be
// constructed is reported as ErrSinkUnavailable. collector may be nil.
func New(ctx context.Context, cfg *config.SinkConfig, collector *metrics.Collector, logger *zap.Logger) (stream.Sink, error) {
	policy := &errors.RetryPolicy{
		MaxAttempts:       cfg.ConnectRetry.MaxAttempts,
		InitialBackoff:    cfg.ConnectRetry.InitialBackoff,
		MaxBackoff:        cfg.ConnectRetry.MaxBackoff,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetriableFunc:     errors.IsRetriable,
	}

	var sink stream.Sink
	result := policy.ExecuteWithCallback(ctx, func(ctx context.Context) error {
		s, err := open(ctx, cfg, logger)
		if err != nil {
			return err
		}
		sink = s
		return nil
	}, func(attempt int, err error, next time.Duration) {
		if collector != nil && next > 0 {
			collector.ErrorMetrics.RetryAttempts.WithLabelValues(connectOperation).Inc()
			collector.ErrorMetrics.RetryBackoffTime.WithLabelValues(connectOperation).Observe(next.Seconds())
		}
		logger.Warn("Sink connection failed",
			zap.String("type", cfg.Type),
			zap.Int("attempt", attempt),
			zap.Duration("next_backoff", next),
			zap.Error(err))
	})

	if !result.Success {
		category := errors.ClassifyError(result.LastError)
		if collector != nil {
			collector.ErrorMetrics.RetryFailures.WithLabelValues(connectOperation, category.String()).Inc()
			collector.ErrorMetrics.ErrorsByCategory.WithLabelValues("sink", category.String()).Inc()
		}
		err := fmt.Errorf("%w: %s after %d attempt(s): %v",
			errors.ErrSinkUnavailable, cfg.Type, result.Attempts, result.LastError)
		return nil, errors.NewClassifiedError(err, category, "").
			WithMetadata("sink", cfg.Type).
			WithMetadata("address", address(cfg)).
			WithMetadata("attempts", result.Attempts)
	}
	if cfg.Breaker.Enabled {
		return NewBreakerSink(sink, cfg.Type, cfg.Breaker, collector, logger), nil
	}
	return sink, nil
}

func open(ctx context.Context, cfg *config.SinkConfig, logger *zap.Logger) (stream.Sink, error) {
	logger = logger.With(zap.String("sink", cfg.Type))

	switch cfg.Type {
	case "kafka":
		return NewKafkaSink(cfg, logger)
	case "nats":
		return NewNATSSink(ctx, cfg, logger)
	case "timescaledb":
		return NewTimescaleSink(ctx, cfg, logger)
	case "websocket":
		return NewWebSocketSink(ctx, cfg, logger)
	case "log":
		return NewLogSink(logger), nil
	default:
		return nil, errors.Fatal(fmt.Errorf("unknown sink type %q", cfg.Type), "invalid sink configuration")
	}
}

// address names the endpoint a sink connects to
func address(cfg *config.SinkConfig) string {
	switch cfg.Type {
	case "kafka":
		return strings.Join(cfg.Kafka.Brokers, ",")
	case "nats":
		return cfg.NATS.URL
	case "websocket":
		return cfg.WebSocket.URL
	case "timescaledb":
		// The connection string may carry credentials
		return "postgres"
	default:
		return ""
	}
}
