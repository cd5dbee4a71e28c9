package sink

import (
	"context"
	"sync"

	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/config"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/errors"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/metrics"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/stream"
	"go.uber.org/zap"
)

// BreakerSink fails sends fast while the destination keeps rejecting them.
// Rejected sends complete with an error wrapping errors.ErrCircuitOpen.
type BreakerSink struct {
	inner   stream.Sink
	breaker *errors.CircuitBreaker
	metrics *metrics.Collector
	name    string
}

// NewBreakerSink wraps inner with a circuit breaker. collector may be nil.
func NewBreakerSink(inner stream.Sink, name string, cfg config.BreakerConfig, collector *metrics.Collector, logger *zap.Logger) *BreakerSink {
	b := &BreakerSink{
		inner:   inner,
		metrics: collector,
		name:    name,
	}

	b.breaker = errors.NewCircuitBreaker(&errors.CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
		OpenTimeout:      cfg.OpenTimeout,
		MaxTrials:        cfg.MaxTrials,
		OnStateChange: func(name string, from, to errors.CircuitState) {
			if collector != nil {
				collector.ErrorMetrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
				collector.ErrorMetrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
			logger.Warn("Sink circuit breaker state changed",
				zap.String("circuit", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	if collector != nil {
		collector.ErrorMetrics.CircuitBreakerState.WithLabelValues(name).Set(float64(errors.StateClosed))
	}
	return b
}

// SendAsync implements stream.Sink
func (b *BreakerSink) SendAsync(ctx context.Context, event *stream.Event) stream.Completion {
	if err := b.breaker.Allow(); err != nil {
		b.rejected()
		return stream.Resolved(err)
	}

	c := b.inner.SendAsync(ctx, event)
	c.OnComplete(b.breaker.Record)
	return c
}

// BroadcastAsync implements stream.Broadcaster. An inner sink without
// partitions receives a single send.
func (b *BreakerSink) BroadcastAsync(ctx context.Context, event *stream.Event) []stream.Completion {
	bc, ok := b.inner.(stream.Broadcaster)
	if !ok {
		return []stream.Completion{b.SendAsync(ctx, event)}
	}

	if err := b.breaker.Allow(); err != nil {
		b.rejected()
		return []stream.Completion{stream.Resolved(err)}
	}

	completions := bc.BroadcastAsync(ctx, event)
	if len(completions) == 0 {
		b.breaker.Record(nil)
		return completions
	}

	// The broadcast counts as one send and fails if any partition fails
	var (
		mu        sync.Mutex
		remaining = len(completions)
		firstErr  error
	)
	for _, c := range completions {
		c.OnComplete(func(err error) {
			mu.Lock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			remaining--
			done := remaining == 0
			mu.Unlock()
			if done {
				b.breaker.Record(firstErr)
			}
		})
	}
	return completions
}

// State returns the breaker state
func (b *BreakerSink) State() errors.CircuitState {
	return b.breaker.State()
}

// Flush implements stream.Sink
func (b *BreakerSink) Flush(ctx context.Context) error {
	return b.inner.Flush(ctx)
}

// Close implements stream.Sink
func (b *BreakerSink) Close() error {
	return b.inner.Close()
}

func (b *BreakerSink) rejected() {
	if b.metrics != nil {
		b.metrics.ErrorMetrics.CircuitBreakerRejections.WithLabelValues(b.name).Inc()
	}
}
