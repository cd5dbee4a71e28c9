package sink

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/config"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/errors"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/metrics"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/stream"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// failingSink completes every send with err
type failingSink struct {
	mu         sync.Mutex
	err        error
	sends      int
	partitions int
}

func (f *failingSink) SendAsync(context.Context, *stream.Event) stream.Completion {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	return stream.Resolved(f.err)
}

func (f *failingSink) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *failingSink) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func (f *failingSink) Flush(context.Context) error { return nil }
func (f *failingSink) Close() error                { return nil }

// partitionedFailingSink adds broadcast support to failingSink
type partitionedFailingSink struct {
	*failingSink
}

func (p partitionedFailingSink) BroadcastAsync(ctx context.Context, event *stream.Event) []stream.Completion {
	completions := make([]stream.Completion, p.partitions)
	for i := range completions {
		completions[i] = p.SendAsync(ctx, event)
	}
	return completions
}

func breakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		SuccessThreshold: 1,
		OpenTimeout:      50 * time.Millisecond,
		MaxTrials:        1,
	}
}

func TestBreakerSinkOpensAfterFailures(t *testing.T) {
	inner := &failingSink{err: stderrors.New("broker down")}
	collector := metrics.NewCollector(zap.NewNop())
	b := NewBreakerSink(inner, "kafka", breakerConfig(), collector, zaptest.NewLogger(t))

	for i := 0; i < 2; i++ {
		c := b.SendAsync(context.Background(), testEvent("x"))
		<-c.Done()
		require.Error(t, c.Err())
	}
	assert.Equal(t, errors.StateOpen, b.State())

	c := b.SendAsync(context.Background(), testEvent("x"))
	<-c.Done()
	assert.ErrorIs(t, c.Err(), errors.ErrCircuitOpen)
	assert.Equal(t, 2, inner.sent(), "open circuit must not reach the inner sink")
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.ErrorMetrics.CircuitBreakerRejections.WithLabelValues("kafka")))

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(collector.ErrorMetrics.CircuitBreakerState.WithLabelValues("kafka")) == float64(errors.StateOpen)
	}, time.Second, 5*time.Millisecond)
}

func TestBreakerSinkRecovers(t *testing.T) {
	inner := &failingSink{err: stderrors.New("broker down")}
	b := NewBreakerSink(inner, "nats", breakerConfig(), nil, zaptest.NewLogger(t))

	for i := 0; i < 2; i++ {
		<-b.SendAsync(context.Background(), testEvent("x")).Done()
	}
	require.Equal(t, errors.StateOpen, b.State())

	inner.setErr(nil)
	time.Sleep(60 * time.Millisecond)

	c := b.SendAsync(context.Background(), testEvent("trial"))
	<-c.Done()
	require.NoError(t, c.Err())
	assert.Equal(t, errors.StateClosed, b.State())
}

func TestBreakerSinkBroadcast(t *testing.T) {
	t.Run("partitioned inner sink", func(t *testing.T) {
		inner := partitionedFailingSink{&failingSink{err: stderrors.New("partition leader lost"), partitions: 3}}
		b := NewBreakerSink(inner, "kafka", breakerConfig(), nil, zaptest.NewLogger(t))

		completions := b.BroadcastAsync(context.Background(), testEvent("marker"))
		assert.Len(t, completions, 3)
		// One failed broadcast is a single failure
		assert.Equal(t, errors.StateClosed, b.State())

		b.BroadcastAsync(context.Background(), testEvent("marker"))
		assert.Equal(t, errors.StateOpen, b.State())

		completions = b.BroadcastAsync(context.Background(), testEvent("marker"))
		require.Len(t, completions, 1)
		assert.ErrorIs(t, completions[0].Err(), errors.ErrCircuitOpen)
	})

	t.Run("unpartitioned inner sink", func(t *testing.T) {
		inner := &failingSink{}
		b := NewBreakerSink(inner, "log", breakerConfig(), nil, zaptest.NewLogger(t))

		completions := b.BroadcastAsync(context.Background(), testEvent("marker"))
		require.Len(t, completions, 1)
		assert.NoError(t, completions[0].Err())
		assert.Equal(t, 1, inner.sent())
	})
}

func TestFactoryWrapsBreaker(t *testing.T) {
	cfg := config.DefaultConfig().Sink
	cfg.Type = "log"
	cfg.Breaker = breakerConfig()

	s, err := New(context.Background(), &cfg, nil, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &BreakerSink{}, s)
	require.NoError(t, s.Close())
}
