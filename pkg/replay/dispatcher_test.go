package replay

import (
	"context"
	stderrors "errors"
	"io"
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
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/tracing"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

var t0 = time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)

// sliceSource yields a fixed list of records
type sliceSource struct {
	mu        sync.Mutex
	events    []*stream.Event
	pos       int
	scheduler *stream.Scheduler
	closed    bool
}

func newSliceSource(scheduler *stream.Scheduler, timestamps ...time.Time) *sliceSource {
	s := &sliceSource{scheduler: scheduler}
	for i, ts := range timestamps {
		payload := []byte(`{"n":` + string(rune('0'+i)) + `}`)
		s.events = append(s.events, &stream.Event{
			Key:       stream.KeyFor(payload),
			Payload:   payload,
			Timestamp: ts,
			Kind:      stream.KindRecord,
			Offset:    int64(i),
		})
	}
	return s
}

func (s *sliceSource) HasNext() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos < len(s.events)
}

func (s *sliceSource) Next() *stream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.events) {
		return nil
	}
	e := *s.events[s.pos]
	s.pos++
	e.ScheduleTime = s.scheduler.Schedule(e.Timestamp)
	return &e
}

func (s *sliceSource) Seek(ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pos < len(s.events) && s.events[s.pos].Timestamp.Before(ts) {
		s.pos++
	}
}

func (s *sliceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *sliceSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// controlledSink records sends; completions resolve with result unless hold is set
type controlledSink struct {
	mu         sync.Mutex
	hold       bool
	result     error
	events     []*stream.Event
	deliveries []*stream.Delivery
	closed     bool
}

func (s *controlledSink) SendAsync(_ context.Context, event *stream.Event) stream.Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if !s.hold {
		d := stream.Resolved(s.result)
		s.deliveries = append(s.deliveries, d)
		return d
	}
	d := stream.NewDelivery()
	s.deliveries = append(s.deliveries, d)
	return d
}

func (s *controlledSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	deliveries := append([]*stream.Delivery(nil), s.deliveries...)
	s.mu.Unlock()

	for _, d := range deliveries {
		select {
		case <-d.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *controlledSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *controlledSink) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *controlledSink) resolve(i int, err error) {
	s.mu.Lock()
	d := s.deliveries[i]
	s.mu.Unlock()
	d.Resolve(err)
}

func (s *controlledSink) sentOfKind(kind stream.EventKind) []*stream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*stream.Event
	for _, e := range s.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (s *controlledSink) sentAll() []*stream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*stream.Event(nil), s.events...)
}

type fixture struct {
	source *sliceSource
	sink   *controlledSink
}

func (f *fixture) deps(timestamps ...time.Time) Dependencies {
	return Dependencies{
		OpenSource: func(_ context.Context, scheduler *stream.Scheduler) (stream.Source, error) {
			f.source = newSliceSource(scheduler, timestamps...)
			return f.source, nil
		},
		OpenSink: func(context.Context) (stream.Sink, error) {
			return f.sink, nil
		},
	}
}

func testConfig() DispatcherConfig {
	cfg := DefaultDispatcherConfig()
	cfg.RunID = "test-run"
	cfg.SpeedupFactor = 1000
	cfg.NoWatermark = true
	cfg.BufferCapacity = 10
	cfg.DrainTimeout = time.Second
	return cfg
}

func TestDryRunPacesEvents(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	cfg := testConfig()
	cfg.SpeedupFactor = 10
	cfg.NoSink = true

	f := &fixture{}
	d := NewDispatcher(cfg, f.deps(t0, t0.Add(10*time.Second), t0.Add(20*time.Second)), zap.New(core))

	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, StateStopped, d.State())
	assert.Equal(t, int64(3), d.Stats().EventsDispatched)
	assert.True(t, f.source.isClosed())

	var sent []observer.LoggedEntry
	for _, msg := range []string{"[1] add event", "[2] add event", "[3] add event"} {
		entries := logs.FilterMessage(msg).All()
		require.Len(t, entries, 1, msg)
		sent = append(sent, entries[0])
	}

	for i := 1; i < len(sent); i++ {
		gap := sent[i].Time.Sub(sent[i-1].Time)
		assert.InDelta(t, float64(time.Second), float64(gap), float64(250*time.Millisecond), "gap %d", i)
	}

	assert.Equal(t, 1, logs.FilterMessage("Replay finished").Len())
}

func TestEmptySourceStopsDuringPriming(t *testing.T) {
	f := &fixture{sink: &controlledSink{}}
	d := NewDispatcher(testConfig(), f.deps(), zaptest.NewLogger(t))

	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, StateStopped, d.State())
	assert.Zero(t, d.Stats().EventsDispatched)
	assert.True(t, f.source.isClosed())
	assert.True(t, f.sink.closed)
}

func TestSendsDeliveredInTimestampOrder(t *testing.T) {
	f := &fixture{sink: &controlledSink{}}
	timestamps := []time.Time{t0.Add(2 * time.Second), t0, t0.Add(time.Second), t0.Add(3 * time.Second)}
	d := NewDispatcher(testConfig(), f.deps(timestamps...), zaptest.NewLogger(t))

	require.NoError(t, d.Run(context.Background()))

	records := f.sink.sentOfKind(stream.KindRecord)
	require.Len(t, records, 4)
	for i := 1; i < len(records); i++ {
		assert.False(t, records[i].Timestamp.Before(records[i-1].Timestamp))
	}
	assert.Zero(t, d.Stats().ReorderViolations)
}

func TestMaxOutstandingBlocksDispatch(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOutstanding = 1

	f := &fixture{sink: &controlledSink{hold: true}}
	d := NewDispatcher(cfg, f.deps(t0, t0, t0), zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	// The second send is handed over, then the dispatcher waits for a permit
	require.Eventually(t, func() bool { return f.sink.sent() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, f.sink.sent())
	assert.Equal(t, StateRunning, d.State())

	f.sink.resolve(0, nil)
	require.Eventually(t, func() bool { return f.sink.sent() == 3 }, 2*time.Second, 5*time.Millisecond)

	f.sink.resolve(1, nil)
	f.sink.resolve(2, nil)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not finish")
	}
	assert.Equal(t, StateStopped, d.State())
	assert.Equal(t, int64(3), d.Stats().EventsDispatched)
}

func TestSinkConstructionFailure(t *testing.T) {
	f := &fixture{}
	deps := f.deps(t0)
	deps.OpenSink = func(context.Context) (stream.Sink, error) {
		return nil, errors.ErrSinkUnavailable
	}

	d := NewDispatcher(testConfig(), deps, zaptest.NewLogger(t))
	err := d.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSinkUnavailable)
	assert.Equal(t, StateFailed, d.State())
	assert.True(t, f.source.isClosed())
	assert.Zero(t, d.Stats().EventsDispatched)
}

func TestSourceConstructionFailure(t *testing.T) {
	deps := Dependencies{
		OpenSource: func(context.Context, *stream.Scheduler) (stream.Source, error) {
			return nil, errors.ErrSourceUnavailable
		},
	}

	d := NewDispatcher(testConfig(), deps, zaptest.NewLogger(t))
	err := d.Run(context.Background())

	assert.ErrorIs(t, err, errors.ErrSourceUnavailable)
	assert.Equal(t, StateFailed, d.State())
}

func TestCancellationDrains(t *testing.T) {
	cfg := testConfig()
	cfg.SpeedupFactor = 1

	f := &fixture{sink: &controlledSink{}}
	d := NewDispatcher(cfg, f.deps(t0, t0.Add(time.Hour), t0.Add(2*time.Hour)), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return f.sink.sent() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not drain")
	}

	assert.Equal(t, StateStopped, d.State())
	assert.Equal(t, int64(1), d.Stats().EventsDispatched)
	assert.True(t, f.sink.closed)
	assert.True(t, f.source.isClosed())
}

func TestFailedSendsAreRecorded(t *testing.T) {
	collector := metrics.NewCollector(zap.NewNop())
	dlq := errors.NewInMemoryDLQ(10)

	f := &fixture{sink: &controlledSink{result: stderrors.New("broker rejected record")}}
	deps := f.deps(t0, t0.Add(time.Second))
	deps.Metrics = collector
	deps.DeadLetter = dlq

	d := NewDispatcher(testConfig(), deps, zaptest.NewLogger(t))
	require.NoError(t, d.Run(context.Background()))

	assert.Equal(t, StateStopped, d.State())
	assert.Equal(t, int64(2), d.Stats().SendFailures)

	count, err := dlq.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	failed, err := dlq.Read(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "test-run", failed[0].RunID)
	assert.Equal(t, "record", failed[0].Kind)
	assert.Equal(t, "broker rejected record", failed[0].FailureReason)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.SendFailures.WithLabelValues("record", "retriable")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.EventsDispatched.WithLabelValues("record")))
	assert.Equal(t, float64(StateStopped), testutil.ToFloat64(collector.DispatcherState))
}

func TestDrainTimeoutFails(t *testing.T) {
	cfg := testConfig()
	cfg.DrainTimeout = 50 * time.Millisecond

	f := &fixture{sink: &controlledSink{hold: true}}
	d := NewDispatcher(cfg, f.deps(t0), zaptest.NewLogger(t))

	err := d.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateFailed, d.State())
	assert.True(t, f.sink.closed)
}

func TestWatermarksAreEmitted(t *testing.T) {
	cfg := testConfig()
	cfg.SpeedupFactor = 10
	cfg.NoWatermark = false
	cfg.WatermarkInterval = 20 * time.Millisecond

	f := &fixture{sink: &controlledSink{}}
	d := NewDispatcher(cfg, f.deps(t0, t0.Add(time.Second), t0.Add(2*time.Second), t0.Add(3*time.Second)), zaptest.NewLogger(t))

	require.NoError(t, d.Run(context.Background()))

	marks := f.sink.sentOfKind(stream.KindWatermark)
	require.NotEmpty(t, marks)
	for i := 1; i < len(marks); i++ {
		assert.False(t, marks[i].Timestamp.Before(marks[i-1].Timestamp), "watermark regressed")
	}

	// A marker handed over as the emitter stops may go uncounted
	stats := d.Stats()
	assert.Positive(t, stats.WatermarksEmitted)
	assert.LessOrEqual(t, stats.WatermarksEmitted, int64(len(marks)))
	assert.False(t, stats.LastWatermark.Before(marks[0].Timestamp))
	assert.Equal(t, int64(4), stats.EventsDispatched)
}

func TestWatermarkNeverPassesUnsentRecords(t *testing.T) {
	cfg := testConfig()
	cfg.SpeedupFactor = 10
	cfg.NoWatermark = false
	// Each pacing sleep (200ms) spans several watermark ticks
	cfg.WatermarkInterval = 30 * time.Millisecond

	f := &fixture{sink: &controlledSink{}}
	d := NewDispatcher(cfg, f.deps(t0, t0.Add(2*time.Second), t0.Add(2*time.Second), t0.Add(4*time.Second)), zaptest.NewLogger(t))

	require.NoError(t, d.Run(context.Background()))

	sent := f.sink.sentAll()
	var (
		markers   int
		watermark time.Time
		waited    bool
	)
	for _, e := range sent {
		if e.IsWatermark() {
			markers++
			watermark = e.Timestamp
			continue
		}
		if !watermark.IsZero() {
			waited = true
			assert.True(t, e.Timestamp.After(watermark),
				"record %s sent after watermark %s", e.Timestamp.Format(time.RFC3339Nano), watermark.Format(time.RFC3339Nano))
		}
	}

	assert.Positive(t, markers)
	assert.True(t, waited, "expected records to follow a watermark")
	assert.Equal(t, int64(4), d.Stats().EventsDispatched)
}

func TestCancelledWaitReleasesWatermark(t *testing.T) {
	cfg := testConfig()
	cfg.SpeedupFactor = 1
	cfg.NoWatermark = false
	cfg.WatermarkInterval = 20 * time.Millisecond

	f := &fixture{sink: &controlledSink{}}
	d := NewDispatcher(cfg, f.deps(t0, t0.Add(time.Hour)), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// The second record waits an hour for its schedule time
	assert.Eventually(t, func() bool {
		return len(f.sink.sentOfKind(stream.KindWatermark)) > 0 && f.sink.sent() > 1
	}, time.Second, 5*time.Millisecond)
	for _, marker := range f.sink.sentOfKind(stream.KindWatermark) {
		assert.True(t, marker.Timestamp.Before(t0.Add(time.Hour)))
	}

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateStopped, d.State())
	assert.Equal(t, 0, d.tracker.Pending())
	assert.Equal(t, 1, len(f.sink.sentOfKind(stream.KindRecord)))
}

func TestLagWarningCarriesTraceContext(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)

	tcfg := tracing.DefaultConfig()
	tcfg.Enabled = true
	tcfg.Writer = io.Discard
	provider, err := tracing.NewProvider(context.Background(), tcfg, zap.NewNop())
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	cfg := testConfig()
	// Any dispatch after the schedule origin counts as lagging
	cfg.LagWarningThreshold = time.Nanosecond

	f := &fixture{sink: &controlledSink{}}
	deps := f.deps(t0, t0.Add(time.Second))
	deps.Tracing = tracing.NewInstrumentationHelper(provider, logger)
	d := NewDispatcher(cfg, deps, logger)

	require.NoError(t, d.Run(context.Background()))

	warnings := logs.FilterMessage("Replay is lagging behind schedule").All()
	require.NotEmpty(t, warnings)
	fields := warnings[0].ContextMap()
	assert.NotEmpty(t, fields["trace_id"])
	assert.NotEmpty(t, fields["span_id"])
	assert.Equal(t, "test-run", fields["run_id"])
}

func TestSeekSkipsEarlierEvents(t *testing.T) {
	cfg := testConfig()
	cfg.SeekTo = t0.Add(10 * time.Second)

	f := &fixture{sink: &controlledSink{}}
	d := NewDispatcher(cfg, f.deps(t0, t0.Add(5*time.Second), t0.Add(10*time.Second), t0.Add(15*time.Second)), zaptest.NewLogger(t))

	require.NoError(t, d.Run(context.Background()))

	records := f.sink.sentOfKind(stream.KindRecord)
	require.Len(t, records, 2)
	assert.Equal(t, t0.Add(10*time.Second), records[0].Timestamp)
}

func TestRunOnlyOnce(t *testing.T) {
	cfg := testConfig()
	cfg.NoSink = true

	f := &fixture{}
	d := NewDispatcher(cfg, f.deps(t0), zaptest.NewLogger(t))

	require.NoError(t, d.Run(context.Background()))
	assert.ErrorIs(t, d.Run(context.Background()), ErrAlreadyRun)
}

func TestDispatcherConfigFrom(t *testing.T) {
	replay := config.DefaultConfig().Replay
	replay.SeekTo = "2019-06-01T00:00:00Z"
	replay.MaxOutstanding = 0

	cfg, err := DispatcherConfigFrom(&replay, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", cfg.RunID)
	assert.Equal(t, replay.SpeedupFactor, cfg.SpeedupFactor)
	assert.Equal(t, time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC), cfg.SeekTo.UTC())
	assert.Zero(t, cfg.MaxOutstanding)

	replay.SeekTo = "yesterday"
	_, err = DispatcherConfigFrom(&replay, "run-1")
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "priming", StatePriming.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.True(t, StateStopped.Terminal())
	assert.False(t, StateRunning.Terminal())
}
