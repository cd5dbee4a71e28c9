package replay

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/admission"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/buffer"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/errors"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/metrics"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/stream"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/tracing"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/watermark"
	"go.uber.org/zap"
)

// ErrAlreadyRun is returned when Run is called on a dispatcher more than once
var ErrAlreadyRun = stderrors.New("dispatcher already run")

// SourceFactory opens the event source. Events it yields must be stamped
// with schedule times by the given scheduler.
type SourceFactory func(ctx context.Context, scheduler *stream.Scheduler) (stream.Source, error)

// SinkFactory opens the destination sink
type SinkFactory func(ctx context.Context) (stream.Sink, error)

// Dependencies are the collaborators a dispatcher drives
type Dependencies struct {
	OpenSource SourceFactory
	// OpenSink may be nil when the dispatcher runs with NoSink
	OpenSink SinkFactory
	Clock    stream.Clock
	Metrics  *metrics.Collector
	Tracing  *tracing.InstrumentationHelper
	// DeadLetter keeps failed sends; nil discards them after logging
	DeadLetter     errors.DeadLetterQueue
	DeadLetterName string
}

// Dispatcher replays a source into a sink, pacing each event against the
// wall clock at the configured speedup. It moves through
// Priming -> Running -> Draining -> Stopped, or ends in Failed.
type Dispatcher struct {
	config   DispatcherConfig
	deps     Dependencies
	clock    stream.Clock
	metrics  *metrics.Collector
	tracing  *tracing.InstrumentationHelper
	failures *failureHandler
	logger   *zap.Logger

	started atomic.Bool
	state   atomic.Int32

	scheduler     *stream.Scheduler
	source        stream.Source
	sink          stream.Sink
	buffer        *buffer.ReorderBuffer
	bufferStarted bool
	gate          *admission.Gate
	tracker       *watermark.Tracker
	emitter       *watermark.Emitter

	dispatched    atomic.Int64
	failed        atomic.Int64
	watermarks    atomic.Int64
	lastWatermark atomic.Int64
	lastLag       atomic.Int64

	// Statistics window, owned by the dispatch loop
	statsAt         time.Time
	statsCount      int64
	syncedViolation int64
	lastLagWarning  time.Time

	mu         sync.Mutex
	startedAt  time.Time
	finishedAt time.Time
}

// NewDispatcher creates a dispatcher
func NewDispatcher(config DispatcherConfig, deps Dependencies, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.applyDefaults()

	if deps.Clock == nil {
		deps.Clock = stream.SystemClock{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector(logger)
	}
	if deps.Tracing == nil {
		deps.Tracing = tracing.NewInstrumentationHelper(nil, logger)
	}
	if deps.DeadLetterName == "" {
		deps.DeadLetterName = "default"
	}

	if config.RunID != "" {
		logger = logger.With(zap.String("run_id", config.RunID))
	}

	d := &Dispatcher{
		config:  config,
		deps:    deps,
		clock:   deps.Clock,
		metrics: deps.Metrics,
		tracing: deps.Tracing,
		logger:  logger,
		failures: &failureHandler{
			dlq:     deps.DeadLetter,
			dlqName: deps.DeadLetterName,
			runID:   config.RunID,
			metrics: deps.Metrics,
			logger:  logger,
		},
	}
	d.state.Store(int32(StatePriming))
	return d
}

// State returns the current lifecycle state
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

func (d *Dispatcher) setState(s State) {
	prev := State(d.state.Swap(int32(s)))
	d.metrics.DispatcherState.Set(float64(s))
	if prev != s {
		d.logger.Debug("Dispatcher state changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", s))
	}
}

// Stats returns a snapshot of the run counters
func (d *Dispatcher) Stats() stream.ReplayStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := stream.ReplayStats{
		EventsDispatched:  d.dispatched.Load(),
		WatermarksEmitted: d.watermarks.Load(),
		SendFailures:      d.failed.Load(),
		LastLag:           time.Duration(d.lastLag.Load()),
		StartedAt:         d.startedAt,
		FinishedAt:        d.finishedAt,
	}
	if d.buffer != nil {
		stats.ReorderViolations = d.buffer.Violations()
	}
	if n := d.lastWatermark.Load(); n != 0 {
		stats.LastWatermark = time.Unix(0, n).UTC()
	}
	return stats
}

// Run replays the source until it is exhausted or ctx is cancelled. A
// cancelled context drains outstanding sends and returns nil; errors are
// returned only when the dispatcher ends in StateFailed.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}

	d.mu.Lock()
	d.startedAt = d.clock.Now()
	d.mu.Unlock()

	d.setState(StatePriming)
	d.logger.Info("Starting replay",
		zap.Float64("speedup", d.config.SpeedupFactor),
		zap.Int("buffer_capacity", d.config.BufferCapacity),
		zap.Int("max_outstanding", d.config.MaxOutstanding),
		zap.Bool("no_watermark", d.config.NoWatermark),
		zap.Bool("no_sink", d.config.NoSink))

	primeCtx, span := d.tracing.TracePhase(ctx, "prime", d.config.RunID)
	empty, err := d.prime(primeCtx)
	tracing.EndSpan(span, err)

	if err != nil {
		if ctx.Err() != nil && stderrors.Is(err, ctx.Err()) {
			d.logger.Info("Replay cancelled while priming")
			return d.shutdown(true, nil)
		}
		d.logger.Error("Failed to prime replay", zap.Error(err))
		return d.shutdown(false, err)
	}

	if empty {
		d.logger.Info("No events to replay")
		return d.shutdown(false, nil)
	}

	d.setState(StateRunning)

	emitterCtx, stopEmitter := context.WithCancel(ctx)
	emitterDone := d.startEmitter(emitterCtx)

	runErr := d.run(ctx)

	stopEmitter()
	<-emitterDone

	return d.shutdown(true, runErr)
}

// prime opens the source and sink and fills the reorder buffer. It reports
// whether the source turned out to be empty.
func (d *Dispatcher) prime(ctx context.Context) (bool, error) {
	d.scheduler = stream.NewScheduler(d.config.SpeedupFactor, d.clock)

	source, err := d.deps.OpenSource(ctx, d.scheduler)
	if err != nil {
		return false, fmt.Errorf("failed to open source: %w", err)
	}
	d.source = source

	if !d.config.SeekTo.IsZero() {
		source.Seek(d.config.SeekTo)
	}

	if !d.config.NoSink {
		if d.deps.OpenSink == nil {
			return false, errors.Fatal(errors.ErrSinkUnavailable, "no sink configured")
		}
		sink, err := d.deps.OpenSink(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to open sink: %w", err)
		}
		d.sink = sink
	}

	// The first event read after this point becomes the schedule origin
	d.scheduler.Reset()

	buf := buffer.NewReorderBuffer(source, d.config.BufferCapacity, d.logger)
	d.mu.Lock()
	d.buffer = buf
	d.mu.Unlock()

	d.gate = admission.New(d.config.MaxOutstanding)
	d.tracker = watermark.NewTracker(d.oldestBuffered, d.logger)
	// A taken event stays pending in the tracker through its pacing sleep
	buf.OnTake(d.tracker.Hold)

	if err := buf.Start(); err != nil {
		return false, err
	}
	d.bufferStarted = true

	if err := buf.Fill(ctx); err != nil {
		return false, err
	}

	d.metrics.ObserveBuffer(buf.Size(), buf.Capacity())
	_, ok := buf.Peek()

	d.logger.Info("Event buffer primed", zap.Int("buffered", buf.Size()))
	return !ok, nil
}

// oldestBuffered is the tracker fallback used when nothing is pending. Taken
// events are held by the tracker, so the buffer head is the oldest event not
// yet dispatched.
func (d *Dispatcher) oldestBuffered() (time.Time, bool) {
	event, ok := d.buffer.Peek()
	if !ok {
		return time.Time{}, false
	}
	return event.Timestamp, true
}

func (d *Dispatcher) startEmitter(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if d.config.NoWatermark {
		close(done)
		return done
	}

	d.emitter = watermark.NewEmitter(watermark.EmitterConfig{
		Interval:  d.config.WatermarkInterval,
		Tracker:   d.tracker,
		Sink:      d.sink,
		Gate:      d.gate,
		Clock:     d.clock,
		OnEmit:    d.onWatermark,
		OnFailure: d.onWatermarkFailure,
		Tracing:   d.tracing,
		Logger:    d.logger,
	})

	go func() {
		defer close(done)
		d.emitter.Run(ctx)
	}()
	return done
}

func (d *Dispatcher) onWatermark(wm time.Time, sends int) {
	d.watermarks.Add(1)
	d.lastWatermark.Store(wm.UnixNano())
	d.metrics.WatermarkEvents.Inc()
	d.metrics.ObserveWatermark(wm)
	if sends > 0 {
		d.metrics.EventsDispatched.WithLabelValues(stream.KindWatermark.String()).Add(float64(sends))
	}
}

func (d *Dispatcher) onWatermarkFailure(err error) {
	d.failed.Add(1)
	category := errors.ClassifyError(err).String()
	d.metrics.SendFailures.WithLabelValues(stream.KindWatermark.String(), category).Inc()
	d.metrics.ErrorMetrics.ErrorsByCategory.WithLabelValues("sink", category).Inc()
}

// run is the dispatch loop. It returns nil when the buffer is exhausted or
// ctx is cancelled.
func (d *Dispatcher) run(ctx context.Context) (err error) {
	ctx, span := d.tracing.TracePhase(ctx, "run", d.config.RunID)
	defer func() { tracing.EndSpan(span, err) }()

	d.statsAt = d.clock.Now()

	for {
		d.maybeReportStats()

		event, takeErr := d.buffer.Take(ctx)
		switch {
		case takeErr == nil:
		case stderrors.Is(takeErr, buffer.ErrExhausted):
			d.logger.Info("Source exhausted", zap.Int64("events", d.dispatched.Load()))
			return nil
		case ctx.Err() != nil:
			d.logger.Info("Replay cancelled")
			return nil
		default:
			return fmt.Errorf("failed to take event: %w", takeErr)
		}

		if !d.pace(ctx, event) {
			d.tracker.Release(event)
			d.logger.Info("Replay cancelled")
			return nil
		}

		if dispatchErr := d.dispatch(ctx, event); dispatchErr != nil {
			if ctx.Err() != nil {
				d.logger.Info("Replay cancelled")
				return nil
			}
			return dispatchErr
		}
	}
}

// pace sleeps until the event's schedule time. Late events are dispatched
// immediately. It returns false if ctx ended during the sleep.
func (d *Dispatcher) pace(ctx context.Context, event *stream.Event) bool {
	wait := event.ScheduleTime.Sub(d.clock.Now())
	if wait <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		d.metrics.PacingSleep.Observe(wait.Seconds())
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, event *stream.Event) error {
	now := d.clock.Now()
	lag := now.Sub(event.ScheduleTime)
	d.lastLag.Store(int64(lag))
	d.metrics.ReplayLag.Set(lag.Seconds())
	d.checkLag(ctx, now, lag, event)

	n := d.dispatched.Add(1)
	kind := event.Kind.String()

	if d.sink == nil {
		d.logger.Info(fmt.Sprintf("[%d] add event", n),
			zap.String("key", event.Key),
			zap.Time("timestamp", event.Timestamp),
			zap.ByteString("payload", event.Payload))
		d.tracker.Release(event)
		d.metrics.EventsDispatched.WithLabelValues(kind).Inc()
		return nil
	}

	c := d.sink.SendAsync(ctx, event)
	c.OnComplete(func(err error) {
		if err == nil {
			return
		}
		d.failed.Add(1)
		d.failures.handle(event, err)
	})
	d.tracker.Track(c, event)

	waitStart := time.Now()
	if err := d.gate.Acquire(ctx, c); err != nil {
		return err
	}
	d.metrics.AdmissionWaitTime.Observe(time.Since(waitStart).Seconds())
	d.metrics.OutstandingSends.Set(float64(d.gate.InFlight()))
	d.metrics.EventsDispatched.WithLabelValues(kind).Inc()
	return nil
}

// checkLag warns when dispatch falls behind schedule by more than the
// threshold, at most once per statistics period. The warning carries the
// run span's trace context.
func (d *Dispatcher) checkLag(ctx context.Context, now time.Time, lag time.Duration, event *stream.Event) {
	if d.config.LagWarningThreshold <= 0 || lag <= d.config.LagWarningThreshold {
		return
	}
	d.metrics.LagWarnings.Inc()
	if now.Sub(d.lastLagWarning) < d.config.StatisticsFrequency {
		return
	}
	d.lastLagWarning = now
	tracing.ContextLogger(ctx, d.logger).Warn("Replay is lagging behind schedule",
		zap.Duration("lag", lag),
		zap.Duration("threshold", d.config.LagWarningThreshold),
		zap.Time("timestamp", event.Timestamp))
}

func (d *Dispatcher) maybeReportStats() {
	now := d.clock.Now()
	elapsed := now.Sub(d.statsAt)
	if elapsed < d.config.StatisticsFrequency {
		return
	}

	count := d.dispatched.Load()
	rate := float64(count-d.statsCount) / elapsed.Seconds()
	wm := d.tracker.MinWatermark()
	lag := time.Duration(d.lastLag.Load())
	size := d.buffer.Size()
	outstanding := d.gate.InFlight()

	d.metrics.Throughput.Set(rate)
	d.metrics.ObserveBuffer(size, d.buffer.Capacity())
	d.metrics.PendingSends.Set(float64(d.tracker.Pending()))
	d.metrics.OutstandingSends.Set(float64(outstanding))
	d.syncViolations()

	d.logger.Info(fmt.Sprintf("all events with timestamp until %s have been sent", wm.Format(time.RFC3339)),
		zap.Int64("events", count),
		zap.Float64("events_per_sec", rate),
		zap.Duration("lag", lag),
		zap.Int("buffer_size", size),
		zap.Int64("outstanding", outstanding))

	d.statsAt = now
	d.statsCount = count
}

// syncViolations brings the reorder violation counter up to date
func (d *Dispatcher) syncViolations() {
	if d.buffer == nil {
		return
	}
	v := d.buffer.Violations()
	if v > d.syncedViolation {
		d.metrics.ReorderViolations.Add(float64(v - d.syncedViolation))
		d.syncedViolation = v
	}
}

// shutdown stops the filler, flushes outstanding sends and releases the
// source and sink. drain marks a pass through StateDraining. The dispatcher
// ends in StateFailed if cause is set or the flush fails.
func (d *Dispatcher) shutdown(drain bool, cause error) error {
	if drain {
		d.setState(StateDraining)
		var outstanding int64
		if d.gate != nil {
			outstanding = d.gate.InFlight()
		}
		d.logger.Info("Draining outstanding sends", zap.Int64("outstanding", outstanding))
	}

	_, span := d.tracing.TracePhase(context.Background(), "drain", d.config.RunID)

	if d.buffer != nil {
		d.buffer.Stop()
		if d.bufferStarted {
			<-d.buffer.Done()
		}
	}

	var flushErr error
	if d.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.config.DrainTimeout)
		start := time.Now()
		if err := d.sink.Flush(ctx); err != nil {
			flushErr = fmt.Errorf("failed to flush outstanding sends: %w", err)
			d.logger.Error("Drain did not complete", zap.Duration("timeout", d.config.DrainTimeout), zap.Error(err))
		}
		cancel()
		d.metrics.FlushLatency.Observe(time.Since(start).Seconds())

		if err := d.sink.Close(); err != nil {
			d.logger.Warn("Failed to close sink", zap.Error(err))
		}
	}

	if d.source != nil {
		if err := d.source.Close(); err != nil {
			d.logger.Warn("Failed to close source", zap.Error(err))
		}
	}

	d.syncViolations()

	d.mu.Lock()
	d.finishedAt = d.clock.Now()
	d.mu.Unlock()

	err := cause
	if err == nil {
		err = flushErr
	}
	tracing.EndSpan(span, err)

	d.logSummary(err)

	if err != nil {
		d.setState(StateFailed)
		return err
	}
	d.setState(StateStopped)
	return nil
}

func (d *Dispatcher) logSummary(err error) {
	stats := d.Stats()
	elapsed := stats.FinishedAt.Sub(stats.StartedAt)

	fields := []zap.Field{
		zap.Int64("events", stats.EventsDispatched),
		zap.Duration("elapsed", elapsed),
		zap.Int64("watermarks", stats.WatermarksEmitted),
		zap.Int64("failed_sends", stats.SendFailures),
		zap.Int64("reorder_violations", stats.ReorderViolations),
	}
	if elapsed > 0 {
		fields = append(fields, zap.Float64("events_per_sec", float64(stats.EventsDispatched)/elapsed.Seconds()))
	}

	if err != nil {
		d.logger.Error("Replay failed", append(fields, zap.Error(err))...)
		return
	}
	d.logger.Info("Replay finished", fields...)
}
