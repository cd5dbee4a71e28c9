package watermark

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/admission"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/stream"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/tracing"
	"go.uber.org/zap"
)

// EmitterConfig wires an Emitter to the rest of the pipeline
type EmitterConfig struct {
	Interval time.Duration
	Tracker  *Tracker
	// Sink receives the markers; a nil sink only logs them
	Sink  stream.Sink
	Gate  *admission.Gate
	Clock stream.Clock
	// OnEmit is called after each marker has been handed to the sink
	OnEmit func(watermark time.Time, sends int)
	// OnFailure is called when a marker send completes with an error
	OnFailure func(err error)
	Tracing   *tracing.InstrumentationHelper
	Logger    *zap.Logger
}

// Emitter periodically materializes the tracker's watermark as a marker
// event and forwards it through the same admission path as records.
type Emitter struct {
	config  EmitterConfig
	emitted atomic.Int64
	last    atomic.Int64 // unix nanos of the last emitted watermark
}

// NewEmitter creates an emitter
func NewEmitter(config EmitterConfig) *Emitter {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.Gate == nil {
		config.Gate = admission.New(0)
	}
	if config.Clock == nil {
		config.Clock = stream.SystemClock{}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Tracing == nil {
		config.Tracing = tracing.NewInstrumentationHelper(nil, config.Logger)
	}
	return &Emitter{config: config}
}

// Run emits a watermark on every tick until ctx is cancelled
func (e *Emitter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	e.config.Logger.Info("Watermark emitter started", zap.Duration("interval", e.config.Interval))

	for {
		select {
		case <-ctx.Done():
			e.config.Logger.Info("Watermark emitter stopped", zap.Int64("emitted", e.emitted.Load()))
			return
		case <-ticker.C:
			if err := e.Emit(ctx); err != nil {
				e.config.Logger.Info("Watermark emitter stopped", zap.Int64("emitted", e.emitted.Load()))
				return
			}
		}
	}
}

// Emit sends one marker carrying the current watermark. A zero watermark,
// meaning nothing has been observed yet, is not emitted. The only error
// returned is ctx's, when it ends while waiting on the admission gate.
func (e *Emitter) Emit(ctx context.Context) error {
	wm := MarkerInstant(e.config.Tracker.MinWatermark())
	if wm.IsZero() {
		return nil
	}

	ctx, span := e.config.Tracing.TraceWatermark(ctx, wm)
	defer span.End()

	marker := stream.NewWatermarkEvent(wm, e.config.Clock.Now())

	if e.config.Sink == nil {
		e.config.Logger.Debug("Dry run, skipping watermark send", zap.Time("watermark", wm))
		e.record(wm, 0)
		return nil
	}

	var completions []stream.Completion
	if b, ok := e.config.Sink.(stream.Broadcaster); ok {
		completions = b.BroadcastAsync(ctx, marker)
	} else {
		completions = []stream.Completion{e.config.Sink.SendAsync(ctx, marker)}
	}

	for _, c := range completions {
		c.OnComplete(e.onComplete(wm))
		if err := e.config.Gate.Acquire(ctx, c); err != nil {
			return err
		}
	}

	e.record(wm, len(completions))
	return nil
}

// MarkerInstant converts a tracker watermark into the instant a marker
// carries. The tracker value is the timestamp of the oldest event not yet
// completed, so a marker vouching for everything at or before its instant
// sits just below it. A zero watermark stays zero.
func MarkerInstant(wm time.Time) time.Time {
	if wm.IsZero() {
		return wm
	}
	return wm.Add(-time.Nanosecond)
}

func (e *Emitter) onComplete(wm time.Time) func(error) {
	return func(err error) {
		if err == nil {
			return
		}
		e.config.Logger.Warn("Failed to send watermark",
			zap.Time("watermark", wm),
			zap.Error(err))
		if e.config.OnFailure != nil {
			e.config.OnFailure(err)
		}
	}
}

func (e *Emitter) record(wm time.Time, sends int) {
	e.emitted.Add(1)
	e.last.Store(wm.UnixNano())
	e.config.Logger.Debug("Emitted watermark",
		zap.Time("watermark", wm),
		zap.Int("sends", sends))
	if e.config.OnEmit != nil {
		e.config.OnEmit(wm, sends)
	}
}

// Emitted returns the number of watermarks emitted
func (e *Emitter) Emitted() int64 {
	return e.emitted.Load()
}

// LastEmitted returns the most recently emitted watermark, zero if none
func (e *Emitter) LastEmitted() time.Time {
	n := e.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
