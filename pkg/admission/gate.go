package admission

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/stream"
)

// Gate bounds the number of asynchronous sends that are in flight at once.
// A permit is taken before a send is admitted and released exactly once when
// the send's completion fires, whether it succeeded or failed.
type Gate struct {
	max      int
	permits  chan struct{}
	inFlight atomic.Int64
	peak     atomic.Int64
}

// New creates a gate admitting at most max concurrent sends. A max of zero
// or less leaves the gate unbounded.
func New(max int) *Gate {
	g := &Gate{max: max}
	if max > 0 {
		g.permits = make(chan struct{}, max)
	}
	return g
}

// Acquire blocks until a permit is free, then ties the permit to c. It returns
// ctx.Err() if ctx ends first, in which case no permit is held.
func (g *Gate) Acquire(ctx context.Context, c stream.Completion) error {
	if g.permits != nil {
		select {
		case g.permits <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	n := g.inFlight.Add(1)
	for {
		peak := g.peak.Load()
		if n <= peak || g.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	var once sync.Once
	c.OnComplete(func(error) {
		once.Do(g.release)
	})
	return nil
}

func (g *Gate) release() {
	g.inFlight.Add(-1)
	if g.permits != nil {
		<-g.permits
	}
}

// InFlight returns the number of admitted sends whose completion has not fired
func (g *Gate) InFlight() int64 {
	return g.inFlight.Load()
}

// Peak returns the highest in-flight count observed
func (g *Gate) Peak() int64 {
	return g.peak.Load()
}

// Max returns the configured bound, zero when unbounded
func (g *Gate) Max() int {
	if g.max < 0 {
		return 0
	}
	return g.max
}
