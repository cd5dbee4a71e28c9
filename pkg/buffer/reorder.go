package buffer

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/stream"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyStarted is returned when Start is called more than once
	ErrAlreadyStarted = errors.New("reorder buffer already started")
	// ErrExhausted is returned by Take once the source is drained
	ErrExhausted = errors.New("reorder buffer exhausted")
	// ErrStopped is returned by blocking calls after Stop
	ErrStopped = errors.New("reorder buffer stopped")
)

// ReorderBuffer decouples a slow source from the dispatcher and re-sorts a
// locally disordered stream within a window of capacity events.
type ReorderBuffer struct {
	source   stream.Source
	capacity int
	logger   *zap.Logger

	// tokens holds one entry per admitted event; the filler blocks while it is full
	tokens chan struct{}

	mu       sync.Mutex
	events   eventHeap
	seq      uint64
	filling  bool
	changed  chan struct{} // closed and replaced whenever the buffer state changes
	lastTake time.Time
	onTake   func(*stream.Event)

	started    atomic.Bool
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	violations atomic.Int64
}

// NewReorderBuffer creates a buffer over source holding at most capacity events
func NewReorderBuffer(source stream.Source, capacity int, logger *zap.Logger) *ReorderBuffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = 1
	}

	return &ReorderBuffer{
		source:   source,
		capacity: capacity,
		logger:   logger,
		tokens:   make(chan struct{}, capacity),
		events:   make(eventHeap, 0, capacity),
		changed:  make(chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// OnTake registers fn to run for every taken event while the buffer lock is
// held, so the event is never absent from both the buffer and fn's records.
// fn must not call back into the buffer. Call it before Start.
func (b *ReorderBuffer) OnTake(fn func(*stream.Event)) {
	b.mu.Lock()
	b.onTake = fn
	b.mu.Unlock()
}

// Start launches the filling goroutine
func (b *ReorderBuffer) Start() error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	b.mu.Lock()
	b.filling = true
	b.mu.Unlock()

	go b.fillLoop()
	return nil
}

// fillLoop pulls events from the source while admission tokens are available
func (b *ReorderBuffer) fillLoop() {
	defer close(b.done)
	b.logger.Info("Starting event buffer", zap.Int("capacity", b.capacity))

	for b.source.HasNext() {
		if b.stopped() {
			break
		}

		select {
		case b.tokens <- struct{}{}:
		case <-b.stop:
			b.finishFilling()
			b.logger.Info("Event buffer filler stopped")
			return
		}

		event := b.source.Next()
		if event == nil {
			<-b.tokens
			break
		}

		b.mu.Lock()
		heap.Push(&b.events, &entry{event: event, seq: b.seq})
		b.seq++
		b.notifyLocked()
		b.mu.Unlock()
	}

	b.finishFilling()
	b.logger.Info("Event buffer filler exited", zap.Bool("stopped", b.stopped()))
}

func (b *ReorderBuffer) stopped() bool {
	select {
	case <-b.stop:
		return true
	default:
		return false
	}
}

func (b *ReorderBuffer) finishFilling() {
	b.mu.Lock()
	b.filling = false
	b.notifyLocked()
	b.mu.Unlock()
}

// notifyLocked wakes every waiter; b.mu must be held
func (b *ReorderBuffer) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// wait blocks until the buffer state changes, ctx ends, or Stop is called
func (b *ReorderBuffer) wait(ctx context.Context, changed <-chan struct{}) error {
	select {
	case <-changed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stop:
		return ErrStopped
	}
}

// Fill blocks until the buffer holds capacity events or the source is exhausted
func (b *ReorderBuffer) Fill(ctx context.Context) error {
	for {
		b.mu.Lock()
		if len(b.events) >= b.capacity || !b.filling {
			b.mu.Unlock()
			return nil
		}
		changed := b.changed
		b.mu.Unlock()

		if err := b.wait(ctx, changed); err != nil {
			return err
		}
	}
}

// Take removes and returns the event with the smallest timestamp, blocking
// until one is available. It returns ErrExhausted once the source is drained.
func (b *ReorderBuffer) Take(ctx context.Context) (*stream.Event, error) {
	for {
		b.mu.Lock()
		if len(b.events) > 0 {
			e := heap.Pop(&b.events).(*entry)
			if !b.lastTake.IsZero() && e.event.Timestamp.Before(b.lastTake) {
				b.violations.Add(1)
				b.logger.Debug("Event out of order beyond buffer window",
					zap.Time("timestamp", e.event.Timestamp),
					zap.Time("previous", b.lastTake))
			} else {
				b.lastTake = e.event.Timestamp
			}
			if b.onTake != nil {
				b.onTake(e.event)
			}
			b.notifyLocked()
			b.mu.Unlock()

			// Free one admission slot for the filler
			<-b.tokens
			return e.event, nil
		}
		if !b.filling {
			b.mu.Unlock()
			return nil, ErrExhausted
		}
		changed := b.changed
		b.mu.Unlock()

		if err := b.wait(ctx, changed); err != nil {
			return nil, err
		}
	}
}

// Peek returns the smallest-timestamp event without removing it
func (b *ReorderBuffer) Peek() (*stream.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return nil, false
	}
	return b.events[0].event, true
}

// HasNext reports whether the filler is active or events remain buffered
func (b *ReorderBuffer) HasNext() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filling || len(b.events) > 0
}

// Size returns the number of buffered events
func (b *ReorderBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Capacity returns the maximum number of buffered events
func (b *ReorderBuffer) Capacity() int {
	return b.capacity
}

// Violations returns how many taken events were older than an earlier take
func (b *ReorderBuffer) Violations() int64 {
	return b.violations.Load()
}

// Stop signals the filler to stop pulling from the source. Blocked Fill and
// Take calls return ErrStopped; already buffered events can still be taken.
func (b *ReorderBuffer) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
}

// Done is closed once the filling goroutine has exited
func (b *ReorderBuffer) Done() <-chan struct{} {
	return b.done
}

type entry struct {
	event *stream.Event
	seq   uint64
}

// eventHeap orders entries by timestamp, then by arrival
type eventHeap []*entry

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	ti, tj := h[i].event.Timestamp, h[j].event.Timestamp
	if ti.Equal(tj) {
		return h[i].seq < h[j].seq
	}
	return ti.Before(tj)
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x interface{}) {
	*h = append(*h, x.(*entry))
}

func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
