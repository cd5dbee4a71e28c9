package watermark

import (
	"container/heap"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/stream"
	"go.uber.org/zap"
)

// Tracker computes a monotonic lower bound on the event time of everything
// handed to the sink. Inserts come from the dispatcher, removals from sink
// completion callbacks on arbitrary goroutines.
type Tracker struct {
	mu       sync.Mutex
	pending  pendingHeap
	byID     map[uint64]*pendingSend
	held     map[*stream.Event]uint64
	nextID   uint64
	last     time.Time
	fallback func() (time.Time, bool)
	logger   *zap.Logger
}

// NewTracker creates a tracker. fallback supplies the timestamp of the oldest
// event not yet dispatched and is consulted when no sends are pending; it may
// be nil.
func NewTracker(fallback func() (time.Time, bool), logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		byID:     make(map[uint64]*pendingSend),
		held:     make(map[*stream.Event]uint64),
		fallback: fallback,
		logger:   logger,
	}
}

// Hold registers an event that has left the buffer but has not been handed
// to the sink yet. It stays pending until Track hands it over to its send or
// Release drops it.
func (t *Tracker) Hold(event *stream.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.held[event]; ok {
		return
	}
	t.held[event] = t.pushLocked(event.Timestamp)
}

// Release drops a hold for an event that will not be sent
func (t *Tracker) Release(event *stream.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.held[event]
	if !ok {
		return
	}
	delete(t.held, event)
	t.removeLocked(id)
}

// Track registers the event's timestamp as pending until c completes,
// successfully or not. A held event keeps its place in the pending set.
func (t *Tracker) Track(c stream.Completion, event *stream.Event) {
	t.mu.Lock()
	id, ok := t.held[event]
	if ok {
		delete(t.held, event)
	} else {
		id = t.pushLocked(event.Timestamp)
	}
	t.mu.Unlock()

	c.OnComplete(func(error) {
		t.remove(id)
	})
}

func (t *Tracker) pushLocked(ts time.Time) uint64 {
	id := t.nextID
	t.nextID++
	item := &pendingSend{id: id, timestamp: ts}
	heap.Push(&t.pending, item)
	t.byID[id] = item
	return id
}

func (t *Tracker) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(id)
}

func (t *Tracker) removeLocked(id uint64) {
	item, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byID, id)
	heap.Remove(&t.pending, item.index)
}

// Pending returns the number of held events and uncompleted sends
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// MinWatermark returns the smallest pending timestamp, held events included,
// or the oldest buffered timestamp when nothing is pending. The result never
// decreases between calls; a smaller candidate is replaced by the last
// returned value.
func (t *Tracker) MinWatermark() time.Time {
	t.mu.Lock()
	if len(t.pending) > 0 {
		candidate := t.pending[0].timestamp
		wm := t.clampLocked(candidate)
		t.mu.Unlock()
		return wm
	}
	t.mu.Unlock()

	// The fallback takes the buffer lock, so it is called without ours
	var candidate time.Time
	if t.fallback != nil {
		if ts, ok := t.fallback(); ok {
			candidate = ts
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// An event taken from the buffer meanwhile was held before it left, so it
	// is pending now and older than the buffer head just read
	if len(t.pending) > 0 && (candidate.IsZero() || t.pending[0].timestamp.Before(candidate)) {
		candidate = t.pending[0].timestamp
	}
	return t.clampLocked(candidate)
}

func (t *Tracker) clampLocked(candidate time.Time) time.Time {
	if candidate.IsZero() || candidate.Before(t.last) {
		return t.last
	}
	if candidate.After(t.last) {
		t.logger.Debug("Watermark advanced", zap.Time("watermark", candidate))
	}
	t.last = candidate
	return candidate
}

// Last returns the most recently returned watermark without recomputing it
func (t *Tracker) Last() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

type pendingSend struct {
	id        uint64
	timestamp time.Time
	index     int
}

// pendingHeap is a min-heap on timestamp that keeps each item's index so
// completed sends can be removed in O(log n)
type pendingHeap []*pendingSend

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	return h[i].timestamp.Before(h[j].timestamp)
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x interface{}) {
	item := x.(*pendingSend)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
