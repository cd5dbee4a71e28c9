package stream

import (
	"encoding/hex"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Clock abstracts wall-clock time so pacing can be tested
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock
type SystemClock struct{}

// Now returns time.Now()
func (SystemClock) Now() time.Time { return time.Now() }

// Scheduler derives the wall-clock schedule time of events:
//
//	scheduleTime(e) = runStart + (ts(e) - ts(first)) / speedup
//
// where first is the first event stamped after the most recent Reset.
type Scheduler struct {
	mu       sync.Mutex
	clock    Clock
	speedup  float64
	runStart time.Time
	first    time.Time
	hasFirst bool
}

// NewScheduler creates a scheduler anchored at the current time
func NewScheduler(speedup float64, clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if speedup <= 0 {
		speedup = 1
	}
	return &Scheduler{
		clock:    clock,
		speedup:  speedup,
		runStart: clock.Now(),
	}
}

// Reset re-anchors the schedule at the current time; the next event stamped
// becomes the origin of business time.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runStart = s.clock.Now()
	s.hasFirst = false
	s.first = time.Time{}
}

// Schedule returns the schedule time for a business timestamp
func (s *Scheduler) Schedule(ts time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasFirst {
		s.first = ts
		s.hasFirst = true
	}

	delta := float64(ts.Sub(s.first)) / s.speedup
	return s.runStart.Add(time.Duration(math.Round(delta)))
}

// Speedup returns the configured speedup factor
func (s *Scheduler) Speedup() float64 {
	return s.speedup
}

// KeyFor derives a stable partition key from the payload content
func KeyFor(payload []byte) string {
	var buf [8]byte
	sum := xxhash.Sum64(payload)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(sum)
		sum >>= 8
	}
	return hex.EncodeToString(buf[:])
}
