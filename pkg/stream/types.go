package stream

import (
	"context"
	"encoding/json"
	"time"
)

// EventKind distinguishes archive records from synthetic markers
type EventKind int

const (
	KindRecord EventKind = iota
	KindWatermark
)

func (k EventKind) String() string {
	switch k {
	case KindRecord:
		return "record"
	case KindWatermark:
		return "watermark"
	default:
		return "unknown"
	}
}

// Event is a single replayable record. It is created once by a Source and
// never mutated afterwards.
type Event struct {
	Key          string    // Content-derived partition key
	Payload      []byte    // Encoded record (JSON object)
	Timestamp    time.Time // Business (event-time) timestamp from the record
	ScheduleTime time.Time // Wall-clock instant at which the event should be dispatched
	Kind         EventKind
	Segment      string // Archive object the record was read from
	Offset       int64  // Record number within the segment
}

// IsWatermark reports whether the event is a synthetic watermark marker
func (e *Event) IsWatermark() bool {
	return e.Kind == KindWatermark
}

// watermarkPayload mirrors the record layout consumers dispatch on ("type" field)
type watermarkPayload struct {
	Type      string    `json:"type"`
	Watermark time.Time `json:"watermark"`
}

// NewWatermarkEvent builds a marker carrying the given watermark
func NewWatermarkEvent(watermark, now time.Time) *Event {
	payload, _ := json.Marshal(watermarkPayload{
		Type:      KindWatermark.String(),
		Watermark: watermark.UTC(),
	})

	return &Event{
		Key:          KeyFor(payload),
		Payload:      payload,
		Timestamp:    watermark,
		ScheduleTime: now,
		Kind:         KindWatermark,
	}
}

// Source produces a finite, non-restartable, close-to-sorted sequence of events
type Source interface {
	// HasNext reports whether Next will return another event
	HasNext() bool
	// Next returns the next event, or nil once the source is exhausted
	Next() *Event
	// Seek discards events whose timestamp is before ts
	Seek(ts time.Time)
	Close() error
}

// Sink sends events to the destination stream asynchronously
type Sink interface {
	// SendAsync hands the event to the client and returns immediately.
	// Failures are reported only through the returned completion.
	SendAsync(ctx context.Context, event *Event) Completion
	// Flush blocks until every outstanding send has completed or failed
	Flush(ctx context.Context) error
	Close() error
}

// Broadcaster is implemented by sinks that can deliver a marker to every
// partition of the destination stream
type Broadcaster interface {
	BroadcastAsync(ctx context.Context, event *Event) []Completion
}

// ReplayStats holds the dispatcher's running counters
type ReplayStats struct {
	EventsDispatched  int64
	WatermarksEmitted int64
	SendFailures      int64
	ReorderViolations int64
	LastWatermark     time.Time
	LastLag           time.Duration
	StartedAt         time.Time
	FinishedAt        time.Time
}
