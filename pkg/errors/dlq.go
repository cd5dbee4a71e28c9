package errors

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FailedSend records an event whose send completed with an error
type FailedSend struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	Kind      string          `json:"kind"`
	EventTime time.Time       `json:"event_time"`
	Segment   string          `json:"segment,omitempty"`
	Offset    int64           `json:"offset"`

	FailureReason   string    `json:"failure_reason"`
	FailureCategory string    `json:"failure_category"`
	FailureTime     time.Time `json:"failure_time"`
	RunID           string    `json:"run_id,omitempty"`
}

// DeadLetterQueue keeps failed sends for later inspection or replay
type DeadLetterQueue interface {
	// Write records a failed send
	Write(ctx context.Context, failed *FailedSend) error
	// Read returns up to limit recorded sends, oldest first
	Read(ctx context.Context, limit int) ([]*FailedSend, error)
	// Count returns the number of recorded sends
	Count(ctx context.Context) (int64, error)
	Close() error
}

// InMemoryDLQ is an in-memory implementation of DeadLetterQueue
type InMemoryDLQ struct {
	mu      sync.RWMutex
	events  []*FailedSend
	maxSize int
}

// NewInMemoryDLQ creates a new in-memory DLQ holding at most maxSize entries
func NewInMemoryDLQ(maxSize int) *InMemoryDLQ {
	return &InMemoryDLQ{
		events:  make([]*FailedSend, 0),
		maxSize: maxSize,
	}
}

// Write implements DeadLetterQueue. The oldest entry is evicted when full.
func (dlq *InMemoryDLQ) Write(ctx context.Context, failed *FailedSend) error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.maxSize > 0 && len(dlq.events) >= dlq.maxSize {
		dlq.events = dlq.events[1:]
	}

	dlq.events = append(dlq.events, failed)
	return nil
}

// Read implements DeadLetterQueue
func (dlq *InMemoryDLQ) Read(ctx context.Context, limit int) ([]*FailedSend, error) {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()

	if limit <= 0 || limit > len(dlq.events) {
		limit = len(dlq.events)
	}

	result := make([]*FailedSend, limit)
	copy(result, dlq.events[:limit])
	return result, nil
}

// Count implements DeadLetterQueue
func (dlq *InMemoryDLQ) Count(ctx context.Context) (int64, error) {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()
	return int64(len(dlq.events)), nil
}

// Close implements DeadLetterQueue
func (dlq *InMemoryDLQ) Close() error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()
	dlq.events = nil
	return nil
}

// FileDLQ appends failed sends to a JSON-lines file
type FileDLQ struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	count  int64
}

// NewFileDLQ opens (or creates) the JSON-lines file at path
func NewFileDLQ(path string) (*FileDLQ, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create DLQ directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open DLQ file: %w", err)
	}

	dlq := &FileDLQ{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
	}

	existing, err := dlq.readAll(0)
	if err != nil {
		file.Close()
		return nil, err
	}
	dlq.count = int64(len(existing))

	return dlq, nil
}

// Write implements DeadLetterQueue
func (dlq *FileDLQ) Write(ctx context.Context, failed *FailedSend) error {
	data, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("failed to marshal failed send: %w", err)
	}

	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.file == nil {
		return ErrSinkClosed
	}
	if _, err := dlq.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write DLQ entry: %w", err)
	}
	if err := dlq.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush DLQ entry: %w", err)
	}
	dlq.count++
	return nil
}

// Read implements DeadLetterQueue
func (dlq *FileDLQ) Read(ctx context.Context, limit int) ([]*FailedSend, error) {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.writer != nil {
		if err := dlq.writer.Flush(); err != nil {
			return nil, err
		}
	}
	return dlq.readAll(limit)
}

func (dlq *FileDLQ) readAll(limit int) ([]*FailedSend, error) {
	f, err := os.Open(dlq.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open DLQ file: %w", err)
	}
	defer f.Close()

	var result []*FailedSend
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if limit > 0 && len(result) >= limit {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var failed FailedSend
		if err := json.Unmarshal(line, &failed); err != nil {
			return nil, fmt.Errorf("corrupt DLQ entry: %w", err)
		}
		result = append(result, &failed)
	}
	return result, scanner.Err()
}

// Count implements DeadLetterQueue
func (dlq *FileDLQ) Count(ctx context.Context) (int64, error) {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()
	return dlq.count, nil
}

// Close implements DeadLetterQueue
func (dlq *FileDLQ) Close() error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.file == nil {
		return nil
	}
	flushErr := dlq.writer.Flush()
	closeErr := dlq.file.Close()
	dlq.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
