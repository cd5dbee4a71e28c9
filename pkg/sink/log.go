package sink

import (
	"context"
	"sync/atomic"

	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/errors"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/stream"
	"go.uber.org/zap"
)

// LogSink writes every event to the logger and completes immediately
type LogSink struct {
	logger *zap.Logger
	sent   atomic.Int64
	closed atomic.Bool
}

// NewLogSink creates a sink backed by the logger
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// SendAsync implements stream.Sink
func (l *LogSink) SendAsync(_ context.Context, event *stream.Event) stream.Completion {
	if l.closed.Load() {
		return stream.Resolved(errors.ErrSinkClosed)
	}

	l.logger.Info("Event",
		zap.String("kind", event.Kind.String()),
		zap.String("key", event.Key),
		zap.Time("timestamp", event.Timestamp),
		zap.ByteString("payload", event.Payload))
	l.sent.Add(1)
	return stream.Resolved(nil)
}

// Sent returns the number of events written
func (l *LogSink) Sent() int64 {
	return l.sent.Load()
}

// Flush implements stream.Sink
func (l *LogSink) Flush(context.Context) error {
	_ = l.logger.Sync()
	return nil
}

// Close implements stream.Sink
func (l *LogSink) Close() error {
	l.closed.Store(true)
	return nil
}
