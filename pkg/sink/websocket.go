package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/config"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/errors"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/stream"
	"go.uber.org/zap"
)

const websocketWriteTimeout = 10 * time.Second

// WebSocketSink streams events to a WebSocket endpoint. A single writer
// goroutine owns the connection; each send completes once its frame is written.
type WebSocketSink struct {
	conn        *websocket.Conn
	url         string
	messageType int
	encode      Encoder
	logger      *zap.Logger

	queue    chan pendingRow
	stop     chan struct{}
	done     chan struct{}
	inflight inflight

	mu     sync.RWMutex
	closed bool
}

// NewWebSocketSink dials the configured endpoint
func NewWebSocketSink(ctx context.Context, cfg *config.SinkConfig, logger *zap.Logger) (*WebSocketSink, error) {
	encode, err := NewEncoder(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.WebSocket.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.WebSocket.URL, err)
	}

	messageType := websocket.TextMessage
	if cfg.Encoding == "protobuf" {
		messageType = websocket.BinaryMessage
	}

	queueSize := cfg.WebSocket.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}

	w := &WebSocketSink{
		conn:        conn,
		url:         cfg.WebSocket.URL,
		messageType: messageType,
		encode:      encode,
		logger:      logger,
		queue:       make(chan pendingRow, queueSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	go w.writeLoop()

	logger.Info("WebSocket sink connected", zap.String("url", cfg.WebSocket.URL))
	return w, nil
}

// SendAsync implements stream.Sink
func (w *WebSocketSink) SendAsync(ctx context.Context, event *stream.Event) stream.Completion {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return stream.Resolved(errors.ErrSinkClosed)
	}

	d := stream.NewDelivery()
	w.inflight.track(d)

	select {
	case w.queue <- pendingRow{event: event, delivery: d}:
	case <-w.done:
		d.Resolve(errors.ErrSinkClosed)
	case <-ctx.Done():
		d.Resolve(ctx.Err())
	}
	return d
}

func (w *WebSocketSink) writeLoop() {
	defer close(w.done)

	for {
		select {
		case row := <-w.queue:
			data, err := w.encode(row.event.Payload)
			if err != nil {
				row.delivery.Resolve(err)
				continue
			}
			if err := w.write(data); err != nil {
				// The connection is unusable after a failed write
				row.delivery.Resolve(err)
				w.logger.Error("WebSocket write error", zap.Error(err))
				w.failQueued(err)
				return
			}
			row.delivery.Resolve(nil)

		case <-w.stop:
			// Write what was accepted before Close
			for {
				select {
				case row := <-w.queue:
					data, err := w.encode(row.event.Payload)
					if err == nil {
						err = w.write(data)
					}
					row.delivery.Resolve(err)
				default:
					return
				}
			}
		}
	}
}

func (w *WebSocketSink) failQueued(err error) {
	for {
		select {
		case row := <-w.queue:
			row.delivery.Resolve(err)
		default:
			return
		}
	}
}

func (w *WebSocketSink) write(data []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(w.messageType, data)
}

// Flush waits until every queued frame has been written
func (w *WebSocketSink) Flush(ctx context.Context) error {
	return w.inflight.wait(ctx)
}

// Close writes the remaining queue, sends a close frame and closes the connection
func (w *WebSocketSink) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.logger.Info("Closing WebSocket sink", zap.String("url", w.url))
	close(w.stop)
	<-w.done
	w.inflight.failAll(errors.ErrSinkClosed)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replay finished")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return w.conn.Close()
}
