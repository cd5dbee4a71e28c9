package sink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/config"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/errors"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/stream"
	"go.uber.org/zap"
)

const natsKindHeader = "Gress-Kind"

// NATSSink publishes events to a JetStream subject. Each publish ack
// resolves the completion returned by SendAsync.
type NATSSink struct {
	conn       *nats.Conn
	js         jetstream.JetStream
	subject    string
	ackTimeout time.Duration
	encode     Encoder
	logger     *zap.Logger
	inflight   inflight
	closed     atomic.Bool
	closeOnce  sync.Once
}

// NewNATSSink connects to NATS and prepares the JetStream context
func NewNATSSink(ctx context.Context, cfg *config.SinkConfig, logger *zap.Logger) (*NATSSink, error) {
	encode, err := NewEncoder(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	subject := cfg.NATS.Subject
	if subject == "" {
		subject = cfg.Stream
	}

	conn, err := nats.Connect(cfg.NATS.URL,
		nats.Name("gress-replay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	opts := []jetstream.JetStreamOpt{}
	if cfg.NATS.MaxPending > 0 {
		opts = append(opts, jetstream.WithPublishAsyncMaxPending(cfg.NATS.MaxPending))
	}

	js, err := jetstream.New(conn, opts...)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if cfg.NATS.Stream != "" {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     cfg.NATS.Stream,
			Subjects: []string{subject},
			Storage:  jetstream.FileStorage,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.NATS.Stream, err)
		}
	}

	logger.Info("NATS sink ready",
		zap.String("url", cfg.NATS.URL),
		zap.String("subject", subject),
		zap.String("stream", cfg.NATS.Stream))

	return &NATSSink{
		conn:       conn,
		js:         js,
		subject:    subject,
		ackTimeout: cfg.RecordTTL,
		encode:     encode,
		logger:     logger,
	}, nil
}

// SendAsync implements stream.Sink
func (n *NATSSink) SendAsync(ctx context.Context, event *stream.Event) stream.Completion {
	if n.closed.Load() {
		return stream.Resolved(errors.ErrSinkClosed)
	}
	if err := ctx.Err(); err != nil {
		return stream.Resolved(err)
	}

	data, err := n.encode(event.Payload)
	if err != nil {
		return stream.Resolved(err)
	}

	msg := nats.NewMsg(n.subject)
	msg.Data = data
	msg.Header.Set(natsKindHeader, event.Kind.String())

	future, err := n.js.PublishMsgAsync(msg)
	if err != nil {
		return stream.Resolved(err)
	}

	d := stream.NewDelivery()
	n.inflight.track(d)
	go n.awaitAck(future, d)
	return d
}

func (n *NATSSink) awaitAck(future jetstream.PubAckFuture, d *stream.Delivery) {
	var timeout <-chan time.Time
	if n.ackTimeout > 0 {
		timer := time.NewTimer(n.ackTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-future.Ok():
		d.Resolve(nil)
	case err := <-future.Err():
		d.Resolve(err)
	case <-timeout:
		d.Resolve(fmt.Errorf("publish to %s: %w", n.subject, context.DeadlineExceeded))
	}
}

// Flush waits for every pending publish ack
func (n *NATSSink) Flush(ctx context.Context) error {
	select {
	case <-n.js.PublishAsyncComplete():
	case <-ctx.Done():
		n.logger.Warn("Publishes still pending", zap.Int("count", n.js.PublishAsyncPending()))
		return ctx.Err()
	}
	return n.inflight.wait(ctx)
}

// Close drains the connection. Sends still pending fail with ErrSinkClosed.
func (n *NATSSink) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.logger.Info("Closing NATS sink", zap.Int("pending", n.inflight.count()))
		n.closed.Store(true)
		n.inflight.failAll(errors.ErrSinkClosed)
		err = n.conn.Drain()
	})
	return err
}
