package sink

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/config"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/errors"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/stream"
	"go.uber.org/zap"
)

// TimescaleSink writes events to a TimescaleDB hypertable. Sends are
// batched by a single writer goroutine and resolved when their batch commits.
type TimescaleSink struct {
	db            *sql.DB
	table         string
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger

	queue    chan pendingRow
	flushReq chan chan error
	stop     chan struct{}
	done     chan struct{}
	inflight inflight

	mu     sync.RWMutex
	closed bool
}

type pendingRow struct {
	event    *stream.Event
	delivery *stream.Delivery
}

// NewTimescaleSink opens the database and makes sure the table exists
func NewTimescaleSink(ctx context.Context, cfg *config.SinkConfig, logger *zap.Logger) (*TimescaleSink, error) {
	db, err := sql.Open("postgres", cfg.TimescaleDB.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to TimescaleDB: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping TimescaleDB: %w", err)
	}

	batchSize := cfg.TimescaleDB.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.TimescaleDB.FlushInterval
	if flushInterval <= 0 {
		flushInterval = time.Second
	}

	t := &TimescaleSink{
		db:            db,
		table:         cfg.TimescaleDB.Table,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger,
		queue:         make(chan pendingRow, batchSize*2),
		flushReq:      make(chan chan error),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}

	if err := t.createTable(ctx); err != nil {
		db.Close()
		return nil, err
	}

	go t.writeLoop()

	return t, nil
}

// createTable creates the events table if it doesn't exist
func (t *TimescaleSink) createTable(ctx context.Context) error {
	table := pq.QuoteIdentifier(t.table)
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			time          TIMESTAMPTZ NOT NULL,
			key           TEXT,
			kind          TEXT,
			payload       JSONB,
			segment       TEXT,
			record_offset BIGINT
		);

		SELECT create_hypertable(%s, 'time', if_not_exists => TRUE);

		CREATE INDEX IF NOT EXISTS %s ON %s (key, time DESC);
	`, table, pq.QuoteLiteral(t.table), pq.QuoteIdentifier("idx_"+t.table+"_key"), table)

	if _, err := t.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	t.logger.Info("TimescaleDB table ready", zap.String("table", t.table))
	return nil
}

// SendAsync implements stream.Sink
func (t *TimescaleSink) SendAsync(ctx context.Context, event *stream.Event) stream.Completion {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return stream.Resolved(errors.ErrSinkClosed)
	}

	d := stream.NewDelivery()
	t.inflight.track(d)

	select {
	case t.queue <- pendingRow{event: event, delivery: d}:
	case <-ctx.Done():
		d.Resolve(ctx.Err())
	}
	return d
}

func (t *TimescaleSink) writeLoop() {
	defer close(t.done)

	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	batch := make([]pendingRow, 0, t.batchSize)
	write := func() error {
		err := t.writeBatch(batch)
		batch = batch[:0]
		return err
	}

	for {
		select {
		case row := <-t.queue:
			batch = append(batch, row)
			if len(batch) >= t.batchSize {
				write()
			}

		case <-ticker.C:
			write()

		case reply := <-t.flushReq:
			batch = t.drainQueue(batch)
			reply <- write()

		case <-t.stop:
			batch = t.drainQueue(batch)
			write()
			return
		}
	}
}

func (t *TimescaleSink) drainQueue(batch []pendingRow) []pendingRow {
	for {
		select {
		case row := <-t.queue:
			batch = append(batch, row)
		default:
			return batch
		}
	}
}

// writeBatch copies the batch in one transaction and resolves its deliveries
func (t *TimescaleSink) writeBatch(batch []pendingRow) error {
	if len(batch) == 0 {
		return nil
	}

	err := t.copyRows(batch)
	for _, row := range batch {
		row.delivery.Resolve(err)
	}

	if err != nil {
		t.logger.Error("Failed to write batch to TimescaleDB",
			zap.Int("count", len(batch)),
			zap.Error(err))
		return err
	}

	t.logger.Debug("Batch flushed to TimescaleDB",
		zap.Int("count", len(batch)),
		zap.String("table", t.table))
	return nil
}

func (t *TimescaleSink) copyRows(batch []pendingRow) error {
	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(pq.CopyIn(t.table, "time", "key", "kind", "payload", "segment", "record_offset"))
	if err != nil {
		return fmt.Errorf("failed to prepare copy: %w", err)
	}

	for _, row := range batch {
		e := row.event
		if _, err := stmt.Exec(e.Timestamp, e.Key, e.Kind.String(), string(e.Payload), e.Segment, e.Offset); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to copy event: %w", err)
		}
	}

	if _, err := stmt.Exec(); err != nil {
		stmt.Close()
		return fmt.Errorf("failed to finish copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to close copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Flush writes everything queued so far and waits for it to commit
func (t *TimescaleSink) Flush(ctx context.Context) error {
	reply := make(chan error, 1)

	select {
	case t.flushReq <- reply:
	case <-t.done:
		return t.inflight.wait(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return t.inflight.wait(ctx)
}

// Close stops the writer after a final batch and closes the database
func (t *TimescaleSink) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.logger.Info("Closing TimescaleDB sink")
	close(t.stop)
	<-t.done
	t.inflight.failAll(errors.ErrSinkClosed)
	return t.db.Close()
}
