package replay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/errors"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/metrics"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/stream"
	"go.uber.org/zap"
)

// dlqWriteTimeout bounds a dead-letter write issued from a completion callback
const dlqWriteTimeout = 5 * time.Second

// failureHandler records sends that completed with an error. The event is
// not retried; it is counted, logged and optionally kept in a dead-letter store.
type failureHandler struct {
	dlq     errors.DeadLetterQueue
	dlqName string
	runID   string
	metrics *metrics.Collector
	logger  *zap.Logger
}

func (h *failureHandler) handle(event *stream.Event, err error) {
	category := errors.ClassifyError(err).String()
	kind := event.Kind.String()

	h.metrics.SendFailures.WithLabelValues(kind, category).Inc()
	h.metrics.ErrorMetrics.ErrorsByCategory.WithLabelValues("sink", category).Inc()

	h.logger.Warn("Failed to send event",
		zap.String("key", event.Key),
		zap.String("kind", kind),
		zap.Time("timestamp", event.Timestamp),
		zap.String("segment", event.Segment),
		zap.String("error_category", category),
		zap.Error(err))

	if h.dlq == nil {
		return
	}

	failed := &errors.FailedSend{
		Key:             event.Key,
		Payload:         json.RawMessage(event.Payload),
		Kind:            kind,
		EventTime:       event.Timestamp,
		Segment:         event.Segment,
		Offset:          event.Offset,
		FailureReason:   err.Error(),
		FailureCategory: category,
		FailureTime:     time.Now(),
		RunID:           h.runID,
	}

	ctx, cancel := context.WithTimeout(context.Background(), dlqWriteTimeout)
	defer cancel()

	if dlqErr := h.dlq.Write(ctx, failed); dlqErr != nil {
		h.metrics.ErrorMetrics.DLQWriteErrors.WithLabelValues(h.dlqName).Inc()
		h.logger.Error("Failed to write to DLQ", zap.Error(dlqErr))
		return
	}

	h.metrics.ErrorMetrics.DLQEventsWritten.WithLabelValues(h.dlqName, category).Inc()
	if n, err := h.dlq.Count(ctx); err == nil {
		h.metrics.ErrorMetrics.DLQSize.WithLabelValues(h.dlqName).Set(float64(n))
	}
}
