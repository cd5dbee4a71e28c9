package sink

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/config"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/errors"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/stream"
	"go.uber.org/zap"
)

const (
	kafkaQueueFullBackoff = 100 // ms
	kafkaMetadataTimeout  = 5 * time.Second
	kafkaKindHeader       = "gress-kind"
)

// KafkaSink writes events to a Kafka topic. Delivery reports resolve the
// completion returned by SendAsync.
type KafkaSink struct {
	producer   *kafka.Producer
	topic      string
	encode     Encoder
	logger     *zap.Logger
	inflight   inflight
	closed     atomic.Bool
	closeOnce  sync.Once
	eventsDone chan struct{}
}

// KafkaConfigMap derives the producer settings from the sink configuration
func KafkaConfigMap(cfg *config.SinkConfig) (*kafka.ConfigMap, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("no Kafka brokers specified")
	}

	cm := &kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(cfg.Kafka.Brokers, ","),
		"client.id":          "gress-replay",
		"acks":               "all",
		"enable.idempotence": true,
	}

	if cfg.RecordTTL > 0 {
		_ = cm.SetKey("message.timeout.ms", int(cfg.RecordTTL.Milliseconds()))
	}

	if cfg.Aggregate {
		_ = cm.SetKey("linger.ms", 100)
		_ = cm.SetKey("compression.type", "lz4")
	} else {
		_ = cm.SetKey("linger.ms", 5)
	}

	for key, value := range cfg.Kafka.Properties {
		if err := cm.SetKey(key, value); err != nil {
			return nil, fmt.Errorf("invalid Kafka property %s: %w", key, err)
		}
	}

	return cm, nil
}

// NewKafkaSink creates a new Kafka sink
func NewKafkaSink(cfg *config.SinkConfig, logger *zap.Logger) (*KafkaSink, error) {
	encode, err := NewEncoder(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	cm, err := KafkaConfigMap(cfg)
	if err != nil {
		return nil, err
	}

	producer, err := kafka.NewProducer(cm)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	k := &KafkaSink{
		producer:   producer,
		topic:      cfg.Stream,
		encode:     encode,
		logger:     logger,
		eventsDone: make(chan struct{}),
	}

	// Handle delivery reports in background
	go k.handleEvents()

	logger.Info("Kafka sink ready",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Stream),
		zap.Bool("aggregate", cfg.Aggregate))

	return k, nil
}

func (k *KafkaSink) handleEvents() {
	defer close(k.eventsDone)

	for e := range k.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			d, ok := ev.Opaque.(*stream.Delivery)
			if !ok {
				continue
			}
			d.Resolve(ev.TopicPartition.Error)
		case kafka.Error:
			k.logger.Warn("Kafka producer error",
				zap.Error(ev),
				zap.Bool("fatal", ev.IsFatal()))
		}
	}
}

// SendAsync implements stream.Sink
func (k *KafkaSink) SendAsync(ctx context.Context, event *stream.Event) stream.Completion {
	if k.closed.Load() {
		return stream.Resolved(errors.ErrSinkClosed)
	}

	value, err := k.encode(event.Payload)
	if err != nil {
		return stream.Resolved(err)
	}

	return k.produce(ctx, event, value, kafka.PartitionAny)
}

// BroadcastAsync implements stream.Broadcaster by producing one copy of the
// event to every partition of the topic
func (k *KafkaSink) BroadcastAsync(ctx context.Context, event *stream.Event) []stream.Completion {
	if k.closed.Load() {
		return []stream.Completion{stream.Resolved(errors.ErrSinkClosed)}
	}

	value, err := k.encode(event.Payload)
	if err != nil {
		return []stream.Completion{stream.Resolved(err)}
	}

	partitions, err := k.partitions()
	if err != nil {
		return []stream.Completion{stream.Resolved(err)}
	}

	completions := make([]stream.Completion, 0, len(partitions))
	for _, p := range partitions {
		completions = append(completions, k.produce(ctx, event, value, p))
	}
	return completions
}

func (k *KafkaSink) partitions() ([]int32, error) {
	md, err := k.producer.GetMetadata(&k.topic, false, int(kafkaMetadataTimeout.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata for %s: %w", k.topic, err)
	}

	tm, ok := md.Topics[k.topic]
	if !ok {
		return nil, fmt.Errorf("topic %s not found", k.topic)
	}
	if tm.Error.Code() != kafka.ErrNoError {
		return nil, tm.Error
	}

	ids := make([]int32, 0, len(tm.Partitions))
	for _, p := range tm.Partitions {
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("topic %s has no partitions", k.topic)
	}
	return ids, nil
}

func (k *KafkaSink) produce(ctx context.Context, event *stream.Event, value []byte, partition int32) stream.Completion {
	d := stream.NewDelivery()
	k.inflight.track(d)

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &k.topic,
			Partition: partition,
		},
		Key:       []byte(event.Key),
		Value:     value,
		Timestamp: event.Timestamp,
		Headers: []kafka.Header{
			{Key: kafkaKindHeader, Value: []byte(event.Kind.String())},
		},
		Opaque: d,
	}

	for {
		err := k.producer.Produce(msg, nil)
		if err == nil {
			return d
		}

		var kerr kafka.Error
		if !stderrors.As(err, &kerr) || kerr.Code() != kafka.ErrQueueFull {
			d.Resolve(err)
			return d
		}

		// Local queue is full: serve delivery reports and try again
		k.producer.Flush(kafkaQueueFullBackoff)
		if err := ctx.Err(); err != nil {
			d.Resolve(err)
			return d
		}
	}
}

// Flush waits until every produced message has a delivery report
func (k *KafkaSink) Flush(ctx context.Context) error {
	for k.producer.Len() > 0 {
		if err := ctx.Err(); err != nil {
			k.logger.Warn("Messages still in queue", zap.Int("count", k.producer.Len()))
			return err
		}
		k.producer.Flush(kafkaQueueFullBackoff)
	}
	return k.inflight.wait(ctx)
}

// Close closes the producer. Sends still pending fail with ErrSinkClosed.
func (k *KafkaSink) Close() error {
	k.closeOnce.Do(func() {
		k.logger.Info("Closing Kafka sink", zap.Int("pending", k.inflight.count()))
		k.closed.Store(true)
		k.producer.Close()
		<-k.eventsDone
		k.inflight.failAll(errors.ErrSinkClosed)
	})
	return nil
}
