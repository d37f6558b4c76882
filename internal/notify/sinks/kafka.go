package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/socialwatch/sentinel/internal/notify"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes events to a topic keyed by campaign, so one campaign's
// events stay ordered within a partition.
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaWriter builds a synchronous writer with a hash balancer.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	timeout := cfg.BatchTimeout
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: timeout,
	}
}

// NewKafkaSink wraps a writer.
func NewKafkaSink(writer MessageWriter) *KafkaSink {
	return &KafkaSink{writer: writer}
}

// Consume writes the batch in a single call.
func (s *KafkaSink) Consume(ctx context.Context, batch []notify.Event) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, evt := range batch {
		value, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		key := evt.CampaignID
		if key == "" {
			key = string(evt.Kind)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(key),
			Value: value,
			Time:  evt.TS,
			Headers: []kafka.Header{
				{Key: "kind", Value: []byte(evt.Kind)},
				{Key: "type", Value: []byte(evt.Type)},
			},
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write kafka messages: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close(context.Context) error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
