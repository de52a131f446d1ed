package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Record is one message to publish.
type Record struct {
	Key       string
	Value     []byte
	EventType string
}

// Producer publishes records to a Kafka topic.
type Producer interface {
	// Publish writes all records in one batch.
	Publish(ctx context.Context, topic string, records ...Record) error
	Close() error
}

type producer struct {
	writer *kafka.Writer
}

// NewProducer creates a producer connected to the given brokers. Records are
// routed by key so the events of one job keep their order.
func NewProducer(brokers []string) Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		BatchTimeout:           50 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &producer{writer: w}
}

func (p *producer) Publish(ctx context.Context, topic string, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now()
	msgs := make([]kafka.Message, len(records))
	for i, r := range records {
		msgs[i] = kafka.Message{
			Topic:   topic,
			Key:     []byte(r.Key),
			Value:   r.Value,
			Headers: outgoingHeaders(ctx, r.EventType),
			Time:    now,
		}
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka publish %d records to %s: %w", len(records), topic, err)
	}
	return nil
}

func (p *producer) Close() error {
	return p.writer.Close()
}
