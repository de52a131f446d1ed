package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Message wraps a Kafka message with the fields consumers need.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Offset    int64
	Time      time.Time
	EventType string
}

// HandlerFunc processes a single message. Returning an error skips the
// offset commit so the message is re-delivered.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads messages from a Kafka topic.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

type consumer struct {
	reader *kafka.Reader
	group  bool
	logger *slog.Logger
}

// NewConsumer creates a consumer for topic. With a groupID offsets are
// committed after each handled message; without one the consumer tails
// partition 0 from the start offset and commits nothing.
func NewConsumer(brokers []string, topic, groupID string, fromStart bool, logger *slog.Logger) Consumer {
	start := kafka.LastOffset
	if fromStart {
		start = kafka.FirstOffset
	}
	cfg := kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: start,
	}
	if groupID == "" {
		cfg.Partition = 0
	}
	return &consumer{reader: kafka.NewReader(cfg), group: groupID != "", logger: logger}
}

// Subscribe reads messages until ctx is cancelled.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		carrier := HeaderCarrier(m.Headers)
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)
		msg := Message{
			Topic:     m.Topic,
			Key:       m.Key,
			Value:     m.Value,
			Offset:    m.Offset,
			Time:      m.Time,
			EventType: carrier.Get(headerEventType),
		}

		if err := handler(msgCtx, msg); err != nil {
			c.logger.Error("message handler failed, skipping commit",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !c.group {
			continue
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("failed to commit kafka offset",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
