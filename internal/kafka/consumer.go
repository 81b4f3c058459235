package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Message is the slice of a Kafka record the runtime's handlers need.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Offset  int64
	Headers []kafka.Header
}

// Decode unmarshals the message value into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Value, v); err != nil {
		return fmt.Errorf("decode %s message at offset %d: %w", m.Topic, m.Offset, err)
	}
	return nil
}

// HandlerFunc processes one message. Returning nil commits the offset;
// returning an error leaves it uncommitted for redelivery.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads one topic as part of a consumer group.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

type consumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

// NewConsumer creates a consumer for topic within groupID.
func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger) Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // commit explicitly after the handler succeeds
		StartOffset:    kafka.FirstOffset,
	})
	return &consumer{reader: r, logger: logger}
}

// Subscribe fetches messages until ctx is cancelled. Offsets commit only
// after the handler returns nil, giving at-least-once delivery.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // shutdown
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		// Continue the trace the producer injected into the headers.
		carrier := HeaderCarrier(m.Headers)
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

		msg := Message{
			Topic:   m.Topic,
			Key:     m.Key,
			Value:   m.Value,
			Offset:  m.Offset,
			Headers: m.Headers,
		}
		if err := handler(msgCtx, msg); err != nil {
			c.logger.Error("message handler failed, offset not committed",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.Any("error", err),
			)
			continue
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("commit kafka offset",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.Any("error", err),
			)
		}
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
