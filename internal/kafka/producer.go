package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/jayusctrojan/Empire-sub006/internal/domain"
)

// Producer publishes runtime envelopes to Kafka.
type Producer interface {
	// PublishSubmission enqueues an accepted task submission on the
	// pending topic, keyed by task ID.
	PublishSubmission(ctx context.Context, sub domain.Submission) error
	// PublishDispatch routes a ready task to its capability's dispatch
	// topic.
	PublishDispatch(ctx context.Context, task *domain.Task) error
	// PublishTaskEvent reports a lifecycle event on the results topic.
	PublishTaskEvent(ctx context.Context, ev domain.TaskEvent) error
	// PublishHeartbeat emits a worker heartbeat.
	PublishHeartbeat(ctx context.Context, hb domain.Heartbeat) error
	// PublishDeadLetter parks an unprocessable payload on the DLQ with
	// the failure reason attached as a header.
	PublishDeadLetter(ctx context.Context, key string, value []byte, reason string) error
	Close() error
}

type producer struct {
	writer *kafka.Writer
}

// NewProducer creates a producer connected to the given brokers. Messages
// are keyed so per-task and per-worker ordering holds within a partition.
func NewProducer(brokers []string) Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{}, // key → deterministic partition
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &producer{writer: w}
}

func (p *producer) PublishSubmission(ctx context.Context, sub domain.Submission) error {
	return p.publishJSON(ctx, TopicPending, sub.TaskID, sub, nil)
}

func (p *producer) PublishDispatch(ctx context.Context, task *domain.Task) error {
	return p.publishJSON(ctx, DispatchTopic(task.Capability), task.ID, task, nil)
}

func (p *producer) PublishTaskEvent(ctx context.Context, ev domain.TaskEvent) error {
	return p.publishJSON(ctx, TopicResults, ev.TaskID, ev, nil)
}

func (p *producer) PublishHeartbeat(ctx context.Context, hb domain.Heartbeat) error {
	return p.publishJSON(ctx, TopicHeartbeats, hb.WorkerID, hb, nil)
}

func (p *producer) PublishDeadLetter(ctx context.Context, key string, value []byte, reason string) error {
	headers := []kafka.Header{{Key: "x-dlq-reason", Value: []byte(reason)}}
	return p.publish(ctx, TopicDeadLetter, key, value, headers)
}

func (p *producer) publishJSON(ctx context.Context, topic, key string, v any, headers []kafka.Header) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return p.publish(ctx, topic, key, value, headers)
}

func (p *producer) publish(ctx context.Context, topic, key string, value []byte, extra []kafka.Header) error {
	// Propagate the active trace into message headers so the consuming
	// service continues the same trace.
	carrier := make(HeaderCarrier, 0, len(extra)+2)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	headers := append([]kafka.Header(carrier), extra...)

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

func (p *producer) Close() error {
	return p.writer.Close()
}
