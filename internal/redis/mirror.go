package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/jayusctrojan/Empire-sub006/internal/domain"
)

const mirrorChannel = "agents:bus"

// Mirror bridges coordination-bus traffic between processes over a Redis
// pub/sub channel. The gateway publishes agent messages on the channel; the
// orchestrator-side bus picks them up through Run.
type Mirror struct {
	client *redis.Client
	logger *slog.Logger
}

func NewMirror(client *redis.Client, logger *slog.Logger) *Mirror {
	return &Mirror{client: client, logger: logger}
}

// Publish mirrors one bus message onto the channel.
func (m *Mirror) Publish(ctx context.Context, msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal bus message: %w", err)
	}
	if err := m.client.Publish(ctx, mirrorChannel, data).Err(); err != nil {
		return fmt.Errorf("redis publish bus message %s: %w", msg.ID, err)
	}
	return nil
}

// Run feeds channel traffic into deliver until ctx is cancelled. Messages
// this process published come back too; inbox deduplication absorbs them.
func (m *Mirror) Run(ctx context.Context, deliver func(domain.Message) error) error {
	sub := m.client.Subscribe(ctx, mirrorChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-ch:
			if !ok {
				return nil
			}
			var msg domain.Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				m.logger.Warn("malformed bus message on mirror channel", slog.Any("error", err))
				continue
			}
			if err := deliver(msg); err != nil {
				m.logger.Debug("mirror delivery skipped",
					slog.String("message_id", msg.ID),
					slog.Any("error", err),
				)
			}
		}
	}
}
