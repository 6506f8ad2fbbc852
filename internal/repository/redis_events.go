package repository

import (
	"context"
	"encoding/json"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// RedisEventPublisher announces authorization changes on a pub/sub channel
// so other instances and downstream consumers can react.
type RedisEventPublisher struct {
	client  redis.Cmdable
	channel string
}

func NewRedisEventPublisher(client redis.Cmdable, channel string) *RedisEventPublisher {
	if channel == "" {
		channel = "authorization_events"
	}
	return &RedisEventPublisher{client: client, channel: channel}
}

func (p *RedisEventPublisher) Publish(ctx context.Context, evt model.AuthorizationEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		logger.Error("failed to encode authorization event", "event_id", evt.ID, "error", err)
		return
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		logger.Error("failed to publish authorization event", "event_id", evt.ID, "error", err)
	}
}
