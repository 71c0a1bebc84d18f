package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSubscriber republishes events as JSON on a Redis pub/sub channel.
type RedisSubscriber struct {
	client  *redis.Client
	channel string
}

func NewRedisSubscriber(client *redis.Client, channel string) *RedisSubscriber {
	return &RedisSubscriber{client: client, channel: channel}
}

func (s *RedisSubscriber) Name() string { return "redis" }

func (s *RedisSubscriber) Handle(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.client.Publish(ctx, s.channel, payload).Err()
}
