package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink appends notifications to a Redis stream consumed by the Telegram
// and email workers.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisClient connects to url and pings it.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// NewRedisSink trims the stream to roughly maxLen entries; zero keeps all.
func NewRedisSink(client *redis.Client, stream string, maxLen int64) *RedisSink {
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"entity_type": n.EntityType,
			"entity_id":   n.EntityID.String(),
			"status":      string(n.Status),
			"body":        string(body),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
