package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultStream = "chairtime:subscription-events"

	streamMaxLen = 100_000
)

// RedisStreamPublisher appends events to a capped Redis stream. Each entry has
// a kind field holding the routing key and a payload field with the JSON body.
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
}

func NewRedisStreamPublisher(ctx context.Context, url, stream string) (*RedisStreamPublisher, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisStreamPublisher(client, stream), nil
}

func newRedisStreamPublisher(client *redis.Client, stream string) *RedisStreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStreamPublisher{client: client, stream: stream}
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"kind":    routingKey,
			"payload": payload,
		},
	}).Err()
}

func (p *RedisStreamPublisher) Close() error {
	return p.client.Close()
}
