package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "medaccess.notifications"

type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisNotifier publishes messages as JSON on a Redis pub/sub channel. The
// delivery workers subscribed to the channel own the actual email or push.
type RedisNotifier struct {
	client  redisClient
	channel string
}

// NewRedisNotifier connects to the Redis server at url (redis://...).
func NewRedisNotifier(url, channel string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: redis.NewClient(opts), channel: channel}, nil
}

func (r *RedisNotifier) Notify(ctx context.Context, msg Message) error {
	if !msg.Target.Valid() {
		return ErrInvalidTarget
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish notification to %s: %w", r.channel, err)
	}
	return nil
}

// Check pings the server. It plugs into the health endpoint.
func (r *RedisNotifier) Check(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *RedisNotifier) Close() error {
	return r.client.Close()
}
