package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ConnectRedis parses url, dials and pings.
func ConnectRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// RedisTransport relays events between consoles on different hosts over pub/sub.
type RedisTransport struct {
	rdb     *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedisTransport(rdb *redis.Client, channel string, logger *zap.Logger) *RedisTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisTransport{rdb: rdb, channel: channel, logger: logger}
}

func (t *RedisTransport) Name() string { return "redis" }

func (t *RedisTransport) Send(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return t.rdb.Publish(ctx, t.channel, raw).Err()
}

func (t *RedisTransport) Run(ctx context.Context, deliver func(Event)) error {
	pubsub := t.rdb.Subscribe(ctx, t.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				t.logger.Debug("dropping malformed redis event", zap.Error(err))
				continue
			}
			deliver(ev)
		}
	}
}
