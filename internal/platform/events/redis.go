package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/clinicq/clinicq/internal/domain/queue"
)

const DefaultChannelPrefix = "clinicq:queue:"

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
}

// RedisSink publishes every event as JSON on a per-clinic Pub/Sub channel.
type RedisSink struct {
	rdb    redisPublisher
	prefix string
}

func NewRedisSink(rdb redisPublisher, prefix string) *RedisSink {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisSink{rdb: rdb, prefix: prefix}
}

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (s *RedisSink) Name() string { return "redis" }

// Channel is the Pub/Sub channel a clinic's events go to.
func (s *RedisSink) Channel(ev queue.Event) string {
	return s.prefix + ev.ClinicID.String()
}

func (s *RedisSink) Publish(ctx context.Context, ev queue.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.rdb.Publish(ctx, s.Channel(ev), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}
