package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher fans events out over Redis pub/sub so multiple scheduler
// front-ends (or an operator's dashboard) can subscribe without the core
// having to know about them — an alternative Publisher to LogPublisher.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher dials addr and verifies connectivity before returning.
func NewRedisPublisher(addr, password string, db int, channelPrefix string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis publisher: %w", err)
	}

	if channelPrefix == "" {
		channelPrefix = "scheduler.events"
	}
	return &RedisPublisher{client: client, prefix: channelPrefix}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	channel := p.prefix + "." + topic
	return p.client.Publish(ctx, channel, data).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
