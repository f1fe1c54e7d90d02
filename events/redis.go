package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parvazhub/parvaz-crawler/config"
)

// RedisPublisher appends events to a Redis stream so external consumers
// (dashboards, alerting) can follow crawls across processes.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	seq    *seqTracker
}

// NewRedisPublisher connects and verifies the Redis event stream target.
func NewRedisPublisher(cfg config.RedisConfig) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisPublisher{
		client: client,
		stream: cfg.EventStream,
		maxLen: 100_000,
		seq:    newSeqTracker(),
	}, nil
}

// NewRedisPublisherWithClient wraps an existing client, sharing its
// connection pool.
func NewRedisPublisherWithClient(client *redis.Client, stream string) *RedisPublisher {
	return &RedisPublisher{client: client, stream: stream, maxLen: 100_000, seq: newSeqTracker()}
}

// Publish stamps the event and appends it to the stream.
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	p.seq.stamp(&e)

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event": payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
