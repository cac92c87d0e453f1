package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateStore counts requests per key inside a rolling window. Backed by
// Redis so a coordinator cluster shares one budget per caller.
type RateStore interface {
	// Incr bumps the counter for key and returns the count observed in the
	// current window.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	Close() error
}

// RedisRateStore implements RateStore with INCR plus a window expiry set on
// the first hit.
type RedisRateStore struct {
	client *redis.Client
}

// NewRedisRateStore connects using a redis:// URL and verifies the
// connection before returning.
func NewRedisRateStore(url string) (*RedisRateStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisRateStore{client: client}, nil
}

func (s *RedisRateStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, "rate:"+key).Result()
	if err != nil {
		return 0, err
	}
	// First hit anchors the window.
	if count == 1 {
		if err := s.client.Expire(ctx, "rate:"+key, window).Err(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

func (s *RedisRateStore) Close() error {
	return s.client.Close()
}
