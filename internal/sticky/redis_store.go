package sticky

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "codex-mux:sticky:"

// RedisStore shares bindings across gateway instances. TTL handling is
// native: SET with expiry on write, EXPIRE on touch.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to the Redis at url (redis://...).
func NewRedisStore(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("sticky: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("sticky: ping redis: %w", err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	accountID, err := s.client.Get(ctx, redisKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sticky: redis get: %w", err)
	}
	return accountID, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key, accountID string) error {
	if err := s.client.Set(ctx, redisKeyPrefix+key, accountID, s.ttl).Err(); err != nil {
		return fmt.Errorf("sticky: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Touch(ctx context.Context, key string) error {
	if err := s.client.Expire(ctx, redisKeyPrefix+key, s.ttl).Err(); err != nil {
		return fmt.Errorf("sticky: redis expire: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("sticky: redis del: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error { return s.client.Close() }
