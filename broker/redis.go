package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs sessions and the document cache with Redis, so several
// broker instances can share state. Session claims rely on SET NX.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis instance described by rawURL, for
// example redis://localhost:6379/0, and pings it once.
func NewRedisStore(ctx context.Context, rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func sessionKey(id string) string { return "session:" + id }

func (s *RedisStore) SaveSession(ctx context.Context, id string, data []byte, ttl time.Duration) (bool, error) {
	claimed, err := s.client.SetNX(ctx, sessionKey(id), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("save session: %w", err)
	}
	return claimed, nil
}

func (s *RedisStore) ConsumeSession(ctx context.Context, id string) ([]byte, error) {
	data, err := s.client.GetDel(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume session: %w", err)
	}
	return data, nil
}

func (s *RedisStore) SetCache(ctx context.Context, key CacheKey, data []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		return fmt.Errorf("set cache: %w", err)
	}
	return nil
}

func (s *RedisStore) GetCache(ctx context.Context, key CacheKey) ([]byte, error) {
	data, err := s.client.Get(ctx, key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cache: %w", err)
	}
	return data, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
