package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStoreConfig contains configuration options for the Redis token store.
type RedisStoreConfig struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys.
	// Default: "relay:oauth:"
	KeyPrefix string
}

// RedisStore implements TokenStore on top of Redis so token records survive
// process restarts and are shared across replicas.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a Redis-backed TokenStore.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "relay:oauth:"
	}
	return &RedisStore{client: cfg.Client, keyPrefix: cfg.KeyPrefix}, nil
}

func (s *RedisStore) buildKey(key string) string {
	return s.keyPrefix + key
}

func (s *RedisStore) Get(ctx context.Context, key string) (TokenRecord, bool, error) {
	val, err := s.client.Get(ctx, s.buildKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return TokenRecord{}, false, nil
		}
		return TokenRecord{}, false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	var rec TokenRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return TokenRecord{}, false, fmt.Errorf("failed to unmarshal token record: %w", err)
	}
	return rec, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, rec TokenRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}
	if err := s.client.Set(ctx, s.buildKey(key), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.buildKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}
