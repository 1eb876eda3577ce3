package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the production Store backed by a shared redis instance so
// replays are detected across service replicas.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Store on an existing redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "idem"}
}

func (s *RedisStore) key(scope, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, scope, key)
}

// PutIfAbsent implements Store using SET NX with the window as TTL.
func (s *RedisStore) PutIfAbsent(ctx context.Context, scope, key, resultID string, window time.Duration) (string, bool, error) {
	k := s.key(scope, key)
	set, err := s.client.SetNX(ctx, k, resultID, window).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to record idempotency key: %w", err)
	}
	if set {
		return resultID, true, nil
	}
	existing, err := s.client.Get(ctx, k).Result()
	if err == redis.Nil {
		// Entry expired between SETNX and GET; treat as fresh.
		return resultID, true, s.client.Set(ctx, k, resultID, window).Err()
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	return existing, false, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, scope, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.key(scope, key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	return v, true, nil
}
