package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/nexusbff/model"
)

// RedisStore is a Redis-backed Store. Keys have the form "session:{id}" and
// carry the session TTL, so Redis expires abandoned sessions on its own.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed session store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Get looks up a session in Redis.
func (s *RedisStore) Get(ctx context.Context, id string) (*model.Identity, error) {
	key := redisKey(id)
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}

	var identity model.Identity
	if err := json.Unmarshal(raw, &identity); err != nil {
		return nil, fmt.Errorf("unmarshal session %q: %w", key, err)
	}
	return &identity, nil
}

// Put saves a session in Redis with TTL.
func (s *RedisStore) Put(ctx context.Context, id string, identity model.Identity, ttl time.Duration) error {
	data, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	key := redisKey(id)
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Delete removes a session from Redis.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	key := redisKey(id)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func redisKey(id string) string {
	return "session:" + id
}
