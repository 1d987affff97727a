package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "session:"

// RedisStore keeps each session in a Redis hash with a sliding TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, sid, key string) (string, bool, error) {
	value, err := s.client.HGet(ctx, redisKeyPrefix+sid, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read session value: %w", err)
	}
	return value, true, nil
}

func (s *RedisStore) Put(ctx context.Context, sid, key, value string) error {
	redisKey := redisKeyPrefix + sid
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, redisKey, key, value)
	pipe.Expire(ctx, redisKey, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write session value: %w", err)
	}
	return nil
}

func (s *RedisStore) Forget(ctx context.Context, sid, key string) error {
	if err := s.client.HDel(ctx, redisKeyPrefix+sid, key).Err(); err != nil {
		return fmt.Errorf("failed to delete session value: %w", err)
	}
	return nil
}

func (s *RedisStore) Pull(ctx context.Context, sid, key, def string) (string, error) {
	redisKey := redisKeyPrefix + sid
	pipe := s.client.TxPipeline()
	get := pipe.HGet(ctx, redisKey, key)
	pipe.HDel(ctx, redisKey, key)
	_, err := pipe.Exec(ctx)
	if err == redis.Nil {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to pull session value: %w", err)
	}
	return get.Val(), nil
}

func (s *RedisStore) Regenerate(ctx context.Context, sid string) (string, error) {
	newID, err := NewID()
	if err != nil {
		return "", err
	}
	oldKey := redisKeyPrefix + sid
	// RENAME fails on a missing source; an empty session regenerates to an
	// empty session.
	err = s.client.Rename(ctx, oldKey, redisKeyPrefix+newID).Err()
	if err != nil && err != redis.Nil {
		exists, existsErr := s.client.Exists(ctx, oldKey).Result()
		if existsErr == nil && exists == 0 {
			return newID, nil
		}
		return "", fmt.Errorf("failed to regenerate session: %w", err)
	}
	return newID, nil
}

func (s *RedisStore) Destroy(ctx context.Context, sid string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+sid).Err(); err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	return nil
}
