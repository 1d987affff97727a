package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "login_throttle:"

// RedisCounterStore implements CounterStore on Redis so a multi-node
// deployment shares one attempt window per key. Counts are INCR + EXPIRE NX;
// Redis's own guarantees bound how far a concurrent burst can overshoot the
// limit, this store adds no locking of its own.
type RedisCounterStore struct {
	client *redis.Client
}

func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

func (s *RedisCounterStore) Hit(ctx context.Context, key string, decay time.Duration) (int64, error) {
	redisKey := redisKeyPrefix + key

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, decay)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment throttle counter: %w", err)
	}
	return incr.Val(), nil
}

func (s *RedisCounterStore) Attempts(ctx context.Context, key string) (int64, error) {
	count, err := s.client.Get(ctx, redisKeyPrefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read throttle counter: %w", err)
	}
	return count, nil
}

func (s *RedisCounterStore) AvailableIn(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read throttle ttl: %w", err)
	}
	if ttl < 0 {
		// -1 no expiry, -2 missing key
		return 0, nil
	}
	return ttl, nil
}

func (s *RedisCounterStore) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to clear throttle counter: %w", err)
	}
	return nil
}
