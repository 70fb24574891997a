package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript evaluates and conditionally increments in one atomic step.
// Two concurrent consumers on the same key can never double-admit past the
// limit because the whole sequence runs server-side.
var consumeScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local max = tonumber(ARGV[1])
if current + 1 <= max then
    current = redis.call('INCR', KEYS[1])
    if current == 1 then
        redis.call('PEXPIRE', KEYS[1], ARGV[2])
    end
    return {current, redis.call('PTTL', KEYS[1]), 1}
end
return {current, redis.call('PTTL', KEYS[1]), 0}
`)

// RedisStore is the preferred shared counter backend: all process instances
// sharing the same Redis see one bucket per key.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Consume(ctx context.Context, key string, cfg Config) (int64, bool, time.Time, error) {
	if s.client == nil {
		return 0, false, time.Time{}, fmt.Errorf("redis client is nil")
	}

	res, err := consumeScript.Run(ctx, s.client, []string{key},
		cfg.MaxRequests, cfg.Window.Milliseconds()).Slice()
	if err != nil {
		return 0, false, time.Time{}, fmt.Errorf("failed to run consume script: %w", err)
	}
	if len(res) != 3 {
		return 0, false, time.Time{}, fmt.Errorf("unexpected consume script reply: %v", res)
	}

	count, _ := res[0].(int64)
	ttlMs, _ := res[1].(int64)
	allowed, _ := res[2].(int64)

	return count, allowed == 1, resetFromTTL(ttlMs, cfg.Window), nil
}

func (s *RedisStore) Peek(ctx context.Context, key string) (int64, time.Time, error) {
	if s.client == nil {
		return 0, time.Time{}, fmt.Errorf("redis client is nil")
	}

	count, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to get counter: %w", err)
	}

	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to get counter ttl: %w", err)
	}
	return count, time.Now().Add(ttl), nil
}

func resetFromTTL(ttlMs int64, window time.Duration) time.Time {
	if ttlMs <= 0 {
		return time.Now().Add(window)
	}
	return time.Now().Add(time.Duration(ttlMs) * time.Millisecond)
}

// Ping verifies the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}
