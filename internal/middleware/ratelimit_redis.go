package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// rateLimitScript atomically increments a fixed-window counter and sets
// its expiry on first use. Returns the current count and remaining TTL
// in milliseconds.
var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisRateLimitStore implements RateLimitStore backed by Redis, so limits
// hold across gateway replicas. It uses the same fixed window counter
// algorithm as the in-memory store.
type RedisRateLimitStore struct {
	client *redis.Client
	prefix string
}

// NewRedisRateLimitStore creates a Redis-backed rate limit store.
func NewRedisRateLimitStore(client *redis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{
		client: client,
		prefix: "rl:",
	}
}

// Allow checks if a request from the given key should be allowed.
// A Redis error is returned to the caller, which decides fail-open or
// fail-closed per scope.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, error) {
	res, err := rateLimitScript.Run(ctx, s.client,
		[]string{s.prefix + key},
		config.WindowDuration.Milliseconds(),
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit store: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return false, 0, fmt.Errorf("rate limit store: unexpected script result %T", res)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = config.WindowDuration.Milliseconds()
	}

	if int(count) <= config.RequestsPerWindow {
		return true, 0, nil
	}

	retryAfter := int(time.Duration(ttlMs) * time.Millisecond / time.Second)
	if retryAfter <= 0 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}
