package middleware

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTestClient connects to a local Redis or skips the test.
func redisTestClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisRateLimitStore_Allow(t *testing.T) {
	client := redisTestClient(t)
	store := NewRedisRateLimitStore(client)
	config := RateLimitConfig{
		RequestsPerWindow: 5,
		WindowDuration:    time.Minute,
	}

	testKey := "test-redis-key-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, _, err := store.Allow(ctx, testKey, config)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	allowed, retryAfter, err := store.Allow(ctx, testKey, config)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed {
		t.Error("6th request should be blocked")
	}
	if retryAfter <= 0 || retryAfter > 60 {
		t.Errorf("expected retryAfter between 1 and 60, got %d", retryAfter)
	}

	client.Del(ctx, "rl:"+testKey)
}

func TestRedisRateLimitStore_IndependentKeys(t *testing.T) {
	client := redisTestClient(t)
	store := NewRedisRateLimitStore(client)
	config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}
	ctx := context.Background()

	suffix := strconv.FormatInt(time.Now().UnixNano(), 10)
	keyA := "test-a-" + suffix
	keyB := "test-b-" + suffix

	if allowed, _, _ := store.Allow(ctx, keyA, config); !allowed {
		t.Error("first request for key A should be allowed")
	}
	if allowed, _, _ := store.Allow(ctx, keyA, config); allowed {
		t.Error("second request for key A should be blocked")
	}
	if allowed, _, _ := store.Allow(ctx, keyB, config); !allowed {
		t.Error("first request for key B should be allowed")
	}

	client.Del(ctx, "rl:"+keyA, "rl:"+keyB)
}

func TestRedisRateLimitStore_StoreError(t *testing.T) {
	// A client pointed at a closed port errors, exercising the error path
	// the gateway uses for its fail-open/fail-closed decision.
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	store := NewRedisRateLimitStore(client)
	_, _, err := store.Allow(context.Background(), "k", DefaultPublicLimit())
	if err == nil {
		t.Error("expected store error when Redis is unreachable")
	}
}
