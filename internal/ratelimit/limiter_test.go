package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter returns a Limiter on a local Redis. Tests are skipped when
// Redis is not running on localhost:6379.
func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client), client
}

func TestAllowWithinAndOverLimit(t *testing.T) {
	limiter, client := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 10 * time.Second}
	id := "test_allow"
	client.Del(ctx, rule.Key+id)
	t.Cleanup(func() { client.Del(ctx, rule.Key+id) })

	for i := 0; i < rule.Limit; i++ {
		ok, err := limiter.Allow(ctx, id, rule)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	ok, _ := limiter.Allow(ctx, id, rule)
	if ok {
		t.Fatal("request over the limit should be denied")
	}

	remaining, err := limiter.Remaining(ctx, id, rule)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if remaining != 0 {
		t.Errorf("expected 0 remaining, got %d", remaining)
	}

	retry := limiter.RetryAfter(ctx, id, rule)
	if retry < 1 || retry > 10 {
		t.Errorf("expected retry-after in [1, 10], got %d", retry)
	}
}

func TestRetryAfterWithoutWindow(t *testing.T) {
	limiter, client := newTestLimiter(t)
	ctx := context.Background()
	client.Del(ctx, RuleJoin.Key+"test_none")

	if got := limiter.RetryAfter(ctx, "test_none", RuleJoin); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	remaining, _ := limiter.Remaining(ctx, "test_none", RuleJoin)
	if remaining != RuleJoin.Limit {
		t.Errorf("expected full limit %d, got %d", RuleJoin.Limit, remaining)
	}
}

func TestAllowFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	limiter := NewLimiter(client)

	ok, err := limiter.Allow(context.Background(), "anyone", RuleConnect)
	if !ok {
		t.Fatal("expected fail-open allow on redis error")
	}
	if err == nil {
		t.Fatal("expected the redis error to be reported")
	}
}
