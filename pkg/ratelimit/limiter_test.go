package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryLimiter(t *testing.T) {
	limiter := NewInMemory()
	ctx := context.Background()
	key := Key("tenant-a", "billing")

	first := limiter.Allow(ctx, key, 2, 50*time.Millisecond)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(ctx, key, 2, 50*time.Millisecond)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(ctx, key, 2, 50*time.Millisecond)
	if third.Allowed || third.Count != 3 || third.Remaining != 0 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	time.Sleep(70 * time.Millisecond)
	reset := limiter.Allow(ctx, key, 2, 50*time.Millisecond)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", reset)
	}
}

func TestInMemoryLimiterKeysAreIndependent(t *testing.T) {
	limiter := NewInMemory()
	ctx := context.Background()
	if d := limiter.Allow(ctx, Key("tenant-a", "billing"), 1, time.Minute); !d.Allowed {
		t.Fatalf("first tenant should be admitted: %+v", d)
	}
	if d := limiter.Allow(ctx, Key("tenant-a", "billing"), 1, time.Minute); d.Allowed {
		t.Fatalf("first tenant should be over limit: %+v", d)
	}
	if d := limiter.Allow(ctx, Key("tenant-b", "billing"), 1, time.Minute); !d.Allowed {
		t.Fatalf("other tenant must not share the window: %+v", d)
	}
	if d := limiter.Allow(ctx, Key("tenant-a", "search"), 1, time.Minute); !d.Allowed {
		t.Fatalf("other alias must not share the window: %+v", d)
	}
}

func TestInMemoryLimiterLimitFloor(t *testing.T) {
	limiter := NewInMemory()
	decision := limiter.Allow(context.Background(), "k", 0, time.Minute)
	if !decision.Allowed || decision.Limit != 1 {
		t.Fatalf("expected fallback limit=1 and allowed decision, got %+v", decision)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	d := Decision{ResetAt: time.Now().Add(1500 * time.Millisecond)}
	if got := RetryAfterSeconds(d); got != 2 {
		t.Fatalf("expected rounded-up retry-after of 2s, got %d", got)
	}
	expired := Decision{ResetAt: time.Now().Add(-time.Second)}
	if got := RetryAfterSeconds(expired); got != 1 {
		t.Fatalf("expected floor of 1s for expired window, got %d", got)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedis(client)
	ctx := context.Background()
	key := Key("tenant-a", "billing")

	first := limiter.Allow(ctx, key, 2, 25*time.Millisecond)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(ctx, key, 2, 25*time.Millisecond)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(ctx, key, 2, 25*time.Millisecond)
	if third.Allowed || third.Count != 3 || third.Remaining != 0 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	mr.FastForward(30 * time.Millisecond)
	reset := limiter.Allow(ctx, key, 2, 25*time.Millisecond)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", reset)
	}
}

func TestRedisLimiterUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	limiter := NewRedis(client)
	ctx := context.Background()
	decision := limiter.Allow(ctx, Key("tenant-a", "billing"), 1, time.Second)
	if !decision.Allowed || decision.Count != 1 {
		t.Fatalf("expected in-memory fallback allow on redis outage, got %+v", decision)
	}
	second := limiter.Allow(ctx, Key("tenant-a", "billing"), 1, time.Second)
	if second.Allowed {
		t.Fatalf("expected fallback limiter to enforce limits, got %+v", second)
	}
}
