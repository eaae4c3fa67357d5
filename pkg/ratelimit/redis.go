package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var admitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares admission windows across gateway replicas. On any Redis
// error it degrades to the local in-memory limiter rather than failing open.
type RedisLimiter struct {
	Client   *redis.Client
	Prefix   string
	Fallback *InMemoryLimiter
}

func NewRedis(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		Client:   client,
		Prefix:   "oagw:rl:",
		Fallback: NewInMemory(),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if l.Client == nil {
		return l.fallback(ctx, key, limit, window)
	}
	callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := admitScript.Run(callCtx, l.Client, []string{l.Prefix + key}, window.Milliseconds()).Result()
	if err != nil {
		return l.fallback(ctx, key, limit, window)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.fallback(ctx, key, limit, window)
	}
	count, _ := vals[0].(int64)
	ttlMS, _ := vals[1].(int64)
	if ttlMS < 0 {
		ttlMS = window.Milliseconds()
	}
	allowed := int(count) <= limit
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed,
		Count:     int(count),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Now().UTC().Add(time.Duration(ttlMS) * time.Millisecond),
	}
}

func (l *RedisLimiter) fallback(ctx context.Context, key string, limit int, window time.Duration) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(ctx, key, limit, window)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(window)}
}
