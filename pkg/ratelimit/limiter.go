package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter is the admission gate. The count-and-check must be atomic per key
// so concurrent requests for the same (tenant, alias) cannot over-admit.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) Decision
}

// Key builds the admission key for a tenant/alias pair.
func Key(tenant, alias string) string {
	return strings.ToLower(strings.TrimSpace(tenant)) + ":" + strings.ToLower(strings.TrimSpace(alias))
}

// RetryAfterSeconds converts a rejection into a Retry-After hint, rounded up.
func RetryAfterSeconds(d Decision) int {
	until := time.Until(d.ResetAt)
	if until <= 0 {
		return 1
	}
	secs := int((until + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

type InMemoryLimiter struct {
	mu    sync.Mutex
	items map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory() *InMemoryLimiter {
	return &InMemoryLimiter{items: make(map[string]entry)}
}

func (l *InMemoryLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = entry{count: 0, resetAt: now.Add(window)}
	}
	curr.count++
	l.items[key] = curr
	allowed := curr.count <= limit
	remaining := limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed,
		Count:     curr.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
}

// cleanup drops stale windows so the map stays bounded by active keys.
func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}
