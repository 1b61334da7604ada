// Package ratelimit counts actions per integration, provider and category in
// fixed windows. Counting errors are surfaced so callers can deny rather than
// wave the request through.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conduit/pkg/policy"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Counter increments a window-scoped key and reports the running count plus
// the remaining window.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int, ttl time.Duration, err error)
}

type Limiter struct {
	counter Counter
	prefix  string
}

func New(counter Counter) *Limiter {
	return &Limiter{counter: counter, prefix: "rl:"}
}

// Allow charges one action against its category budget. A nil limit in the
// policy means the category is uncounted and the call is free. A zero limit
// blocks the category outright without touching the counter.
func (l *Limiter) Allow(ctx context.Context, integrationID string, provider policy.Provider, limits policy.RateLimits, action string) (Decision, error) {
	category := Categorize(action)
	limit, window, ok := Resolve(limits, provider, category)
	if !ok {
		return Decision{Allowed: true, Limit: -1, Remaining: -1}, nil
	}
	if limit <= 0 {
		return Decision{Allowed: false, Limit: 0, Remaining: 0, ResetAt: time.Now().UTC()}, nil
	}
	key := fmt.Sprintf("%s%s:%s:%s:%s", l.prefix, integrationID, provider, category, window)
	count, ttl, err := l.counter.Incr(ctx, key, window)
	if err != nil {
		return Decision{Allowed: false, Limit: limit}, fmt.Errorf("rate counter: %w", err)
	}
	if ttl <= 0 {
		ttl = window
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Now().UTC().Add(ttl),
	}, nil
}

// InMemoryCounter is the single-process counter used in tests and when Redis
// is not configured.
type InMemoryCounter struct {
	mu    sync.Mutex
	items map[string]memEntry
}

type memEntry struct {
	count   int
	resetAt time.Time
}

func NewInMemory() *InMemoryCounter {
	return &InMemoryCounter{items: make(map[string]memEntry)}
}

func (c *InMemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int, time.Duration, error) {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.items {
		if now.After(v.resetAt) {
			delete(c.items, k)
		}
	}
	curr, ok := c.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = memEntry{count: 0, resetAt: now.Add(window)}
	}
	curr.count++
	c.items[key] = curr
	return curr.count, curr.resetAt.Sub(now), nil
}
