package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var counterScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisCounter is the shared counter backing multi-instance deployments.
// Errors propagate; there is no permissive fallback.
type RedisCounter struct {
	Client  *redis.Client
	Timeout time.Duration
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{Client: client, Timeout: 2 * time.Second}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	res, err := counterScript.Run(ctx, c.Client, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return 0, 0, fmt.Errorf("unexpected script reply %T", res)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = window.Milliseconds()
	}
	return int(count), time.Duration(ttlMs) * time.Millisecond, nil
}
