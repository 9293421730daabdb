package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript counts one hit and reports the window's remaining life.
// KEYS[1] = counter key
// ARGV[1] = window length in milliseconds
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisLimiter is a fixed-window limiter whose counters live in Redis, so
// every gate replica sharing the instance enforces one budget per caller.
type RedisLimiter struct {
	client    redis.UniversalClient
	threshold int
	window    time.Duration
	prefix    string
}

// NewRedisLimiter allows threshold calls per window per caller.
// threshold <= 0 disables limiting.
func NewRedisLimiter(client redis.UniversalClient, threshold int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client:    client,
		threshold: threshold,
		window:    window,
		prefix:    "toolgate:rate:",
	}
}

func (l *RedisLimiter) Admit(ctx context.Context, callerKey string) (Decision, error) {
	if l.threshold <= 0 || l.window <= 0 {
		return unlimited, nil
	}

	res, err := fixedWindowScript.Run(ctx, l.client, []string{l.prefix + callerKey}, l.window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("RedisLimiter.Admit: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return Decision{}, fmt.Errorf("RedisLimiter.Admit: unexpected script result %T", res)
	}
	count, _ := values[0].(int64)
	ttl, _ := values[1].(int64)

	if int(count) > l.threshold {
		return Decision{Allowed: false, RetryAfter: time.Duration(ttl) * time.Millisecond}, nil
	}
	return Decision{Allowed: true, Remaining: l.threshold - int(count)}, nil
}
