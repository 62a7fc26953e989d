package httpx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript bumps the window counter, arms its expiry on first use and
// returns the count together with the remaining window in milliseconds.
var takeScript = redis.NewScript(`
local used = redis.call("INCR", KEYS[1])
if used == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {used, ttl}
`)

// RedisLimiter enforces one fixed window per key across every replica that
// shares the Redis instance.
type RedisLimiter struct {
	rdb    redis.Scripter
	limit  int
	window time.Duration
	prefix string
}

// NewRedisLimiter stores windows under prefix, which gets a trailing colon
// if it lacks one.
func NewRedisLimiter(rdb redis.Scripter, limit int, window time.Duration, prefix string) *RedisLimiter {
	limit, window = limiterDefaults(limit, window)
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "rl"
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &RedisLimiter{rdb: rdb, limit: limit, window: window, prefix: prefix}
}

func (l *RedisLimiter) Take(ctx context.Context, key string) (Quota, error) {
	res, err := takeScript.Run(ctx, l.rdb, []string{l.prefix + key}, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Quota{}, fmt.Errorf("rate limit window %q: %w", key, err)
	}
	if len(res) != 2 {
		return Quota{}, fmt.Errorf("rate limit window %q: unexpected reply %v", key, res)
	}
	return quotaFor(l.limit, res[0], time.Duration(res[1])*time.Millisecond), nil
}
