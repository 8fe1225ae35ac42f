package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares counters across gateway replicas. When Redis is
// unavailable it degrades to the per-process Fallback.
type RedisLimiter struct {
	Client   redis.Scripter
	Window   time.Duration
	Prefix   string
	Timeout  time.Duration
	Fallback *InMemoryLimiter
	Logger   *slog.Logger
}

func NewRedis(client redis.Scripter, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "microtoken:rl:",
		Timeout:  2 * time.Second,
		Fallback: NewInMemory(window),
		Logger:   slog.Default(),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	limit = max(limit, 1)
	if l.Client == nil {
		return l.fallback(ctx, key, limit)
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := rateLimitScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) < 2 {
		if l.Logger != nil {
			l.Logger.WarnContext(ctx, "redis rate limiter unavailable, using in-memory fallback", slog.Any("error", err))
		}
		return l.fallback(ctx, key, limit)
	}
	count, ttlMs := res[0], res[1]
	if ttlMs < 0 {
		ttlMs = l.Window.Milliseconds()
	}
	return decide(int(count), limit, time.Now().UTC().Add(time.Duration(ttlMs)*time.Millisecond))
}

func (l *RedisLimiter) fallback(ctx context.Context, key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(ctx, key, limit)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(l.Window)}
}
