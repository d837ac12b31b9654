package middleware

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/lumen-commerce/commerce_layer/internal/logging"
	"github.com/lumen-commerce/commerce_layer/internal/metrics"
)

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares fixed-window counters across instances. When Redis is
// unreachable it answers from a process-local fallback.
type RedisLimiter struct {
	client   redis.UniversalClient
	prefix   string
	timeout  time.Duration
	fallback *InMemoryLimiter
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// NewRedisLimiter creates a limiter on client.
func NewRedisLimiter(client redis.UniversalClient, logger *logging.Logger, m *metrics.Metrics) *RedisLimiter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &RedisLimiter{
		client:   client,
		prefix:   "rl:",
		timeout:  250 * time.Millisecond,
		fallback: NewInMemoryLimiter(),
		logger:   logger,
		metrics:  m,
	}
}

// Fallback exposes the local limiter (housekeeping cleans it).
func (l *RedisLimiter) Fallback() *InMemoryLimiter {
	return l.fallback
}

// Allow counts one request against key.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, win time.Duration) (Decision, error) {
	if limit <= 0 {
		limit = 1
	}
	if win <= 0 {
		win = time.Minute
	}
	if l.client == nil {
		return l.fallback.Allow(ctx, key, limit, win)
	}

	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	res, err := fixedWindowScript.Run(callCtx, l.client, []string{l.prefix + key}, win.Milliseconds()).Result()
	if err != nil {
		return l.degrade(ctx, key, limit, win, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.degrade(ctx, key, limit, win, nil)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = win.Milliseconds()
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   int(count) <= limit,
		Count:     int(count),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Now().Add(time.Duration(ttlMs) * time.Millisecond),
	}, nil
}

func (l *RedisLimiter) degrade(ctx context.Context, key string, limit int, win time.Duration, err error) (Decision, error) {
	l.metrics.RecordLimiterFallback()
	entry := l.logger.WithContext(ctx).WithField("key", key)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("Shared rate limiter unavailable, using local counters")
	return l.fallback.Allow(ctx, key, limit, win)
}
