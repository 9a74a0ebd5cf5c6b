package access

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trinitas-lab/tmws/pkg/types"
)

// RedisLimiter enforces quotas across server instances with a fixed
// window held in Redis. The Lua script keeps the increment and expiry
// atomic.
type RedisLimiter struct {
	client *redis.Client
	limits Limits
	logger *zap.Logger
	script *redis.Script
}

// windowScript increments the window counter and sets its TTL in one
// round trip. Returns the count after increment, or -1 when over limit.
var windowScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local ttl = tonumber(ARGV[2])

	local current = tonumber(redis.call('GET', key) or '0')
	if current >= limit then
		return -1
	end
	current = redis.call('INCR', key)
	if current == 1 then
		redis.call('EXPIRE', key, ttl)
	end
	return current
`)

// NewRedisLimiter creates a limiter on an existing Redis client.
func NewRedisLimiter(client *redis.Client, limits Limits, logger *zap.Logger) *RedisLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limits.Window <= 0 {
		limits.Window = time.Minute
	}
	return &RedisLimiter{client: client, limits: limits, logger: logger, script: windowScript}
}

func (r *RedisLimiter) Allow(ctx context.Context, agentID string, class RateClass) error {
	limit := r.limits.limitFor(class)
	if limit <= 0 {
		return nil
	}
	now := time.Now()
	windowSecs := int(r.limits.Window.Seconds())
	slot := now.Unix() / int64(windowSecs)
	key := fmt.Sprintf("tmws:ratelimit:%s:%s:%d", agentID, class, slot)

	res, err := r.script.Run(ctx, r.client, []string{key}, limit, windowSecs+1).Int64()
	if err != nil {
		// Rate limiting is a guard, not the product; a broken Redis must
		// not take requests down with it.
		r.logger.Warn("redis rate limit check failed, allowing request", zap.Error(err))
		return nil
	}
	if res < 0 {
		retry := windowSecs - int(now.Unix()%int64(windowSecs))
		if retry < 1 {
			retry = 1
		}
		return &types.Error{
			Kind:       types.KindRateLimited,
			Message:    "rate limit exceeded for " + string(class),
			RetryAfter: retry,
		}
	}
	return nil
}

func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
