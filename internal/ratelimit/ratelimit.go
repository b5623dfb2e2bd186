package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trailmail-systems/trailmail/internal/metrics"
)

// Limiter decides whether a source may deliver another envelope right
// now. Limiting is per source, not per recipient; a single noisy
// integration cannot starve the others.
type Limiter interface {
	Allow(ctx context.Context, sourceID string) (bool, error)
	Close() error
}

type redisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// slidingWindowScript counts deliveries inside the window atomically and
// admits the request only while the count is under the limit.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, window_start)

local current = redis.call('ZCARD', key)

if current < limit then
	redis.call('ZADD', key, now, now)
	redis.call('EXPIRE', key, 60)
	return 1
else
	return 0
end
`

// NewRedisLimiter builds a sliding-window limiter on a fresh redis
// connection.
func NewRedisLimiter(redisURL string, limit int, window time.Duration) (Limiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisLimiterWithClient(client, limit, window), nil
}

// NewRedisLimiterWithClient builds a limiter on an existing client.
func NewRedisLimiterWithClient(client *redis.Client, limit int, window time.Duration) Limiter {
	return &redisLimiter{
		client: client,
		limit:  int64(limit),
		window: window,
	}
}

func (r *redisLimiter) Allow(ctx context.Context, sourceID string) (bool, error) {
	now := time.Now().UnixNano()
	windowStart := now - r.window.Nanoseconds()

	result, err := r.client.Eval(ctx, slidingWindowScript,
		[]string{"ratelimit:webhooks:" + sourceID},
		now, windowStart, r.limit,
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	allowed := result == 1
	if !allowed {
		metrics.RateLimitHits.WithLabelValues(sourceID).Inc()
	}

	return allowed, nil
}

func (r *redisLimiter) Close() error {
	return r.client.Close()
}

// NoOpLimiter always allows requests (for testing or disabled limiting).
type NoOpLimiter struct{}

func (NoOpLimiter) Allow(ctx context.Context, sourceID string) (bool, error) {
	return true, nil
}

func (NoOpLimiter) Close() error { return nil }
