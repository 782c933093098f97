package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertThrottle is a sliding window limiter backed by a Redis sorted set.
// Each member is a unique attempt scored by its timestamp. A Lua script
// trims expired members, checks the count and records the attempt atomically.
type AlertThrottle struct {
	redisClient *redis.Client
	logger      *slog.Logger
	script      *redis.Script
	window      time.Duration
	seq         atomic.Uint64
}

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('EXPIRE', key, math.floor(window / 1000) + 1)
    return 1
else
    return 0
end
`)

// NewAlertThrottle creates a throttle counting attempts over window.
func NewAlertThrottle(redisClient *redis.Client, logger *slog.Logger, window time.Duration) *AlertThrottle {
	if window <= 0 {
		window = time.Minute
	}
	return &AlertThrottle{
		redisClient: redisClient,
		logger:      logger,
		script:      slidingWindowScript,
		window:      window,
	}
}

func throttleKey(key string) string {
	return fmt.Sprintf("alert:%s", key)
}

// Allow reports whether another attempt under key fits in the window.
func (t *AlertThrottle) Allow(ctx context.Context, key string, limit int) bool {
	if limit <= 0 {
		return true
	}

	now := time.Now()
	member := fmt.Sprintf("%d:%d", now.UnixNano(), t.seq.Add(1))

	result, err := t.script.Run(ctx, t.redisClient, []string{throttleKey(key)},
		now.UnixMilli(), t.window.Milliseconds(), limit, member,
	).Int64()
	if err != nil {
		t.logger.Error("alert throttle script failed", "error", err, "key", key)
		return true // fail open
	}

	return result == 1
}
