package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims the sorted set to the window, then records the
// request only when the remaining count is below the limit. Returns 1 when
// admitted.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
	return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// RedisLimiter is a sliding window counter shared by every replica through a
// redis sorted set per client.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration, logger *slog.Logger) *RedisLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
		logger: logger.With(slog.String("component", "ratelimit"), slog.String("backend", "redis")),
	}
}

// Allow fails open: a redis error admits the request.
func (r *RedisLimiter) Allow(ctx context.Context, clientID string) bool {
	now := r.now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())

	res, err := slidingWindowScript.Run(ctx, r.client,
		[]string{r.key(clientID)},
		now, r.window.Milliseconds(), r.limit, member,
	).Int()
	if err != nil {
		r.logger.Warn("Rate limit check failed, admitting request",
			slog.String("client", clientID),
			slog.String("error", err.Error()),
		)
		return true
	}
	if res == 0 {
		rejectionsTotal.WithLabelValues("redis").Inc()
		return false
	}
	return true
}

func (r *RedisLimiter) key(clientID string) string {
	return r.prefix + "ratelimit:" + clientID
}
