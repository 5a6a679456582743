package repository

import (
	"context"
	"fmt"
	"time"

	"quota-api/internal/pkg/errors"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript resets the window when now is past its end, otherwise
// increments the counter. The key expires shortly after the window closes.
//
// KEYS[1] counter hash
// ARGV[1] now (unix ms)
// ARGV[2] window length (ms)
var fixedWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local start = tonumber(redis.call("HGET", KEYS[1], "window_start"))
local count
if start == nil or now > start + window then
	start = now
	count = 1
	redis.call("HSET", KEYS[1], "window_start", start, "count", count)
else
	count = redis.call("HINCRBY", KEYS[1], "count", 1)
end
local ttl = start + window - now + 1000
redis.call("PEXPIRE", KEYS[1], ttl)
return {start, count}
`)

type redisRateLimitRepository struct {
	client redis.Scripter
	prefix string
}

// NewRedisRateLimitRepository stores counters in Redis. Counters expire on
// their own, so PruneStale is a no-op.
func NewRedisRateLimitRepository(client redis.Scripter, prefix string) RateLimitStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &redisRateLimitRepository{client: client, prefix: prefix}
}

func (r *redisRateLimitRepository) Hit(ctx context.Context, identifier, endpoint string, now time.Time, windowMs int64) (*RateLimitWindow, error) {
	if identifier == "" || endpoint == "" {
		return nil, errors.Validation("identifier and endpoint are required")
	}
	if windowMs <= 0 {
		return nil, errors.Validation("window must be positive, got %dms", windowMs)
	}

	vals, err := fixedWindowScript.Run(ctx, r.client, []string{r.key(identifier, endpoint)}, now.UnixMilli(), windowMs).Int64Slice()
	if err != nil {
		return nil, errors.Wrap(err, "failed to record rate limit hit")
	}
	if len(vals) != 2 {
		return nil, errors.Wrap(fmt.Errorf("unexpected script reply %v", vals), "failed to record rate limit hit")
	}

	return &RateLimitWindow{WindowStart: vals[0], RequestCount: vals[1]}, nil
}

func (r *redisRateLimitRepository) PruneStale(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

// key hash-tags the identifier so all endpoints of one client share a slot.
func (r *redisRateLimitRepository) key(identifier, endpoint string) string {
	return fmt.Sprintf("%s:{%s}:%s", r.prefix, identifier, endpoint)
}
