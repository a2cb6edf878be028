package redis

import (
	"context"
	"fmt"
	"time"
)

// RateLimiter counts requests per key in fixed windows aligned to the
// wall clock. Each window gets its own counter, so a lost EXPIRE only
// leaks a key and never blocks a caller for good.
type RateLimiter struct {
	client RedisClient
	now    func() time.Time
}

func NewRateLimiter(client RedisClient) *RateLimiter {
	return &RateLimiter{client: client, now: time.Now}
}

func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	if window <= 0 {
		window = time.Minute
	}
	bucket := r.now().UnixNano() / int64(window)
	k := fmt.Sprintf("%s:%d", key, bucket)

	count, err := r.client.Incr(ctx, k)
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := r.client.Expire(ctx, k, 2*window); err != nil {
			return false, err
		}
	}
	return count <= int64(limit), nil
}

// CallerKey names the counter of one caller on one route.
func CallerKey(caller, route string) string {
	return fmt.Sprintf("pipeline:ratelimit:%s:%s", caller, route)
}
