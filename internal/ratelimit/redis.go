package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a fixed-window limiter whose counters live in Redis, so several
// processes behind one proxy share a budget.
type Redis struct {
	client redis.Cmdable
	prefix string
	limit  int
	window time.Duration
}

// NewRedis allows limit events per window for each key, storing counters
// under prefix.
func NewRedis(client redis.Cmdable, prefix string, limit int, period time.Duration) (*Redis, error) {
	if limit <= 0 || period <= 0 {
		return nil, ErrInvalidLimit
	}
	return &Redis{client: client, prefix: prefix, limit: limit, window: period}, nil
}

func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	k := r.prefix + key

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		ttl = p.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit counter: %w", err)
	}

	resetIn := ttl.Val()
	if resetIn < 0 {
		// First hit of a window, or a counter that lost its expiry.
		if err := r.client.PExpire(ctx, k, r.window).Err(); err != nil {
			return Decision{}, fmt.Errorf("rate limit expiry: %w", err)
		}
		resetIn = r.window
	}
	return decide(r.limit, int(incr.Val()), resetIn), nil
}
