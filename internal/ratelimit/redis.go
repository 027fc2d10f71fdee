package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis counts requests in fixed windows shared by every instance.
type Redis struct {
	rdb    redis.Cmdable
	prefix string
	limits Limits
	now    clock
}

func NewRedis(rdb redis.Cmdable, prefix string, limits Limits) *Redis {
	return &Redis{rdb: rdb, prefix: prefix, limits: limits, now: time.Now}
}

type window struct {
	name  string
	size  time.Duration
	limit int
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	now := r.now()
	windows := []window{
		{name: "s", size: time.Second, limit: r.limits.PerSecond},
		{name: "m", size: time.Minute, limit: r.limits.PerMinute},
	}

	counts := make([]*redis.IntCmd, len(windows))
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, w := range windows {
			if w.limit <= 0 {
				continue
			}
			k := r.key(key, w, now)
			counts[i] = pipe.Incr(ctx, k)
			pipe.Expire(ctx, k, 2*w.size)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}

	for i, w := range windows {
		if counts[i] != nil && counts[i].Val() > int64(w.limit) {
			return false, nil
		}
	}
	return true, nil
}

func (r *Redis) key(key string, w window, now time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:%s:%d", r.prefix, key, w.name, now.Unix()/int64(w.size/time.Second))
}
