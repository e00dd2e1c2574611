package dialer

import (
	"context"
	"time"

	"crm-dialer/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// CallLimiter caps concurrently originated calls across processes.
type CallLimiter interface {
	Acquire(ctx context.Context, callID string) (bool, error)
	Release(ctx context.Context, callID string) error
}

type noLimit struct{}

func (noLimit) Acquire(context.Context, string) (bool, error) { return true, nil }
func (noLimit) Release(context.Context, string) error { return nil }

// RedisLimiter is a shared counter guarded by a Lua script. The key TTL
// bounds slots leaked by a crashed process.
type RedisLimiter struct {
	rdb   redis.Scripter
	key   string
	limit int
	ttl   time.Duration
}

// NewRedisLimiter returns a no-op limiter when limit is not positive.
func NewRedisLimiter(rdb redis.Scripter, key string, limit int, ttl time.Duration) CallLimiter {
	if limit <= 0 {
		return noLimit{}
	}
	if key == "" {
		key = "dialer:concurrency"
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisLimiter{rdb: rdb, key: key, limit: limit, ttl: ttl}
}

func (l *RedisLimiter) Acquire(ctx context.Context, _ string) (bool, error) {
	return utils.AcquireSlot(ctx, l.rdb, l.key, l.limit, l.ttl)
}

func (l *RedisLimiter) Release(ctx context.Context, _ string) error {
	return utils.ReleaseSlot(ctx, l.rdb, l.key)
}
