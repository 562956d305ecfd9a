package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter that
// throttles sync triggers per caller.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, perMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(perMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(caller string) string {
	return fmt.Sprintf("ratelimit:sync:%s", caller)
}

// Allow reports whether caller may start another sync. A nil Limiter allows
// everything.
func (l *Limiter) Allow(ctx context.Context, caller string) (bool, error) {
	if l == nil {
		return true, nil
	}
	res, err := l.store.Allow(ctx, key(caller))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// RetryAfter reports how long caller has to wait for the window to reset.
// Zero means unknown.
func (l *Limiter) RetryAfter(ctx context.Context, caller string) (time.Duration, error) {
	if l == nil {
		return 0, nil
	}
	res, err := l.store.Status(ctx, key(caller))
	if err != nil {
		return 0, fmt.Errorf("failed to read rate limit status: %w", err)
	}
	return res.ResetAfter, nil
}
