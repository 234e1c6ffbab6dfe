package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter caps how many generations a user may start per minute. It wraps
// github.com/vnmchuo/ratelimiter.
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

func key(username string) string {
	return fmt.Sprintf("ratelimit:user:%s", username)
}

// Allow consumes one generation from the user's window.
func (l *Limiter) Allow(ctx context.Context, username string) (bool, error) {
	res, err := l.store.Allow(ctx, key(username))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, username string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, key(username))
}
