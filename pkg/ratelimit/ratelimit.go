// Package ratelimit guards the generation endpoints against request bursts.
// It is independent of the free-tier quota: a user with quota left can still
// be throttled, and the throttle never consumes quota.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter
type Limiter struct {
	store extratelimit.Limiter
}

// NewRedisLimiter allows requestsPerMinute requests per caller in a
// sliding one-minute window.
func NewRedisLimiter(rdb *redis.Client, requestsPerMinute int64) *Limiter {
	return NewLimiter(extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(requestsPerMinute)),
		extratelimit.WithWindow(time.Minute),
	))
}

func NewLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

// Allow counts one request for caller, which is a user id or, for anonymous
// requests, a client address.
func (l *Limiter) Allow(ctx context.Context, caller string) (bool, error) {
	res, err := l.store.Allow(ctx, key(caller))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Status reports caller's window without counting a request.
func (l *Limiter) Status(ctx context.Context, caller string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, key(caller))
}

func key(caller string) string {
	return fmt.Sprintf("ratelimit:caller:%s", caller)
}
