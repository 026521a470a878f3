package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter caps how many runs each client may trigger per minute.
// It is a thin wrapper around github.com/vnmchuo/ratelimiter
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, runsPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(runsPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(clientID string) string {
	return fmt.Sprintf("ratelimit:runs:%s", clientID)
}

// AllowRun consumes one run from clientID's window.
func (l *Limiter) AllowRun(ctx context.Context, clientID string) (bool, error) {
	res, err := l.store.Allow(ctx, key(clientID))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Status reports clientID's window without consuming from it.
func (l *Limiter) Status(ctx context.Context, clientID string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, key(clientID))
}
