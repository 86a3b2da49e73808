package cache

import (
	"context"
	"time"
)

// RateLimiter is a fixed-window counter per key.
type RateLimiter struct {
	store  *Store
	prefix string
}

func NewRateLimiter(store *Store, prefix string) *RateLimiter {
	return &RateLimiter{store: store, prefix: prefix}
}

// Allow counts one hit for key. When the limit is exceeded it returns false and the time
// left in the current window. Counter errors let the request through.
func (l *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration) {
	cnt, ttl, err := l.store.IncrWithExpire(ctx, l.prefix+":"+key, window)
	if err != nil {
		l.store.warn("rate limit counter failed", err, key)
		return true, 0
	}
	if cnt > int64(limit) {
		return false, ttl
	}
	return true, 0
}
