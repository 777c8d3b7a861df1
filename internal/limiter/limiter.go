// Package limiter throttles failed login attempts per (email, client
// IP) on redis. A nil client disables limiting entirely.
package limiter

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type LoginLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
}

func NewLoginLimiter(client *redis.Client, limit int, window time.Duration) *LoginLimiter {
	return &LoginLimiter{redis: client, limit: limit, window: window}
}

// Allow reports whether another attempt is permitted. It fails open on
// redis errors so an outage never locks everyone out.
func (l *LoginLimiter) Allow(ctx context.Context, email, ip string) bool {
	if l == nil || l.redis == nil {
		return true
	}
	count, err := l.redis.Get(ctx, l.key(email, ip)).Int()
	if err != nil {
		return true
	}
	return count < l.limit
}

// RecordFailure counts one failed attempt inside the rolling window.
func (l *LoginLimiter) RecordFailure(ctx context.Context, email, ip string) {
	if l == nil || l.redis == nil {
		return
	}
	key := l.key(email, ip)
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return
	}
	if count == 1 {
		_ = l.redis.Expire(ctx, key, l.window).Err()
	}
}

// Reset clears the counter after a successful login.
func (l *LoginLimiter) Reset(ctx context.Context, email, ip string) {
	if l == nil || l.redis == nil {
		return
	}
	_ = l.redis.Del(ctx, l.key(email, ip)).Err()
}

func (l *LoginLimiter) key(email, ip string) string {
	return "login_attempts:" + email + ":" + ip
}
