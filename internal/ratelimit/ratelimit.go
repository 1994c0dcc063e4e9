// Package ratelimit throttles room joins across instances and message floods
// on a single connection.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/codeit/server/internal/logger"
)

// ErrRateLimited is returned when a rate limit is exceeded
var ErrRateLimited = errors.New("rate limit exceeded")

// JoinWindow is the fixed window joins are counted over.
const JoinWindow = time.Minute

// Limiter counts joins per client address in Redis so the limit holds no
// matter which instance a client lands on.
type Limiter struct {
	redis     *redis.Client
	joinLimit int
	log       zerolog.Logger
}

// NewLimiter creates a join limiter. A nil client or a limit of zero
// disables it.
func NewLimiter(redis *redis.Client, joinLimit int) *Limiter {
	return &Limiter{
		redis:     redis,
		joinLimit: joinLimit,
		log:       logger.For("ratelimit"),
	}
}

// Enabled reports whether joins are being counted.
func (l *Limiter) Enabled() bool {
	return l != nil && l.redis != nil && l.joinLimit > 0
}

// JoinLimit returns the configured joins per window.
func (l *Limiter) JoinLimit() int {
	return l.limitOrZero()
}

// CheckJoin returns ErrRateLimited once ip has joined more than the limit
// within the current window.
func (l *Limiter) CheckJoin(ctx context.Context, ip string) error {
	if !l.Enabled() || ip == "" {
		// If Redis is unavailable, allow the request (fail-open for availability)
		return nil
	}

	key := fmt.Sprintf("ratelimit:join:%s", ip)
	if err := l.checkLimit(ctx, key, l.joinLimit, JoinWindow); err != nil {
		l.log.Warn().Str("ip", ip).Msg("Join rate limit exceeded")
		return err
	}
	return nil
}

// checkLimit performs the actual rate limit check using Redis INCR
func (l *Limiter) checkLimit(ctx context.Context, key string, limit int, window time.Duration) error {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		// Fail-open on Redis errors to maintain availability
		l.log.Debug().Err(err).Str("key", key).Msg("Rate limit check skipped")
		return nil
	}

	// If this is the first request, set the expiry
	if count == 1 {
		l.redis.Expire(ctx, key, window)
	}

	if int(count) > limit {
		return ErrRateLimited
	}
	return nil
}

// RemainingJoins returns how many joins ip has left in the current window
func (l *Limiter) RemainingJoins(ctx context.Context, ip string) (int, error) {
	if !l.Enabled() {
		return l.limitOrZero(), nil
	}

	count, err := l.redis.Get(ctx, fmt.Sprintf("ratelimit:join:%s", ip)).Int()
	if err == redis.Nil {
		return l.joinLimit, nil
	}
	if err != nil {
		return l.joinLimit, err
	}

	remaining := l.joinLimit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (l *Limiter) limitOrZero() int {
	if l == nil {
		return 0
	}
	return l.joinLimit
}
