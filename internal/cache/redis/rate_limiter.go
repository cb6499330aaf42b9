package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// minRetryDelay keeps Wait from spinning when the window is about to open.
const minRetryDelay = 10 * time.Millisecond

// Verdict is the outcome of one limiter check.
type Verdict struct {
	Allowed bool
	// Count is the number of requests in the window, this one included
	// when allowed.
	Count int
	// RetryAfter is how long until the oldest request leaves the window.
	// Zero when allowed.
	RetryAfter time.Duration
}

// RateLimiter implements domain.RateLimiter as a sliding window over a
// sorted set, updated atomically by a Lua script. It paces dispatcher calls
// and throttles API clients.
type RateLimiter struct {
	rdb    *redis.Client
	script *redis.Script
	now    func() time.Time
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		rdb:    c.Underlying(),
		script: redis.NewScript(slidingWindowLua),
		now:    time.Now,
	}
}

// Check counts a request for key against limit per window.
func (rl *RateLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (Verdict, error) {
	now := rl.now()
	res, err := rl.script.Run(ctx, rl.rdb,
		[]string{"ratelimit:" + key},
		now.UnixMicro(),
		window.Microseconds(),
		limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Verdict{}, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	if len(res) != 3 {
		return Verdict{}, fmt.Errorf("redis: rate limit %s: unexpected reply length %d", key, len(res))
	}

	v := Verdict{Allowed: res[0] == 1, Count: int(res[1])}
	if !v.Allowed {
		opens := time.UnixMicro(res[2]).Add(window)
		v.RetryAfter = max(opens.Sub(now), minRetryDelay)
	}
	return v, nil
}

// Allow implements domain.RateLimiter.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	v, err := rl.Check(ctx, key, limit, window)
	return v.Allowed, err
}

// Wait blocks until a request for key fits under limit per window, sleeping
// until the window next opens between attempts.
func (rl *RateLimiter) Wait(ctx context.Context, key string, limit int, window time.Duration) error {
	for {
		v, err := rl.Check(ctx, key, limit, window)
		if err != nil {
			return err
		}
		if v.Allowed {
			return nil
		}

		timer := time.NewTimer(v.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

// Compile-time interface check.
var _ domain.RateLimiter = (*RateLimiter)(nil)
