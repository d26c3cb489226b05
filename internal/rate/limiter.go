package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one fixed-window budget: at most Max hits per Window.
type Rule struct {
	Max    int
	Window time.Duration
}

// Enabled reports whether the rule constrains anything.
func (r Rule) Enabled() bool {
	return r.Max > 0 && r.Window > 0
}

// Limiter enforces fixed-window counters in Redis.
type Limiter struct {
	redis redis.UniversalClient
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient) *Limiter {
	return &Limiter{redis: redisClient}
}

// Hit counts one event against key and returns ErrRateLimited once the
// window budget is exhausted. Disabled rules always pass.
func (l *Limiter) Hit(ctx context.Context, key string, rule Rule) error {
	if !rule.Enabled() {
		return nil
	}

	count, err := l.incrementWithTTL(ctx, key, rule.Window)
	if err != nil {
		return err
	}
	if count > int64(rule.Max) {
		return ErrRateLimited
	}
	return nil
}

// Peek checks key against rule without counting a hit.
func (l *Limiter) Peek(ctx context.Context, key string, rule Rule) error {
	if !rule.Enabled() {
		return nil
	}
	return l.checkCounter(ctx, key, rule.Max)
}

// Reset clears the counters for the given keys.
func (l *Limiter) Reset(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := l.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

var refundScript = redis.NewScript(`
local n = tonumber(redis.call("GET", KEYS[1]) or "0")
if n > 0 then
  return redis.call("DECR", KEYS[1])
end
return 0
`)

// Refund returns one hit to key's current window. The window expiry is left
// as is and the counter never drops below zero.
func (l *Limiter) Refund(ctx context.Context, key string, rule Rule) error {
	if !rule.Enabled() {
		return nil
	}
	if err := refundScript.Run(ctx, l.redis, []string{key}).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Cooldown claims key for ttl. It returns ErrRateLimited while a previous
// claim is still live.
func (l *Limiter) Cooldown(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ok, err := l.redis.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if !ok {
		return ErrRateLimited
	}
	return nil
}

func (l *Limiter) checkCounter(ctx context.Context, key string, maxAttempts int) error {
	count, err := l.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	if count >= int64(maxAttempts) {
		return ErrRateLimited
	}

	return nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}
