package limiters

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/otpauth/internal/rate"
	"github.com/redis/go-redis/v9"
)

var (
	ErrVerifyRateLimited        = errors.New("redemption rate limited")
	ErrVerifyLimiterUnavailable = errors.New("redemption limiter unavailable")
)

type VerifyLimiter struct {
	limiter *rate.Limiter
	rule    rate.Rule
}

func NewVerifyLimiter(redisClient redis.UniversalClient, rule rate.Rule) *VerifyLimiter {
	return &VerifyLimiter{
		limiter: rate.New(redisClient),
		rule:    rule,
	}
}

// Check counts one redemption attempt (code, magic link or handoff) from ip.
// The per-challenge attempt ceiling lives in the challenge record; this budget
// bounds spraying across many identities from one address.
func (l *VerifyLimiter) Check(ctx context.Context, ip string) error {
	if l == nil || ip == "" {
		return nil
	}
	err := l.limiter.Hit(ctx, "olv:"+ip, l.rule)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrRateLimited):
		return ErrVerifyRateLimited
	default:
		return fmt.Errorf("%w: %v", ErrVerifyLimiterUnavailable, err)
	}
}
