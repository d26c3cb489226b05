package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/otpauth/internal/rate"
	"github.com/redis/go-redis/v9"
)

var (
	ErrIssueRateLimited        = errors.New("otp issuance rate limited")
	ErrIssueLimiterUnavailable = errors.New("otp issuance limiter unavailable")
)

type IssueConfig struct {
	PerIdentity    rate.Rule
	PerIP          rate.Rule
	ResendCooldown time.Duration
}

type IssueLimiter struct {
	limiter *rate.Limiter
	config  IssueConfig
}

func NewIssueLimiter(redisClient redis.UniversalClient, cfg IssueConfig) *IssueLimiter {
	return &IssueLimiter{
		limiter: rate.New(redisClient),
		config:  cfg,
	}
}

// CheckIP counts an issuance attempt from ip. It runs before the captcha
// provider is called so unverified floods cannot exhaust provider quota.
func (l *IssueLimiter) CheckIP(ctx context.Context, ip string) error {
	if l == nil || ip == "" {
		return nil
	}
	return mapIssueError(l.limiter.Hit(ctx, issueIPKey(ip), l.config.PerIP))
}

// CheckIdentity enforces the resend cooldown and counts an issuance for
// identity. It runs after the captcha gate so bots cannot lock out a victim
// address. A resend rejected by the cooldown, or by an exhausted budget, does
// not consume budget.
func (l *IssueLimiter) CheckIdentity(ctx context.Context, identity string) error {
	if l == nil {
		return nil
	}
	key := issueIdentityKey(identity)
	if err := l.limiter.Peek(ctx, key, l.config.PerIdentity); err != nil {
		return mapIssueError(err)
	}
	if err := l.limiter.Cooldown(ctx, issueCooldownKey(identity), l.config.ResendCooldown); err != nil {
		return mapIssueError(err)
	}
	if err := l.limiter.Hit(ctx, key, l.config.PerIdentity); err != nil {
		_ = l.limiter.Reset(ctx, issueCooldownKey(identity))
		return mapIssueError(err)
	}
	return nil
}

// Release undoes a successful CheckIdentity after the issuance was rolled
// back: the cooldown is cleared and the budget hit is refunded.
func (l *IssueLimiter) Release(ctx context.Context, identity string) error {
	if l == nil {
		return nil
	}
	if err := l.limiter.Reset(ctx, issueCooldownKey(identity)); err != nil {
		return mapIssueError(err)
	}
	return mapIssueError(l.limiter.Refund(ctx, issueIdentityKey(identity), l.config.PerIdentity))
}

func mapIssueError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrRateLimited):
		return ErrIssueRateLimited
	default:
		return fmt.Errorf("%w: %v", ErrIssueLimiterUnavailable, err)
	}
}

func issueIdentityKey(identity string) string {
	return "oli:" + identity
}

func issueIPKey(ip string) string {
	return "olip:" + ip
}

func issueCooldownKey(identity string) string {
	return "olc:" + identity
}
