package otpauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrEthical07/otpauth/captcha"
)

func TestIssueOTPDeliversCode(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	res, err := env.engine.IssueOTP(ctx, IssueRequest{
		Identity:   "  Alice@Example.com ",
		HumanToken: humanToken(),
		Flow:       FlowLogin,
	})
	if err != nil {
		t.Fatalf("IssueOTP failed: %v", err)
	}
	if res.Identity != testIdentity {
		t.Fatalf("expected normalized identity, got %q", res.Identity)
	}
	if res.TTLSeconds != 300 {
		t.Fatalf("expected 300s login ttl, got %d", res.TTLSeconds)
	}
	if !res.ExpiresAt.Equal(env.now.Add(5 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", res.ExpiresAt)
	}

	code := env.notifier.lastCode(t, testIdentity)
	if len(code) != 4 {
		t.Fatalf("expected 4 digit code, got %q", code)
	}

	record, err := env.engine.challenges.Get(ctx, testIdentity)
	if err != nil {
		t.Fatalf("challenge Get failed: %v", err)
	}
	if Flow(record.Flow) != FlowLogin {
		t.Fatalf("expected login flow, got %d", record.Flow)
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricOTPIssued]; got != 1 {
		t.Fatalf("expected 1 issued, got %d", got)
	}
}

func TestIssueOTPCheckoutTTL(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := env.engine.IssueOTP(context.Background(), IssueRequest{
		Identity:   testIdentity,
		HumanToken: humanToken(),
		Flow:       FlowCheckout,
	})
	if err != nil {
		t.Fatalf("IssueOTP failed: %v", err)
	}
	if res.TTLSeconds != 120 {
		t.Fatalf("expected 120s checkout ttl, got %d", res.TTLSeconds)
	}
}

func TestIssueOTPRejectsInvalidEmail(t *testing.T) {
	env := newTestEnv(t, nil)

	cases := []string{
		"",
		"not-an-email",
		"Bob <bob@example.com>",
		"bob@localhost",
		"bob@example..com",
		"bob@mailinator.com",
		"bob@eu.mailinator.com",
	}
	for _, identity := range cases {
		_, err := env.engine.IssueOTP(context.Background(), IssueRequest{
			Identity:   identity,
			HumanToken: humanToken(),
		})
		if !errors.Is(err, ErrInvalidEmail) {
			t.Fatalf("%q: expected ErrInvalidEmail, got %v", identity, err)
		}
		if KindOf(err) != KindInvalidEmail {
			t.Fatalf("%q: expected InvalidEmail kind, got %s", identity, KindOf(err))
		}
	}
	if env.notifier.count() != 0 {
		t.Fatal("expected no deliveries for invalid addresses")
	}
	if env.captcha.calls != 0 {
		t.Fatal("expected captcha provider to be skipped for invalid addresses")
	}
}

func TestIssueOTPCaptchaReasons(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.engine.IssueOTP(ctx, IssueRequest{Identity: testIdentity})
	if !errors.Is(err, ErrCaptchaFailed) || CaptchaReason(err) != CaptchaReasonMissingToken {
		t.Fatalf("expected missing_token, got %v (%q)", err, CaptchaReason(err))
	}

	token := humanToken()
	if _, err := env.engine.IssueOTP(ctx, IssueRequest{Identity: testIdentity, HumanToken: token}); err != nil {
		t.Fatalf("IssueOTP failed: %v", err)
	}
	_, err = env.engine.IssueOTP(ctx, IssueRequest{Identity: testIdentity, HumanToken: token})
	if CaptchaReason(err) != CaptchaReasonTokenReused {
		t.Fatalf("expected token_reused, got %v", err)
	}
	if env.captcha.calls != 1 {
		t.Fatalf("expected reused token to skip the provider, got %d calls", env.captcha.calls)
	}

	env.captcha.err = captcha.ErrExpiredToken
	_, err = env.engine.IssueOTP(ctx, IssueRequest{Identity: testIdentity, HumanToken: humanToken()})
	if CaptchaReason(err) != CaptchaReasonExpiredToken {
		t.Fatalf("expected expired_token, got %v", err)
	}

	env.captcha.err = captcha.ErrInvalidToken
	_, err = env.engine.IssueOTP(ctx, IssueRequest{Identity: testIdentity, HumanToken: humanToken()})
	if CaptchaReason(err) != CaptchaReasonInvalidToken {
		t.Fatalf("expected invalid_token, got %v", err)
	}
	if KindOf(err) != KindCaptchaFailed {
		t.Fatalf("expected CaptchaFailed kind, got %s", KindOf(err))
	}

	if got := env.engine.MetricsSnapshot().Counters[MetricCaptchaRejected]; got != 4 {
		t.Fatalf("expected 4 captcha rejections, got %d", got)
	}
}

func TestIssueOTPCaptchaProviderDownKeepsTokenUsable(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.captcha.err = errors.New("connection reset")
	token := humanToken()

	_, err := env.engine.IssueOTP(ctx, IssueRequest{Identity: testIdentity, HumanToken: token})
	if !errors.Is(err, ErrCaptchaUnavailable) {
		t.Fatalf("expected ErrCaptchaUnavailable, got %v", err)
	}
	if CaptchaReason(err) != "" {
		t.Fatalf("expected no captcha reason for outage, got %q", CaptchaReason(err))
	}

	env.captcha.err = nil
	if _, err := env.engine.IssueOTP(ctx, IssueRequest{Identity: testIdentity, HumanToken: token}); err != nil {
		t.Fatalf("expected token to be accepted after outage, got %v", err)
	}
}

func TestIssueOTPCaptchaOptional(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Captcha.Required = false
	})

	if _, err := env.engine.IssueOTP(context.Background(), IssueRequest{Identity: testIdentity}); err != nil {
		t.Fatalf("IssueOTP failed: %v", err)
	}
	if env.captcha.calls != 0 {
		t.Fatalf("expected captcha to be skipped, got %d calls", env.captcha.calls)
	}
}

func TestIssueOTPPerIdentityLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RateLimit.IssuePerIdentityMax = 2
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		env.issue(t, testIdentity, FlowLogin)
	}

	_, err := env.engine.IssueOTP(ctx, IssueRequest{Identity: testIdentity, HumanToken: humanToken()})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if KindOf(err) != KindRateLimited {
		t.Fatalf("expected RateLimited kind, got %s", KindOf(err))
	}

	// Other addresses keep their own budget.
	env.issue(t, "bob@example.com", FlowLogin)

	if got := env.engine.MetricsSnapshot().Counters[MetricRateLimitHit]; got != 1 {
		t.Fatalf("expected 1 rate limit hit, got %d", got)
	}
}

func TestIssueOTPPerIPLimitRunsBeforeCaptcha(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RateLimit.IssuePerIPMax = 1
	})
	ctx := WithClientIP(context.Background(), testIP)

	if _, err := env.engine.IssueOTP(ctx, IssueRequest{Identity: testIdentity, HumanToken: humanToken()}); err != nil {
		t.Fatalf("IssueOTP failed: %v", err)
	}
	_, err := env.engine.IssueOTP(ctx, IssueRequest{Identity: "bob@example.com", HumanToken: humanToken()})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if env.captcha.calls != 1 {
		t.Fatalf("expected the limited request to skip the provider, got %d calls", env.captcha.calls)
	}
}

func TestIssueOTPResendCooldown(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RateLimit.ResendCooldown = 30 * time.Second
	})
	ctx := context.Background()

	env.issue(t, testIdentity, FlowLogin)

	_, err := env.engine.IssueOTP(ctx, IssueRequest{Identity: testIdentity, HumanToken: humanToken()})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected resend inside cooldown to be limited, got %v", err)
	}

	env.mr.FastForward(31 * time.Second)
	env.issue(t, testIdentity, FlowLogin)
}

func TestIssueOTPRetriesTemporaryDispatchFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.notifier.failures = 2
	env.notifier.err = errTemporary

	code := env.issue(t, testIdentity, FlowLogin)
	if code == "" {
		t.Fatal("expected code after retries")
	}
	if env.notifier.calls != 3 {
		t.Fatalf("expected 3 delivery attempts, got %d", env.notifier.calls)
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricDispatchRetry]; got != 2 {
		t.Fatalf("expected 2 retries, got %d", got)
	}
}

func TestIssueOTPPermanentDispatchFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.notifier.failures = 1
	env.notifier.err = errors.New("mailbox does not exist")

	_, err := env.engine.IssueOTP(ctx, IssueRequest{Identity: testIdentity, HumanToken: humanToken()})
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", err)
	}
	if env.notifier.calls != 1 {
		t.Fatalf("expected permanent failure not to be retried, got %d calls", env.notifier.calls)
	}

	_, err = env.engine.VerifyOTP(ctx, VerifyRequest{Identity: testIdentity, Code: "0000"})
	if !errors.Is(err, ErrNoCodeFound) {
		t.Fatalf("expected rolled back challenge to be gone, got %v", err)
	}
}

func TestIssueOTPFailedDispatchReleasesLimits(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RateLimit.ResendCooldown = 30 * time.Second
		cfg.RateLimit.IssuePerIdentityMax = 1
	})
	ctx := context.Background()

	env.notifier.failures = 1
	env.notifier.err = errors.New("mailbox does not exist")
	_, err := env.engine.IssueOTP(ctx, IssueRequest{Identity: testIdentity, HumanToken: humanToken()})
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", err)
	}

	// Nothing was delivered, so neither the cooldown nor the budget applies.
	code := env.issue(t, testIdentity, FlowLogin)
	if code == "" {
		t.Fatal("expected a code on immediate retry")
	}

	_, err = env.engine.IssueOTP(ctx, IssueRequest{Identity: testIdentity, HumanToken: humanToken()})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected delivered issuance to count, got %v", err)
	}
}

func TestIssueOTPDispatchFailureRestoresPreviousCode(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first := env.issue(t, testIdentity, FlowLogin)

	env.notifier.failures = 3
	env.notifier.err = errTemporary
	_, err := env.engine.IssueOTP(ctx, IssueRequest{Identity: testIdentity, HumanToken: humanToken()})
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", err)
	}

	res, err := env.engine.VerifyOTP(ctx, VerifyRequest{Identity: testIdentity, Code: first})
	if err != nil {
		t.Fatalf("expected the delivered code to survive a failed resend, got %v", err)
	}
	if res.Session == nil {
		t.Fatal("expected a session")
	}
}

func TestIssueOTPUnknownFlow(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.engine.IssueOTP(context.Background(), IssueRequest{
		Identity:   testIdentity,
		HumanToken: humanToken(),
		Flow:       Flow(9),
	})
	if err == nil {
		t.Fatal("expected unknown flow to be rejected")
	}
}
