package otpauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/mail"
	"strings"
	"time"

	"github.com/MrEthical07/otpauth/captcha"
	"github.com/MrEthical07/otpauth/internal"
	"github.com/MrEthical07/otpauth/internal/limiters"
	"github.com/MrEthical07/otpauth/internal/retry"
	"github.com/MrEthical07/otpauth/internal/stores"
)

const maxIdentityLength = 254

var errChallengeReplaced = errors.New("challenge replaced during dispatch")

// IssueOTP creates a fresh challenge for req.Identity and delivers its code.
//
// The checks run cheapest first: address format, per-IP budget, human
// verification, then the per-identity budget and resend cooldown. Nothing is
// written until all of them pass. A new challenge supersedes any earlier one
// for the same identity the moment it is stored. When delivery fails for
// good, the write is rolled back and the previous challenge, if any, is
// reinstated.
//
// IssueOTP may return an error when input validation, dependency calls, or security checks fail.
// IssueOTP does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) IssueOTP(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}

	identity, err := e.normalizeIdentity(req.Identity)
	if err != nil {
		e.rejectIssue(ctx, "", err)
		return nil, err
	}
	if req.Flow != FlowLogin && req.Flow != FlowCheckout {
		return nil, fmt.Errorf("otpauth: unknown flow %d", req.Flow)
	}

	ip := clientIPFromContext(ctx)
	if err := e.issueLimiter.CheckIP(ctx, ip); err != nil {
		err = e.mapLimiterError(ctx, "issue_ip", identity, err)
		e.rejectIssue(ctx, identity, err)
		return nil, err
	}

	if err := e.verifyHuman(ctx, req.HumanToken, ip); err != nil {
		e.rejectIssue(ctx, identity, err)
		return nil, err
	}

	if err := e.issueLimiter.CheckIdentity(ctx, identity); err != nil {
		err = e.mapLimiterError(ctx, "issue_identity", identity, err)
		e.rejectIssue(ctx, identity, err)
		return nil, err
	}

	code, err := internal.NewOTP(e.config.OTP.Digits)
	if err != nil {
		return nil, err
	}
	id, err := internal.NewChallengeID()
	if err != nil {
		return nil, err
	}
	salt, err := internal.NewSalt()
	if err != nil {
		return nil, err
	}
	hash, err := internal.HashOTP(e.config.OTP.Pepper, salt, identity, code)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	ttl := e.flowTTL(req.Flow)
	expiresAt := now.Add(ttl)

	record := &stores.Challenge{
		ID:        [16]byte(id),
		State:     stores.ChallengeActive,
		Flow:      uint8(req.Flow),
		CreatedAt: now.UnixMilli(),
		ExpiresAt: expiresAt.UnixMilli(),
		Salt:      [16]byte(salt),
		CodeHash:  hash,
	}
	prev, err := e.challenges.Upsert(ctx, identity, record, e.config.OTP.Retention, now)
	if err != nil {
		log.Printf("otpauth: challenge upsert failed: %v", err)
		e.releaseIssue(ctx, identity)
		return nil, mapChallengeStoreError(err)
	}

	delivery := Delivery{
		Kind:      DeliveryCode,
		Identity:  identity,
		Code:      code,
		Flow:      req.Flow,
		ExpiresAt: expiresAt,
	}
	stillActive := func(ctx context.Context) (bool, error) {
		return e.challenges.IsActive(ctx, identity, record.ID, e.clock())
	}
	if err := e.dispatch(ctx, delivery, stillActive); err != nil {
		e.rollbackIssue(ctx, identity, record.ID, prev)
		e.metricInc(MetricDispatchFailed)
		e.emitAudit(ctx, auditEventDispatchFailed, false, "", identity, "", ErrDispatchFailed, func() map[string]string {
			return map[string]string{"flow": req.Flow.String()}
		})
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	e.metricInc(MetricOTPIssued)
	e.emitAudit(ctx, auditEventOTPIssued, true, "", identity, "", nil, func() map[string]string {
		meta := map[string]string{"flow": req.Flow.String()}
		if prev != nil {
			meta["superseded"] = "true"
		}
		return meta
	})

	return &IssueResult{
		Identity:   identity,
		Flow:       req.Flow,
		ExpiresAt:  expiresAt,
		TTLSeconds: int(ttl / time.Second),
	}, nil
}

func (e *Engine) rejectIssue(ctx context.Context, identity string, err error) {
	switch {
	case errors.Is(err, ErrCaptchaFailed):
		e.metricInc(MetricCaptchaRejected)
		e.emitAudit(ctx, auditEventCaptchaRejected, false, "", identity, "", err, func() map[string]string {
			return map[string]string{"reason": CaptchaReason(err)}
		})
		return
	case errors.Is(err, ErrCaptchaUnavailable):
		e.metricInc(MetricCaptchaUnavailable)
	}
	e.metricInc(MetricOTPIssueRejected)
	e.emitAudit(ctx, auditEventOTPIssueRejected, false, "", identity, "", err, nil)
}

// rollbackIssue runs on a context detached from the caller: a client that
// hangs up mid-dispatch must not leave an undeliverable challenge behind.
// When the record is still ours the identity's cooldown and budget hit are
// handed back so the caller can ask again at once.
func (e *Engine) rollbackIssue(ctx context.Context, identity string, id [16]byte, prev *stores.Superseded) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	restored, err := e.challenges.Restore(rctx, identity, id, prev)
	if err != nil {
		log.Printf("otpauth: challenge rollback failed: %v", err)
		return
	}
	// A newer issuance owns the cooldown once it has replaced this record.
	if restored {
		e.releaseIssue(rctx, identity)
	}
}

func (e *Engine) releaseIssue(ctx context.Context, identity string) {
	if err := e.issueLimiter.Release(ctx, identity); err != nil {
		log.Printf("otpauth: issue limiter release failed: %v", err)
	}
}

func (e *Engine) flowTTL(flow Flow) time.Duration {
	if flow == FlowCheckout {
		return e.config.OTP.CheckoutTTL
	}
	return e.config.OTP.LoginTTL
}

// normalizeIdentity accepts a bare addr-spec, lower-cases it and applies the
// disposable-domain policy, including subdomains of listed domains.
func (e *Engine) normalizeIdentity(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxIdentityLength {
		return "", ErrInvalidEmail
	}

	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Name != "" || addr.Address != raw {
		return "", ErrInvalidEmail
	}

	identity := strings.ToLower(addr.Address)
	at := strings.LastIndexByte(identity, '@')
	if at <= 0 || at == len(identity)-1 {
		return "", ErrInvalidEmail
	}
	domain := identity[at+1:]
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") ||
		strings.HasSuffix(domain, ".") || strings.Contains(domain, "..") {
		return "", ErrInvalidEmail
	}

	for d := domain; ; {
		if _, blocked := e.disposableDomains[d]; blocked {
			return "", fmt.Errorf("%w: disposable domain", ErrInvalidEmail)
		}
		dot := strings.IndexByte(d, '.')
		if dot < 0 {
			break
		}
		d = d[dot+1:]
	}

	return identity, nil
}

// verifyHuman enforces a fresh captcha token per issuance. The token hash is
// claimed before the provider is called so a replayed token never reaches it.
func (e *Engine) verifyHuman(ctx context.Context, token, ip string) error {
	if !e.config.Captcha.Required || e.captcha == nil {
		return nil
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: %w", ErrCaptchaFailed, captcha.ErrMissingToken)
	}

	tokenHash := internal.HashToken(token)
	claimed, err := e.captchaReplay.Claim(ctx, tokenHash, e.config.Captcha.ReplayTTL)
	if err != nil {
		log.Printf("otpauth: captcha replay guard unavailable: %v", err)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !claimed {
		return fmt.Errorf("%w: %w", ErrCaptchaFailed, ErrCaptchaReused)
	}

	err = e.captcha.Verify(ctx, token, ip)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, captcha.ErrMissingToken),
		errors.Is(err, captcha.ErrExpiredToken),
		errors.Is(err, captcha.ErrInvalidToken):
		return fmt.Errorf("%w: %w", ErrCaptchaFailed, err)
	default:
		// The provider never judged the token; let the caller retry with it.
		if relErr := e.captchaReplay.Release(context.WithoutCancel(ctx), tokenHash); relErr != nil {
			log.Printf("otpauth: captcha replay release failed: %v", relErr)
		}
		log.Printf("otpauth: captcha provider unavailable: %v", err)
		return fmt.Errorf("%w: %v", ErrCaptchaUnavailable, err)
	}
}

// dispatch delivers d with bounded, jittered retries. Delivery is not
// idempotent, so before every retry stillWanted must confirm the message is
// still relevant (the challenge was not superseded or consumed meanwhile).
func (e *Engine) dispatch(ctx context.Context, d Delivery, stillWanted func(context.Context) (bool, error)) error {
	cfg := e.config.Dispatch

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := retry.Sleep(ctx, retry.Backoff(attempt-1, cfg.InitialBackoff, cfg.MaxBackoff)); err != nil {
				return err
			}
			if stillWanted != nil {
				wanted, err := stillWanted(ctx)
				if err != nil {
					return err
				}
				if !wanted {
					return errChallengeReplaced
				}
			}
			e.metricInc(MetricDispatchRetry)
		}

		err := e.deliverOnce(ctx, d)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableDispatch(err) {
			break
		}
		log.Printf("otpauth: %s delivery attempt %d failed: %v", d.Kind, attempt, err)
	}
	return lastErr
}

func (e *Engine) deliverOnce(ctx context.Context, d Delivery) error {
	if e.config.Dispatch.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Dispatch.AttemptTimeout)
		defer cancel()
	}
	return e.notifier.Deliver(ctx, d)
}

func isRetryableDispatch(err error) bool {
	return errors.Is(err, ErrDispatchTemporary) || retry.IsRetryable(err)
}

// mapLimiterError converts limiter outcomes and reports rate-limit hits.
func (e *Engine) mapLimiterError(ctx context.Context, scope, identity string, err error) error {
	switch {
	case errors.Is(err, limiters.ErrIssueRateLimited),
		errors.Is(err, limiters.ErrVerifyRateLimited):
		e.emitRateLimit(ctx, scope, identity, nil)
		return ErrRateLimited
	default:
		log.Printf("otpauth: %s limiter unavailable: %v", scope, err)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

func mapChallengeStoreError(err error) error {
	switch {
	case errors.Is(err, stores.ErrChallengeNotFound):
		return ErrNoCodeFound
	case errors.Is(err, stores.ErrChallengeConsumed),
		errors.Is(err, stores.ErrChallengeSuperseded):
		return ErrCodeAlreadyUsed
	case errors.Is(err, stores.ErrChallengeExpired):
		return ErrCodeExpired
	case errors.Is(err, stores.ErrChallengeAttemptsExceeded):
		return ErrTooManyAttempts
	case errors.Is(err, stores.ErrChallengeMismatch):
		return ErrIncorrectCode
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}
