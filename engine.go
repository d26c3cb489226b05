package otpauth

import (
	"context"
	"time"

	"github.com/MrEthical07/otpauth/internal/limiters"
	"github.com/MrEthical07/otpauth/internal/stores"
	"github.com/MrEthical07/otpauth/jwt"
	"github.com/MrEthical07/otpauth/password"
	"github.com/MrEthical07/otpauth/session"
)

// Engine runs the passwordless sign-in protocol. It is safe for concurrent
// use once returned by Builder.Build.
type Engine struct {
	config Config

	challenges    *stores.ChallengeStore
	handoffs      *stores.TokenStore
	magicLinks    *stores.TokenStore
	guestLinks    *stores.GuestLinkStore
	destinations  *stores.DestinationStore
	captchaReplay *stores.ReplayGuard
	issueLimiter  *limiters.IssueLimiter
	verifyLimiter *limiters.VerifyLimiter

	sessionStore *session.Store
	sessionCache *session.LocalCache
	jwtManager   *jwt.Manager
	passwordHash *password.Argon2

	notifier Notifier
	captcha  CaptchaVerifier
	profiles ProfileStore
	guests   GuestStore

	trustedOrigins    map[string]struct{}
	disposableDomains map[string]struct{}

	audit   *auditDispatcher
	metrics *Metrics

	now func() time.Time
}

// Close flushes and stops the audit pipeline. Engine operations must not be
// called after Close.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped returns how many audit events were dropped on a full buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// TrustedOrigins lists the configured handoff destinations in normalized form.
func (e *Engine) TrustedOrigins() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.trustedOrigins))
	for origin := range e.trustedOrigins {
		out = append(out, origin)
	}
	return out
}

// Ping checks the Redis connection behind sessions and challenges.
func (e *Engine) Ping(ctx context.Context) (time.Duration, error) {
	if e == nil || e.sessionStore == nil {
		return 0, ErrEngineNotReady
	}
	d, err := e.sessionStore.Ping(ctx)
	if err != nil {
		return 0, mapSessionStoreError(err)
	}
	return d, nil
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

func (e *Engine) ready() bool {
	return e != nil && e.challenges != nil && e.sessionStore != nil
}
