package otpauth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrEthical07/otpauth/internal/limiters"
	"github.com/MrEthical07/otpauth/internal/rate"
	"github.com/MrEthical07/otpauth/internal/stores"
	"github.com/MrEthical07/otpauth/jwt"
	"github.com/MrEthical07/otpauth/password"
	"github.com/MrEthical07/otpauth/session"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an Engine. A Builder can be built once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	notifier  Notifier
	captcha   CaptchaVerifier
	profiles  ProfileStore
	guests    GuestStore
	auditSink AuditSink

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client behind challenges, tokens, limiters and sessions.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithNotifier sets the collaborator that delivers codes and links.
func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

// WithCaptcha sets the human-verification collaborator.
func (b *Builder) WithCaptcha(v CaptchaVerifier) *Builder {
	b.captcha = v
	return b
}

// WithProfileStore sets the account collaborator.
func (b *Builder) WithProfileStore(p ProfileStore) *Builder {
	b.profiles = p
	return b
}

// WithGuestStore sets the guest-data collaborator used by guest merge.
func (b *Builder) WithGuestStore(g GuestStore) *Builder {
	b.guests = g
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and collaborators and returns the Engine.
//
// Build may return an error when input validation, dependency calls, or security checks fail.
// Build does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.notifier == nil {
		return nil, errors.New("notifier required")
	}
	if cfg.Captcha.Required && b.captcha == nil {
		return nil, errors.New("captcha verifier required when Captcha.Required is true")
	}
	if b.profiles == nil {
		return nil, errors.New("profile store required")
	}
	if cfg.Guest.MergeEnabled && b.guests == nil {
		return nil, errors.New("guest store required when Guest.MergeEnabled is true")
	}

	trusted := make(map[string]struct{}, len(cfg.Handoff.TrustedOrigins))
	for _, origin := range cfg.Handoff.TrustedOrigins {
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return nil, err
		}
		trusted[normalized] = struct{}{}
	}
	disposable := make(map[string]struct{}, len(cfg.OTP.DisposableDomains))
	for _, domain := range cfg.OTP.DisposableDomains {
		disposable[strings.ToLower(strings.TrimSpace(domain))] = struct{}{}
	}

	engine := &Engine{
		config:            cloneConfig(cfg),
		challenges:        stores.NewChallengeStore(b.redis, cfg.OTP.RedisPrefix),
		handoffs:          stores.NewTokenStore(b.redis, cfg.Handoff.RedisPrefix),
		magicLinks:        stores.NewTokenStore(b.redis, cfg.MagicLink.RedisPrefix),
		guestLinks:        stores.NewGuestLinkStore(b.redis, cfg.Guest.RedisPrefix, cfg.Guest.LinkTTL),
		destinations:      stores.NewDestinationStore(b.redis, cfg.Guest.DestinationPrefix),
		captchaReplay:     stores.NewReplayGuard(b.redis, cfg.Captcha.RedisPrefix),
		notifier:          b.notifier,
		captcha:           b.captcha,
		profiles:          b.profiles,
		guests:            b.guests,
		trustedOrigins:    trusted,
		disposableDomains: disposable,
	}

	// -------- LIMITERS --------
	engine.issueLimiter = limiters.NewIssueLimiter(b.redis, limiters.IssueConfig{
		PerIdentity:    rate.Rule{Max: cfg.RateLimit.IssuePerIdentityMax, Window: cfg.RateLimit.IssuePerIdentityWindow},
		PerIP:          rate.Rule{Max: cfg.RateLimit.IssuePerIPMax, Window: cfg.RateLimit.IssuePerIPWindow},
		ResendCooldown: cfg.RateLimit.ResendCooldown,
	})
	engine.verifyLimiter = limiters.NewVerifyLimiter(b.redis, rate.Rule{
		Max:    cfg.RateLimit.VerifyPerIPMax,
		Window: cfg.RateLimit.VerifyPerIPWindow,
	})

	// -------- SESSIONS --------
	engine.sessionStore = session.NewStore(
		b.redis,
		cfg.Session.RedisPrefix,
		cfg.Session.SlidingExpiration,
		cfg.Session.TTL,
		cfg.Session.JitterRange,
	)
	engine.sessionStore.SetClock(engine.clock)
	engine.sessionCache = session.NewLocalCache(cfg.Session.LocalCacheSize, cfg.Session.LocalCacheTTL)

	ph, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	engine.passwordHash = ph

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
	})
	if err != nil {
		return nil, fmt.Errorf("jwt: %w", err)
	}
	engine.jwtManager = jm

	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)

	b.built = true
	return engine, nil
}
