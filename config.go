package otpauth

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every engine policy. Build clones it; later changes to the
// caller's copy have no effect.
type Config struct {
	OTP         OTPConfig
	Captcha     CaptchaConfig
	RateLimit   RateLimitConfig
	Dispatch    DispatchConfig
	JWT         JWTConfig
	Session     SessionConfig
	MagicLink   MagicLinkConfig
	Handoff     HandoffConfig
	Account     AccountConfig
	Password    PasswordConfig
	Guest       GuestConfig
	Eligibility EligibilityConfig
	Audit       AuditConfig
	Metrics     MetricsConfig
}

/*
====================================
OTP CONFIG
====================================
*/

// OTPConfig controls code generation and challenge lifetime.
type OTPConfig struct {
	Digits      int
	LoginTTL    time.Duration
	CheckoutTTL time.Duration
	MaxAttempts int
	// Pepper keys the code hash. At least 16 bytes.
	Pepper []byte
	// Retention keeps a terminal challenge readable after expiry so late
	// submissions report CodeAlreadyUsed or CodeExpired instead of NoCodeFound.
	Retention         time.Duration
	RedisPrefix       string
	DisposableDomains []string
}

/*
====================================
CAPTCHA CONFIG
====================================
*/

// CaptchaConfig controls the human-verification gate on issuance.
type CaptchaConfig struct {
	Required bool
	// ReplayTTL bounds how long a spent token is remembered.
	ReplayTTL   time.Duration
	RedisPrefix string
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig holds fixed-window budgets. A zero Max disables a budget.
type RateLimitConfig struct {
	IssuePerIdentityMax    int
	IssuePerIdentityWindow time.Duration
	IssuePerIPMax          int
	IssuePerIPWindow       time.Duration
	ResendCooldown         time.Duration
	VerifyPerIPMax         int
	VerifyPerIPWindow      time.Duration
}

/*
====================================
DISPATCH CONFIG
====================================
*/

// DispatchConfig bounds delivery retries.
type DispatchConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig configures session access tokens.
type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig configures server-side sessions.
type SessionConfig struct {
	RedisPrefix             string
	TTL                     time.Duration
	SlidingExpiration       bool
	AbsoluteSessionLifetime time.Duration
	JitterRange             time.Duration
	LocalCacheSize          int
	LocalCacheTTL           time.Duration
}

/*
====================================
MAGIC LINK CONFIG
====================================
*/

// MagicLinkConfig configures single-use sign-in links.
type MagicLinkConfig struct {
	TTL         time.Duration
	BaseURL     string
	RedisPrefix string
	// DeliverByEmail sends the link to the identity instead of returning it.
	DeliverByEmail bool
	// TombstoneTTL keeps a redeemed link recognizable after redemption.
	TombstoneTTL time.Duration
}

/*
====================================
HANDOFF CONFIG
====================================
*/

// HandoffConfig configures cross-origin handoff tokens.
type HandoffConfig struct {
	TTL time.Duration
	// TrustedOrigins are exact scheme://host[:port] strings. Wildcards are rejected.
	TrustedOrigins []string
	RedisPrefix    string
	TombstoneTTL   time.Duration
}

/*
====================================
ACCOUNT CONFIG
====================================
*/

// AccountConfig controls lazy account creation on first verification.
type AccountConfig struct {
	AutoCreate              bool
	TemporaryPasswordLength int
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds argon2id parameters for temporary passwords.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

/*
====================================
GUEST CONFIG
====================================
*/

// GuestConfig controls guest merge bookkeeping and pre-auth destinations.
type GuestConfig struct {
	MergeEnabled      bool
	RedisPrefix       string
	LinkTTL           time.Duration
	LockTTL           time.Duration
	DestinationPrefix string
	DestinationTTL    time.Duration
}

/*
====================================
ELIGIBILITY CONFIG
====================================
*/

// EligibilityConfig sets the usage threshold of the eligibility gate.
type EligibilityConfig struct {
	MinUsageUnits int64
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig controls the asynchronous audit pipeline.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the production defaults. The caller still has to
// supply OTP.Pepper and the JWT keys.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		OTP: OTPConfig{
			Digits:      4,
			LoginTTL:    300 * time.Second,
			CheckoutTTL: 120 * time.Second,
			MaxAttempts: 5,
			Retention:   10 * time.Minute,
			RedisPrefix: "otc",
			DisposableDomains: []string{
				"mailinator.com",
				"guerrillamail.com",
				"10minutemail.com",
				"tempmail.com",
				"yopmail.com",
				"trashmail.com",
			},
		},
		Captcha: CaptchaConfig{
			Required:    true,
			ReplayTTL:   10 * time.Minute,
			RedisPrefix: "ocr",
		},
		RateLimit: RateLimitConfig{
			IssuePerIdentityMax:    5,
			IssuePerIdentityWindow: 15 * time.Minute,
			IssuePerIPMax:          30,
			IssuePerIPWindow:       15 * time.Minute,
			ResendCooldown:         0,
			VerifyPerIPMax:         60,
			VerifyPerIPWindow:      5 * time.Minute,
		},
		Dispatch: DispatchConfig{
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			AttemptTimeout: 10 * time.Second,
		},
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			SigningMethod: "ed25519",
		},
		Session: SessionConfig{
			RedisPrefix:             "os",
			TTL:                     24 * time.Hour,
			SlidingExpiration:       true,
			AbsoluteSessionLifetime: 7 * 24 * time.Hour,
			JitterRange:             30 * time.Second,
			LocalCacheSize:          0,
			LocalCacheTTL:           5 * time.Second,
		},
		MagicLink: MagicLinkConfig{
			TTL:          5 * time.Minute,
			RedisPrefix:  "oml",
			TombstoneTTL: 10 * time.Minute,
		},
		Handoff: HandoffConfig{
			TTL:          60 * time.Second,
			RedisPrefix:  "oht",
			TombstoneTTL: 5 * time.Minute,
		},
		Account: AccountConfig{
			AutoCreate:              true,
			TemporaryPasswordLength: 24,
		},
		Password: PasswordConfig{
			Memory:      65536,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Guest: GuestConfig{
			MergeEnabled:      true,
			RedisPrefix:       "ogl",
			LinkTTL:           0,
			LockTTL:           30 * time.Second,
			DestinationPrefix: "opd",
			DestinationTTL:    30 * time.Minute,
		},
		Eligibility: EligibilityConfig{
			MinUsageUnits: 1,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.OTP.Pepper = cloneBytes(cfg.OTP.Pepper)
	out.OTP.DisposableDomains = cloneStrings(cfg.OTP.DisposableDomains)
	out.Handoff.TrustedOrigins = cloneStrings(cfg.Handoff.TrustedOrigins)
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneStrings(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first policy violation in c.
func (c *Config) Validate() error {
	if c.OTP.Digits < 4 || c.OTP.Digits > 10 {
		return errors.New("OTP Digits must be between 4 and 10")
	}
	if c.OTP.LoginTTL <= 0 || c.OTP.CheckoutTTL <= 0 {
		return errors.New("OTP TTLs must be > 0")
	}
	if c.OTP.MaxAttempts <= 0 {
		return errors.New("OTP MaxAttempts must be > 0")
	}
	if len(c.OTP.Pepper) < 16 {
		return errors.New("OTP Pepper must be at least 16 bytes")
	}
	if c.OTP.Retention < 0 {
		return errors.New("OTP Retention must be >= 0")
	}

	if c.Captcha.Required && c.Captcha.ReplayTTL <= 0 {
		return errors.New("Captcha ReplayTTL must be > 0 when captcha is required")
	}

	if c.Dispatch.MaxAttempts <= 0 {
		return errors.New("Dispatch MaxAttempts must be > 0")
	}
	if c.Dispatch.InitialBackoff < 0 || c.Dispatch.MaxBackoff < 0 {
		return errors.New("Dispatch backoff must be >= 0")
	}

	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	switch c.JWT.SigningMethod {
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 || len(c.JWT.PublicKey) == 0 {
			return errors.New("ed25519 requires PrivateKey and PublicKey")
		}
	case "hs256":
		if len(c.JWT.PrivateKey) == 0 {
			return errors.New("hs256 requires PrivateKey")
		}
	default:
		return errors.New("unsupported JWT signing method")
	}

	if c.Session.TTL <= 0 {
		return errors.New("Session TTL must be > 0")
	}
	if c.Session.AbsoluteSessionLifetime <= 0 {
		return errors.New("Session AbsoluteSessionLifetime must be > 0")
	}
	if c.Session.JitterRange < 0 {
		return errors.New("Session JitterRange must be >= 0")
	}
	if c.Session.LocalCacheSize < 0 {
		return errors.New("Session LocalCacheSize must be >= 0")
	}

	if c.MagicLink.TTL <= 0 {
		return errors.New("MagicLink TTL must be > 0")
	}
	if c.MagicLink.TTL > 15*time.Minute {
		return errors.New("MagicLink TTL must be <= 15m")
	}
	if c.MagicLink.BaseURL != "" {
		u, err := url.Parse(c.MagicLink.BaseURL)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			return errors.New("MagicLink BaseURL must be an absolute http(s) URL")
		}
	}
	if c.MagicLink.DeliverByEmail && c.MagicLink.BaseURL == "" {
		return errors.New("MagicLink DeliverByEmail requires BaseURL")
	}

	if c.Handoff.TTL <= 0 {
		return errors.New("Handoff TTL must be > 0")
	}
	if c.Handoff.TTL > 60*time.Second {
		return errors.New("Handoff TTL must be <= 60s")
	}
	for _, origin := range c.Handoff.TrustedOrigins {
		if _, err := normalizeOrigin(origin); err != nil {
			return fmt.Errorf("Handoff TrustedOrigins: %w", err)
		}
	}

	if c.Account.TemporaryPasswordLength < 12 || c.Account.TemporaryPasswordLength > 128 {
		return errors.New("Account TemporaryPasswordLength must be between 12 and 128")
	}

	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}

	if c.Guest.MergeEnabled && c.Guest.LockTTL <= 0 {
		return errors.New("Guest LockTTL must be > 0")
	}
	if c.Guest.DestinationTTL <= 0 {
		return errors.New("Guest DestinationTTL must be > 0")
	}

	if c.Eligibility.MinUsageUnits < 1 {
		return errors.New("Eligibility MinUsageUnits must be >= 1")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}

	return nil
}

// normalizeOrigin returns origin as lower-case scheme://host[:port].
// Paths, queries, credentials and wildcards are rejected.
func normalizeOrigin(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", errors.New("empty origin")
	}
	if strings.Contains(origin, "*") {
		return "", errors.New("wildcard origins are not allowed")
	}

	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("invalid origin %q", origin)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("origin %q must use http or https", origin)
	}
	if u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.Opaque != "" {
		return "", fmt.Errorf("origin %q must be scheme://host[:port]", origin)
	}
	if u.Path != "" {
		return "", fmt.Errorf("origin %q must not carry a path", origin)
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}
