package otpauth

import "time"

// SecurityReport summarizes the protective settings an Engine runs with.
type SecurityReport struct {
	SigningAlgorithm     string
	AccessTTL            time.Duration
	SessionTTL           time.Duration
	CodeDigits           int
	LoginCodeTTL         time.Duration
	CheckoutCodeTTL      time.Duration
	MaxAttempts          int
	CaptchaRequired      bool
	RateLimitingActive   bool
	ResendCooldown       time.Duration
	MagicLinkTTL         time.Duration
	MagicLinkByEmail     bool
	HandoffTTL           time.Duration
	TrustedOrigins       int
	GuestMergeEnabled    bool
	LocalSessionCache    bool
	AuditEnabled         bool
	TemporaryPasswordLen int
	Argon2               PasswordConfigReport
}

type PasswordConfigReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	rl := e.config.RateLimit
	rateLimiting := (rl.IssuePerIdentityMax > 0 && rl.IssuePerIdentityWindow > 0) ||
		(rl.IssuePerIPMax > 0 && rl.IssuePerIPWindow > 0) ||
		(rl.VerifyPerIPMax > 0 && rl.VerifyPerIPWindow > 0)

	return SecurityReport{
		SigningAlgorithm:     e.config.JWT.SigningMethod,
		AccessTTL:            e.config.JWT.AccessTTL,
		SessionTTL:           e.config.Session.TTL,
		CodeDigits:           e.config.OTP.Digits,
		LoginCodeTTL:         e.config.OTP.LoginTTL,
		CheckoutCodeTTL:      e.config.OTP.CheckoutTTL,
		MaxAttempts:          e.config.OTP.MaxAttempts,
		CaptchaRequired:      e.config.Captcha.Required,
		RateLimitingActive:   rateLimiting,
		ResendCooldown:       rl.ResendCooldown,
		MagicLinkTTL:         e.config.MagicLink.TTL,
		MagicLinkByEmail:     e.config.MagicLink.DeliverByEmail,
		HandoffTTL:           e.config.Handoff.TTL,
		TrustedOrigins:       len(e.trustedOrigins),
		GuestMergeEnabled:    e.config.Guest.MergeEnabled,
		LocalSessionCache:    e.config.Session.LocalCacheSize > 0,
		AuditEnabled:         e.audit != nil,
		TemporaryPasswordLen: e.config.Account.TemporaryPasswordLength,
		Argon2: PasswordConfigReport{
			Memory:      e.config.Password.Memory,
			Time:        e.config.Password.Time,
			Parallelism: e.config.Password.Parallelism,
			SaltLength:  e.config.Password.SaltLength,
			KeyLength:   e.config.Password.KeyLength,
		},
	}
}
