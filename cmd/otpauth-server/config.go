package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/otpauth"
	"github.com/joho/godotenv"
)

type serverConfig struct {
	AppEnv        string
	Addr          string
	RedisAddr     string
	DatabaseURL   string
	TrustProxy    bool
	SecureCookies bool

	Notifier   string
	SMTPHost   string
	SMTPPort   int
	SMTPUser   string
	SMTPPass   string
	SMTPFrom   string
	Product    string
	KafkaAddrs []string
	KafkaTopic string
	AMQPURL    string
	AMQPQueue  string

	CaptchaSecret   string
	CaptchaEndpoint string
	CaptchaHost     string

	Engine otpauth.Config
}

func (c serverConfig) local() bool {
	return c.AppEnv == "local" || c.AppEnv == "dev"
}

func loadConfig() (serverConfig, error) {
	_ = godotenv.Load()

	cfg := serverConfig{
		AppEnv:          getEnv("APP_ENV", "local"),
		Addr:            getEnv("APP_ADDR", ":8080"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		TrustProxy:      getEnvBool("TRUST_PROXY", false),
		SecureCookies:   getEnvBool("SECURE_COOKIES", true),
		Notifier:        strings.ToLower(getEnv("NOTIFIER", "writer")),
		SMTPHost:        os.Getenv("SMTP_HOST"),
		SMTPPort:        getEnvInt("SMTP_PORT", 587),
		SMTPUser:        os.Getenv("SMTP_USER"),
		SMTPPass:        os.Getenv("SMTP_PASS"),
		SMTPFrom:        os.Getenv("SMTP_FROM"),
		Product:         getEnv("PRODUCT_NAME", "otpauth"),
		KafkaAddrs:      splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:      getEnv("KAFKA_TOPIC", "otpauth.deliveries"),
		AMQPURL:         os.Getenv("AMQP_URL"),
		AMQPQueue:       getEnv("AMQP_QUEUE", "otpauth.deliveries"),
		CaptchaSecret:   os.Getenv("CAPTCHA_SECRET"),
		CaptchaEndpoint: os.Getenv("CAPTCHA_ENDPOINT"),
		CaptchaHost:     os.Getenv("CAPTCHA_HOSTNAME"),
	}

	ec := otpauth.DefaultConfig()
	ec.OTP.Digits = getEnvInt("OTP_DIGITS", ec.OTP.Digits)
	ec.OTP.LoginTTL = getEnvDuration("OTP_LOGIN_TTL", ec.OTP.LoginTTL)
	ec.OTP.CheckoutTTL = getEnvDuration("OTP_CHECKOUT_TTL", ec.OTP.CheckoutTTL)
	ec.OTP.MaxAttempts = getEnvInt("OTP_MAX_ATTEMPTS", ec.OTP.MaxAttempts)
	ec.OTP.Pepper = []byte(os.Getenv("OTP_PEPPER"))
	ec.Captcha.Required = getEnvBool("CAPTCHA_REQUIRED", ec.Captcha.Required)
	ec.RateLimit.ResendCooldown = getEnvDuration("OTP_RESEND_COOLDOWN", ec.RateLimit.ResendCooldown)
	ec.JWT.Issuer = getEnv("JWT_ISSUER", "otpauth")
	ec.JWT.AccessTTL = getEnvDuration("JWT_ACCESS_TTL", ec.JWT.AccessTTL)
	ec.Session.TTL = getEnvDuration("SESSION_TTL", ec.Session.TTL)
	ec.Session.LocalCacheSize = getEnvInt("SESSION_LOCAL_CACHE", ec.Session.LocalCacheSize)
	ec.Handoff.TrustedOrigins = splitList(os.Getenv("TRUSTED_ORIGINS"))
	ec.Handoff.TTL = getEnvDuration("HANDOFF_TTL", ec.Handoff.TTL)
	ec.MagicLink.BaseURL = os.Getenv("MAGIC_LINK_BASE_URL")
	ec.MagicLink.DeliverByEmail = getEnvBool("MAGIC_LINK_BY_EMAIL", false)
	ec.Eligibility.MinUsageUnits = int64(getEnvInt("ELIGIBILITY_MIN_USAGE", int(ec.Eligibility.MinUsageUnits)))
	ec.Audit.Enabled = getEnvBool("AUDIT_ENABLED", false)
	ec.Metrics.Enabled = getEnvBool("METRICS_ENABLED", true)
	ec.Metrics.EnableLatencyHistograms = ec.Metrics.Enabled

	missing := []string{}
	if len(ec.OTP.Pepper) == 0 {
		if cfg.local() {
			ec.OTP.Pepper = randomBytes(32)
		} else {
			missing = append(missing, "OTP_PEPPER")
		}
	}

	if seed := os.Getenv("JWT_ED25519_SEED"); seed != "" {
		raw, err := base64.StdEncoding.DecodeString(seed)
		if err != nil || len(raw) != ed25519.SeedSize {
			return cfg, errors.New("JWT_ED25519_SEED must be a base64 32-byte seed")
		}
		priv := ed25519.NewKeyFromSeed(raw)
		ec.JWT.PrivateKey = priv
		ec.JWT.PublicKey = priv.Public().(ed25519.PublicKey)
	} else if cfg.local() {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return cfg, err
		}
		ec.JWT.PrivateKey = priv
		ec.JWT.PublicKey = pub
	} else {
		missing = append(missing, "JWT_ED25519_SEED")
	}

	if ec.Captcha.Required && cfg.CaptchaSecret == "" && !cfg.local() {
		missing = append(missing, "CAPTCHA_SECRET")
	}
	switch cfg.Notifier {
	case "writer":
		if !cfg.local() {
			return cfg, errors.New("NOTIFIER=writer prints codes and is only allowed with APP_ENV=local")
		}
	case "smtp":
		if cfg.SMTPHost == "" {
			missing = append(missing, "SMTP_HOST")
		}
		if cfg.SMTPFrom == "" {
			missing = append(missing, "SMTP_FROM")
		}
	case "kafka":
		if len(cfg.KafkaAddrs) == 0 {
			missing = append(missing, "KAFKA_BROKERS")
		}
	case "amqp":
		if cfg.AMQPURL == "" {
			missing = append(missing, "AMQP_URL")
		}
	default:
		return cfg, fmt.Errorf("unknown NOTIFIER %q", cfg.Notifier)
	}
	if !cfg.local() && cfg.RedisAddr == "" {
		missing = append(missing, "REDIS_ADDR")
	}

	if len(missing) > 0 {
		return cfg, errors.New("missing env: " + strings.Join(missing, ", "))
	}

	cfg.Engine = ec
	return cfg, cfg.Engine.Validate()
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}
