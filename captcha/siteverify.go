package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TurnstileEndpoint is Cloudflare's siteverify URL.
const TurnstileEndpoint = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

const maxResponseBytes = 64 << 10

// SiteVerifyConfig configures a [SiteVerify] client.
type SiteVerifyConfig struct {
	Endpoint string
	Secret   string
	// Hostname, when set, must equal the hostname the provider reports for the solved challenge.
	Hostname string
	Timeout  time.Duration
	Client   *http.Client
}

// SiteVerify is a siteverify protocol client.
type SiteVerify struct {
	endpoint string
	secret   string
	hostname string
	client   *http.Client
}

type siteVerifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
	Hostname   string   `json:"hostname"`
}

func NewSiteVerify(cfg SiteVerifyConfig) (*SiteVerify, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("captcha secret is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = TurnstileEndpoint
	}
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid captcha endpoint: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &SiteVerify{
		endpoint: cfg.Endpoint,
		secret:   cfg.Secret,
		hostname: cfg.Hostname,
		client:   client,
	}, nil
}

// Verify describes the verify operation and its observable behavior.
//
// Verify may return an error when input validation, dependency calls, or security checks fail.
// Verify does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *SiteVerify) Verify(ctx context.Context, token, remoteIP string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrMissingToken
	}

	form := url.Values{}
	form.Set("secret", s.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out siteVerifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}

	if !out.Success {
		return classify(out.ErrorCodes)
	}
	if s.hostname != "" && !strings.EqualFold(out.Hostname, s.hostname) {
		return ErrInvalidToken
	}
	return nil
}

func classify(codes []string) error {
	for _, code := range codes {
		switch code {
		case "missing-input-secret", "invalid-input-secret", "internal-error", "bad-request":
			return fmt.Errorf("%w: %s", ErrUnavailable, code)
		}
	}
	for _, code := range codes {
		switch code {
		case "missing-input-response":
			return ErrMissingToken
		case "timeout-or-duplicate":
			return ErrExpiredToken
		}
	}
	return ErrInvalidToken
}
