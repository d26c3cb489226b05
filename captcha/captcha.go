package captcha

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrMissingToken = errors.New("captcha token missing")
	ErrExpiredToken = errors.New("captcha token expired or already used")
	ErrInvalidToken = errors.New("captcha token invalid")
	ErrUnavailable  = errors.New("captcha provider unavailable")
)

// Verifier checks a human-verification token. remoteIP may be empty.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// Static is an in-process Verifier for tests and local development.
// Tokens listed in Reject fail with the mapped error; every other non-empty
// token is accepted.
type Static struct {
	Reject map[string]error
}

func (s Static) Verify(_ context.Context, token, _ string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrMissingToken
	}
	if err, ok := s.Reject[token]; ok {
		return err
	}
	return nil
}
