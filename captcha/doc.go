// Package captcha verifies human-verification tokens before a one-time code
// is issued.
//
// [SiteVerify] speaks the siteverify protocol shared by Cloudflare Turnstile,
// hCaptcha and reCAPTCHA. Failures are classified: [ErrMissingToken],
// [ErrExpiredToken] and [ErrInvalidToken] are caller problems, while
// [ErrUnavailable] means the provider could not give an answer.
package captcha
