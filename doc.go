// Package otpauth provides passwordless email sign-in with short-lived one-time
// codes, single-use magic links and a cross-origin handoff for embedded pages.
//
// The package is designed for concurrent server workloads: Engine methods are safe to call
// from multiple goroutines after initialization through [Builder.Build].
//
// # Flow
//
//	IssueOTP  -> captcha, rate limits, challenge write, code dispatch
//	VerifyOTP -> challenge consume, account creation, guest merge, Establish
//	Establish -> session | magic link | handoff grant
//
// A newer code for the same email supersedes the older one the moment it is
// stored. A code, a magic link and a handoff token each succeed exactly once.
// Handoff tokens are bound to one configured destination origin and expire
// within a minute.
//
// # Architecture boundaries
//
// otpauth is the public surface. It exposes [Engine], [Builder], [Config], the collaborator
// interfaces ([Notifier], [CaptchaVerifier], [ProfileStore], [GuestStore]) and value types.
// Redis-backed challenge, token and guest-link stores live under internal/ and are never
// exported.
//
// # What this package must NOT do
//
//   - Expose Redis clients, internal stores, or encoding details in its public API.
//   - Store or log a code, token or temporary password in plaintext.
//   - Import any sub-package that re-imports otpauth (no import cycles).
//
// # Errors
//
// Every expected outcome has a sentinel in errors.go. [KindOf] maps an error to the
// stable [ErrorKind] string that HTTP handlers return as errorKind.
package otpauth
