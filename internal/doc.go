// Package internal contains helper utilities that are intentionally private to otpauth,
// including secure random generation and code hashing.
//
// # Sub-packages
//
//   - limiters: issuance and verification rate policies
//   - rate: core Redis-backed fixed-window counters
//   - retry: dispatch retry classification and backoff
//   - stores: Redis-backed challenge, token, guest-link and replay stores
//
// # What this package must NOT do
//
//   - Export types that appear in the public otpauth API.
//   - Be imported by any package outside the otpauth module.
package internal
