// Package limiters provides domain-specific rate limiters built on top of the
// internal/rate primitives.
//
// # Limiters
//
//   - [IssueLimiter]: per-identity + per-IP budgets and resend cooldown for code issuance.
//   - [VerifyLimiter]: per-IP budget for code, magic-link and handoff redemption.
//
// All limiters are nil-safe: calling any method on a nil receiver returns nil.
//
// # Architecture boundaries
//
// Each limiter owns its own Redis key namespace and error types. Policy thresholds
// come from Config structs supplied at construction time.
//
// # What this package must NOT do
//
//   - Import otpauth or any sibling internal package except internal/rate.
//   - Make policy decisions beyond counting; engine operations decide consequences.
package limiters
