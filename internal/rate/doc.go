// Package rate provides internal primitives used to build Redis-backed rate limit
// counters for abuse-sensitive OTP workflows.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Cooldowns use
// SET NX with a TTL. Key naming is owned by callers (internal/limiters).
//
// # What this package must NOT do
//
//   - Implement domain-specific policies (those live in internal/limiters).
//   - Be imported outside the otpauth module.
package rate
