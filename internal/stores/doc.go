// Package stores provides Redis-backed, short-lived record stores for the
// passwordless sign-in protocol: OTP challenges, single-use bearer tokens
// (magic links and cross-origin handoff), guest links, captcha replay claims
// and pre-auth destinations.
//
// # Design
//
// Each store persists a versioned, binary-encoded record in Redis with a TTL.
// State transitions (consume, redeem, restore, mark-merged) run inside Lua
// scripts so that the check and the write happen atomically; challenge
// supersession uses WATCH/MULTI optimistic transactions with retry on
// contention. Terminal records are kept as tombstones until their TTL lapses
// so replays are reported precisely instead of as "not found".
//
// # Architecture boundaries
//
// This package owns persistence and concurrency control for transient
// records. It does NOT generate codes or tokens, enforce rate limits, or
// make authentication decisions; those belong to the Engine.
//
// # What this package must NOT do
//
//   - Import otpauth or any sibling internal package.
//   - Log or expose plaintext secrets.
//   - Use non-constant-time comparisons as the final word on secret matching.
package stores
