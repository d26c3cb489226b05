// Package session provides Redis-backed session persistence, a compact binary
// session encoding, and a bounded in-process cache for validation hot paths.
//
// # Binary encoding
//
// Sessions are stored in Redis as a versioned binary record. The encoder is
// append-only: new versions add fields but never reinterpret old ones.
//
// # Architecture boundaries
//
// This package owns the [Store] (Redis operations), the [LocalCache] and the
// [Session] model. It does NOT interpret JWT tokens or decide how a session
// is established; those responsibilities belong to the Engine.
//
// # What this package must NOT do
//
//   - Import otpauth or jwt (no upward imports).
//   - Store one-time codes, handoff tokens or any other plaintext secret in [Session] fields.
package session
