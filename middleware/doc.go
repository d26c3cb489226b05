// Package middleware exposes HTTP middleware adapters built on top of
// otpauth.Engine.
//
// # Middleware
//
//   - [RequestContext] attaches client IP, User-Agent and guest marker to the
//     request context so engine calls can rate limit, audit and merge.
//   - [Guard] authenticates a bearer token or session cookie with
//     Engine.ValidateSession and injects the session into the context.
//   - [RequireEligible] admits only subjects that pass Engine.IsEligible.
//     Eligibility is recomputed on every request.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It does NOT
// implement authentication logic itself. All decisions are delegated to the
// Engine.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly (delegates to Engine).
//   - Access Redis or the profile store (Engine handles I/O).
//   - Cache eligibility between requests.
package middleware
