package otpauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/MrEthical07/otpauth/internal"
	"github.com/MrEthical07/otpauth/session"
)

const maxDestinationLength = 2048

// Establish turns a verified identity into an authenticated state.
//
//   - OriginEmbedded: no navigable session is created here. A handoff token
//     is minted for req.DestinationOrigin and the host page posts it there.
//   - FlowCheckout or PreferMagicLink: a single-use magic link is issued.
//   - Otherwise: a session is stored and an access token signed. The
//     caller's pre-auth destination, if any, is consumed into Redirect.
func (e *Engine) Establish(ctx context.Context, req EstablishRequest) (*Establishment, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if req.SubjectID == "" {
		return nil, ErrSubjectNotFound
	}

	switch {
	case req.Origin == OriginEmbedded:
		grant, err := e.MintHandoff(ctx, req.SubjectID, req.Identity, req.DestinationOrigin)
		if err != nil {
			return nil, err
		}
		return &Establishment{Handoff: grant}, nil
	case req.Flow == FlowCheckout || req.PreferMagicLink:
		link, err := e.issueMagicLink(ctx, req.SubjectID, req.Identity, req.Flow)
		if err != nil {
			return nil, err
		}
		return &Establishment{MagicLink: link}, nil
	default:
		auth, err := e.createSession(ctx, req.SubjectID, req.Identity, session.MethodOTP, true)
		if err != nil {
			return nil, err
		}
		return &Establishment{Session: auth}, nil
	}
}

func (e *Engine) createSession(
	ctx context.Context,
	subjectID string,
	identity string,
	method session.Method,
	consumeDestination bool,
) (*AuthResult, error) {
	sessionID, err := internal.NewSessionID()
	if err != nil {
		return nil, err
	}

	now := e.clock()
	lifetime := e.config.Session.TTL
	if lifetime > e.config.Session.AbsoluteSessionLifetime {
		lifetime = e.config.Session.AbsoluteSessionLifetime
	}
	expiresAt := now.Add(lifetime)

	sess := &session.Session{
		SessionID: sessionID,
		SubjectID: subjectID,
		Identity:  identity,
		Method:    method,
		CreatedAt: now.Unix(),
		ExpiresAt: expiresAt.Unix(),
	}
	if err := e.sessionStore.Save(ctx, sess, lifetime); err != nil {
		log.Printf("otpauth: session save failed: %v", err)
		e.emitAudit(ctx, auditEventSessionCreated, false, subjectID, identity, "", ErrSessionCreationFailed, nil)
		return nil, fmt.Errorf("%w: %v", ErrSessionCreationFailed, err)
	}

	token, err := e.jwtManager.CreateAccess(subjectID, sessionID, method.String(), expiresAt)
	if err != nil {
		if delErr := e.sessionStore.Delete(context.WithoutCancel(ctx), sessionID); delErr != nil {
			log.Printf("otpauth: orphan session cleanup failed: %v", delErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrSessionCreationFailed, err)
	}
	e.sessionCache.Add(sess, now)

	auth := &AuthResult{
		SubjectID:   subjectID,
		Identity:    identity,
		SessionID:   sessionID,
		AccessToken: token,
		Method:      method.String(),
		ExpiresAt:   expiresAt,
	}
	if consumeDestination {
		auth.Redirect = e.takeDestination(ctx)
	}

	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventSessionCreated, true, subjectID, identity, sessionID, nil, func() map[string]string {
		return map[string]string{"method": method.String()}
	})

	return auth, nil
}

// ValidateSession authenticates an access token against the live session.
//
// ValidateSession may return an error when input validation, dependency calls, or security checks fail.
// ValidateSession does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ValidateSession(ctx context.Context, accessToken string) (*SessionInfo, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}

	claims, err := e.jwtManager.ParseAccess(accessToken)
	if err != nil {
		return nil, ErrUnauthorized
	}

	if cached, ok := e.sessionCache.Get(claims.SID, e.clock()); ok && cached.SubjectID == claims.Subject {
		return sessionInfo(cached), nil
	}

	sess, err := e.sessionStore.Get(ctx, claims.SID, e.config.Session.AbsoluteSessionLifetime)
	if err != nil {
		return nil, mapSessionStoreError(err)
	}
	if sess.SubjectID != claims.Subject {
		return nil, ErrUnauthorized
	}
	e.sessionCache.Add(sess, e.clock())

	return sessionInfo(sess), nil
}

// SignOut ends the session behind accessToken. The local cache entry and the
// server-side record are dropped independently: the local entry is gone even
// when revocation fails, and that failure is reported as ErrSignOutFailed.
//
// SignOut may return an error when input validation, dependency calls, or security checks fail.
// SignOut does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) SignOut(ctx context.Context, accessToken string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}

	claims, err := e.jwtManager.ParseAccess(accessToken)
	if err != nil {
		return ErrUnauthorized
	}

	// Local state is dropped even when the revocation below fails.
	e.sessionCache.Remove(claims.SID)
	if err := e.sessionStore.Delete(ctx, claims.SID); err != nil {
		log.Printf("otpauth: session revocation failed: %v", err)
		e.emitAudit(ctx, auditEventSignOut, false, claims.Subject, "", claims.SID, ErrSignOutFailed, nil)
		return fmt.Errorf("%w: %v", ErrSignOutFailed, err)
	}

	e.metricInc(MetricSessionInvalidated)
	e.metricInc(MetricSignOut)
	e.emitAudit(ctx, auditEventSignOut, true, claims.Subject, "", claims.SID, nil, nil)
	return nil
}

// SignOutAll ends every session of subjectID.
func (e *Engine) SignOutAll(ctx context.Context, subjectID string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}

	e.sessionCache.RemoveSubject(subjectID)
	if err := e.sessionStore.DeleteAllForSubject(ctx, subjectID); err != nil {
		log.Printf("otpauth: sign-out-all failed: %v", err)
		return fmt.Errorf("%w: %v", ErrSignOutFailed, err)
	}

	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, auditEventSignOut, true, subjectID, "", "", nil, func() map[string]string {
		return map[string]string{"scope": "all"}
	})
	return nil
}

// SetPreAuthDestination remembers where the caller identified by marker was
// heading before sign-in. Only same-site relative paths are accepted. The
// destination is consumed by the next normal-origin session for marker.
//
// SetPreAuthDestination may return an error when input validation, dependency calls, or security checks fail.
// SetPreAuthDestination does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) SetPreAuthDestination(ctx context.Context, marker, destination string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	marker = strings.TrimSpace(marker)
	if marker == "" || !isSafeDestination(destination) {
		return ErrInvalidDestination
	}
	if err := e.destinations.Set(ctx, marker, destination, e.config.Guest.DestinationTTL); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// takeDestination is best effort: a lost redirect is not worth failing a sign-in.
func (e *Engine) takeDestination(ctx context.Context) string {
	marker := guestMarkerFromContext(ctx)
	if marker == "" {
		return ""
	}
	dest, err := e.destinations.Take(ctx, marker)
	if err != nil {
		log.Printf("otpauth: pre-auth destination lookup failed: %v", err)
		return ""
	}
	if !isSafeDestination(dest) {
		return ""
	}
	return dest
}

// isSafeDestination accepts "/path[?query][#fragment]" only. Absolute URLs,
// protocol-relative "//host" forms and backslashes are rejected because
// browsers may resolve them to another host.
func isSafeDestination(dest string) bool {
	if dest == "" || len(dest) > maxDestinationLength {
		return false
	}
	if !strings.HasPrefix(dest, "/") || strings.HasPrefix(dest, "//") || strings.ContainsRune(dest, '\\') {
		return false
	}
	for _, r := range dest {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	u, err := url.Parse(dest)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Host == "" && u.User == nil
}

func sessionInfo(s *session.Session) *SessionInfo {
	return &SessionInfo{
		SubjectID: s.SubjectID,
		Identity:  s.Identity,
		SessionID: s.SessionID,
		Method:    s.Method.String(),
		CreatedAt: time.Unix(s.CreatedAt, 0),
		ExpiresAt: time.Unix(s.ExpiresAt, 0),
	}
}

func mapSessionStoreError(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return ErrSessionNotFound
	case errors.Is(err, session.ErrRedisUnavailable):
		log.Printf("otpauth: session store unavailable: %v", err)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	default:
		// Undecodable records are treated as absent.
		return ErrSessionNotFound
	}
}
