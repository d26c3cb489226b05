package otpauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/MrEthical07/otpauth/internal"
	"github.com/MrEthical07/otpauth/internal/stores"
	"github.com/MrEthical07/otpauth/session"
)

const handoffMessageType = "auth-success"

// MintHandoff issues a single-use token that lets destinationOrigin learn
// subjectID. destinationOrigin must exactly match a configured trusted
// origin; there is no wildcard.
//
// MintHandoff may return an error when input validation, dependency calls, or security checks fail.
// MintHandoff does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) MintHandoff(ctx context.Context, subjectID, identity, destinationOrigin string) (*HandoffGrant, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if subjectID == "" {
		return nil, ErrSubjectNotFound
	}

	origin, err := e.trustedOrigin(destinationOrigin)
	if err != nil {
		e.metricInc(MetricHandoffRejected)
		e.emitAudit(ctx, auditEventHandoffRejected, false, subjectID, identity, "", err, nil)
		return nil, err
	}

	token, err := internal.NewOpaqueToken()
	if err != nil {
		return nil, err
	}

	cfg := e.config.Handoff
	expiresAt := e.clock().Add(cfg.TTL)
	record := &stores.TokenRecord{
		State:     stores.TokenLive,
		ExpiresAt: expiresAt.UnixMilli(),
		SubjectID: subjectID,
		Identity:  identity,
		Origin:    origin,
	}
	if err := e.handoffs.Save(ctx, internal.HashToken(token), record, cfg.TTL+cfg.TombstoneTTL); err != nil {
		log.Printf("otpauth: handoff save failed: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metricInc(MetricHandoffMinted)
	e.emitAudit(ctx, auditEventHandoffMinted, true, subjectID, identity, "", nil, func() map[string]string {
		return map[string]string{"origin": origin}
	})

	return &HandoffGrant{
		Token:     token,
		Origin:    origin,
		ExpiresAt: expiresAt,
		Message: HandoffMessage{
			Type:      handoffMessageType,
			Token:     token,
			SubjectID: subjectID,
			Identity:  identity,
		},
	}, nil
}

// RedeemHandoff spends a handoff token presented by presentingOrigin.
//
// Redemption is atomic: of any number of concurrent calls for one token,
// exactly one succeeds and the rest get ErrHandoffAlreadyRedeemed. A token
// presented by the wrong origin fails with ErrHandoffOriginMismatch and is
// burned. Unknown and lapsed tokens both report ErrHandoffExpired.
//
// RedeemHandoff may return an error when input validation, dependency calls, or security checks fail.
// RedeemHandoff does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) RedeemHandoff(ctx context.Context, token, presentingOrigin string) (*HandoffRedemption, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if err := e.verifyLimiter.Check(ctx, clientIPFromContext(ctx)); err != nil {
		return nil, e.mapLimiterError(ctx, "handoff", "", err)
	}
	if token == "" {
		return nil, ErrHandoffExpired
	}

	presenting, err := normalizeOrigin(presentingOrigin)
	if err != nil {
		// Still run the redemption so a probe with a bad origin burns the token.
		presenting = strings.ToLower(strings.TrimSpace(presentingOrigin))
	}

	record, err := e.handoffs.Redeem(ctx, internal.HashToken(token), presenting, true, e.clock())
	if err != nil {
		mapped := mapHandoffStoreError(err)
		e.metricInc(MetricHandoffRejected)
		e.emitAudit(ctx, auditEventHandoffRejected, false, "", "", "", mapped, func() map[string]string {
			return map[string]string{"origin": presenting}
		})
		return nil, mapped
	}

	e.metricInc(MetricHandoffRedeemed)
	e.emitAudit(ctx, auditEventHandoffRedeemed, true, record.SubjectID, record.Identity, "", nil, func() map[string]string {
		return map[string]string{"origin": record.Origin}
	})

	return &HandoffRedemption{
		SubjectID: record.SubjectID,
		Identity:  record.Identity,
		Origin:    record.Origin,
	}, nil
}

// ExchangeHandoff redeems token and opens a session for the destination in
// the same call.
func (e *Engine) ExchangeHandoff(ctx context.Context, token, presentingOrigin string) (*AuthResult, error) {
	redemption, err := e.RedeemHandoff(ctx, token, presentingOrigin)
	if err != nil {
		return nil, err
	}
	return e.createSession(ctx, redemption.SubjectID, redemption.Identity, session.MethodHandoff, false)
}

func (e *Engine) trustedOrigin(raw string) (string, error) {
	origin, err := normalizeOrigin(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUntrustedOrigin, err)
	}
	if _, ok := e.trustedOrigins[origin]; !ok {
		return "", ErrUntrustedOrigin
	}
	return origin, nil
}

func mapHandoffStoreError(err error) error {
	switch {
	case errors.Is(err, stores.ErrTokenNotFound),
		errors.Is(err, stores.ErrTokenExpired):
		return ErrHandoffExpired
	case errors.Is(err, stores.ErrTokenRedeemed):
		return ErrHandoffAlreadyRedeemed
	case errors.Is(err, stores.ErrTokenOriginMismatch):
		return ErrHandoffOriginMismatch
	default:
		log.Printf("otpauth: handoff store unavailable: %v", err)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}
