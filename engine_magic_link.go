package otpauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"

	"github.com/MrEthical07/otpauth/internal"
	"github.com/MrEthical07/otpauth/internal/stores"
	"github.com/MrEthical07/otpauth/session"
)

func (e *Engine) issueMagicLink(ctx context.Context, subjectID, identity string, flow Flow) (*MagicLink, error) {
	token, err := internal.NewOpaqueToken()
	if err != nil {
		return nil, err
	}

	cfg := e.config.MagicLink
	expiresAt := e.clock().Add(cfg.TTL)

	record := &stores.TokenRecord{
		State:     stores.TokenLive,
		ExpiresAt: expiresAt.UnixMilli(),
		SubjectID: subjectID,
		Identity:  identity,
	}
	if err := e.magicLinks.Save(ctx, internal.HashToken(token), record, cfg.TTL+cfg.TombstoneTTL); err != nil {
		log.Printf("otpauth: magic link save failed: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	link := &MagicLink{
		Token:     token,
		URL:       e.magicLinkURL(token),
		ExpiresAt: expiresAt,
	}

	if cfg.DeliverByEmail {
		err := e.dispatch(ctx, Delivery{
			Kind:      DeliveryMagicLink,
			Identity:  identity,
			Link:      link.URL,
			Flow:      flow,
			ExpiresAt: expiresAt,
		}, nil)
		if err != nil {
			e.metricInc(MetricDispatchFailed)
			e.emitAudit(ctx, auditEventDispatchFailed, false, subjectID, identity, "", ErrDispatchFailed, func() map[string]string {
				return map[string]string{"kind": DeliveryMagicLink.String()}
			})
			return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
		}
		// The link now lives only in the mailbox.
		link.Token = ""
		link.URL = ""
		link.Delivered = true
	}

	e.metricInc(MetricMagicLinkIssued)
	e.emitAudit(ctx, auditEventMagicLinkIssued, true, subjectID, identity, "", nil, func() map[string]string {
		return map[string]string{"flow": flow.String()}
	})

	return link, nil
}

func (e *Engine) magicLinkURL(token string) string {
	if e.config.MagicLink.BaseURL == "" {
		return ""
	}
	u, err := url.Parse(e.config.MagicLink.BaseURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// RedeemMagicLink spends a magic-link token and creates the session it stands
// for. A link works once; later presentations fail with ErrMagicLinkAlreadyUsed.
//
// RedeemMagicLink may return an error when input validation, dependency calls, or security checks fail.
// RedeemMagicLink does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) RedeemMagicLink(ctx context.Context, token string) (*AuthResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if err := e.verifyLimiter.Check(ctx, clientIPFromContext(ctx)); err != nil {
		return nil, e.mapLimiterError(ctx, "magic_link", "", err)
	}
	if token == "" {
		return nil, ErrMagicLinkExpired
	}

	record, err := e.magicLinks.Redeem(ctx, internal.HashToken(token), "", false, e.clock())
	if err != nil {
		mapped := mapMagicLinkStoreError(err)
		e.metricInc(MetricMagicLinkRejected)
		e.emitAudit(ctx, auditEventMagicLinkRedeemed, false, "", "", "", mapped, nil)
		return nil, mapped
	}

	e.metricInc(MetricMagicLinkRedeemed)
	e.emitAudit(ctx, auditEventMagicLinkRedeemed, true, record.SubjectID, record.Identity, "", nil, nil)

	return e.createSession(ctx, record.SubjectID, record.Identity, session.MethodMagicLink, true)
}

func mapMagicLinkStoreError(err error) error {
	switch {
	case errors.Is(err, stores.ErrTokenNotFound),
		errors.Is(err, stores.ErrTokenExpired):
		return ErrMagicLinkExpired
	case errors.Is(err, stores.ErrTokenRedeemed):
		return ErrMagicLinkAlreadyUsed
	default:
		log.Printf("otpauth: magic link store unavailable: %v", err)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}
