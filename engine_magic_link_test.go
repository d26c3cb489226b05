package otpauth

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"
)

func TestMagicLinkSingleUse(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	link, err := env.engine.issueMagicLink(ctx, "subject-1", testIdentity, FlowLogin)
	if err != nil {
		t.Fatalf("issueMagicLink failed: %v", err)
	}
	u, err := url.Parse(link.URL)
	if err != nil || u.Query().Get("token") != link.Token {
		t.Fatalf("expected token in link %q", link.URL)
	}

	auth, err := env.engine.RedeemMagicLink(ctx, link.Token)
	if err != nil {
		t.Fatalf("RedeemMagicLink failed: %v", err)
	}
	if auth.SubjectID != "subject-1" || auth.AccessToken == "" {
		t.Fatalf("unexpected session %+v", auth)
	}

	_, err = env.engine.RedeemMagicLink(ctx, link.Token)
	if !errors.Is(err, ErrMagicLinkAlreadyUsed) {
		t.Fatalf("expected ErrMagicLinkAlreadyUsed, got %v", err)
	}
	if KindOf(err) != KindMagicLinkAlreadyUsed {
		t.Fatalf("expected MagicLinkAlreadyUsed kind, got %s", KindOf(err))
	}
}

func TestMagicLinkExpiry(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	link, err := env.engine.issueMagicLink(ctx, "subject-1", testIdentity, FlowLogin)
	if err != nil {
		t.Fatalf("issueMagicLink failed: %v", err)
	}

	env.advance(5*time.Minute + time.Second)
	if _, err := env.engine.RedeemMagicLink(ctx, link.Token); !errors.Is(err, ErrMagicLinkExpired) {
		t.Fatalf("expected ErrMagicLinkExpired, got %v", err)
	}
	if _, err := env.engine.RedeemMagicLink(ctx, "unknown"); !errors.Is(err, ErrMagicLinkExpired) {
		t.Fatalf("expected unknown link to report ErrMagicLinkExpired, got %v", err)
	}
	if _, err := env.engine.RedeemMagicLink(ctx, ""); !errors.Is(err, ErrMagicLinkExpired) {
		t.Fatalf("expected empty link to report ErrMagicLinkExpired, got %v", err)
	}
}

func TestMagicLinkDeliveredByEmail(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.MagicLink.DeliverByEmail = true
	})
	ctx := context.Background()

	link, err := env.engine.issueMagicLink(ctx, "subject-1", testIdentity, FlowCheckout)
	if err != nil {
		t.Fatalf("issueMagicLink failed: %v", err)
	}
	if !link.Delivered || link.Token != "" || link.URL != "" {
		t.Fatalf("expected a mailed link with no token returned, got %+v", link)
	}

	d := env.notifier.deliveries[len(env.notifier.deliveries)-1]
	if d.Kind != DeliveryMagicLink || d.Identity != testIdentity || d.Flow != FlowCheckout {
		t.Fatalf("unexpected delivery %+v", d)
	}

	u, err := url.Parse(d.Link)
	if err != nil {
		t.Fatalf("bad link: %v", err)
	}
	if _, err := env.engine.RedeemMagicLink(ctx, u.Query().Get("token")); err != nil {
		t.Fatalf("RedeemMagicLink failed: %v", err)
	}
}

func TestMagicLinkDispatchFailure(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.MagicLink.DeliverByEmail = true
	})
	env.notifier.failures = 1
	env.notifier.err = errors.New("mailbox does not exist")

	_, err := env.engine.issueMagicLink(context.Background(), "subject-1", testIdentity, FlowLogin)
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", err)
	}
}
