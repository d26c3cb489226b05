package otpauth

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Flow selects the issuance policy of a challenge.
type Flow uint8

const (
	// FlowLogin is the standard sign-in flow.
	FlowLogin Flow = iota
	// FlowCheckout is the short-lived flow started from a checkout page.
	FlowCheckout
)

func (f Flow) String() string {
	switch f {
	case FlowLogin:
		return "login"
	case FlowCheckout:
		return "checkout"
	default:
		return "unknown"
	}
}

// ParseFlow maps the wire name of a flow. An empty name selects FlowLogin.
func ParseFlow(s string) (Flow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "login":
		return FlowLogin, nil
	case "checkout":
		return FlowCheckout, nil
	default:
		return 0, errors.New("unknown flow")
	}
}

// Origin is the page context the verification was started from.
type Origin uint8

const (
	// OriginNormal is a top-level page that can hold a navigable session.
	OriginNormal Origin = iota
	// OriginEmbedded is an iframe or popup opened by a trusted external origin.
	OriginEmbedded
)

func (o Origin) String() string {
	if o == OriginEmbedded {
		return "embedded"
	}
	return "normal"
}

// ParseOrigin maps the wire name of an origin. An empty name selects OriginNormal.
func ParseOrigin(s string) (Origin, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return OriginNormal, nil
	case "embedded":
		return OriginEmbedded, nil
	default:
		return 0, errors.New("unknown origin")
	}
}

// DeliveryKind tells a Notifier what the message carries.
type DeliveryKind uint8

const (
	DeliveryCode DeliveryKind = iota
	DeliveryMagicLink
)

func (k DeliveryKind) String() string {
	if k == DeliveryMagicLink {
		return "magic_link"
	}
	return "code"
}

// Delivery is one outbound message. Exactly one of Code or Link is set.
type Delivery struct {
	Kind      DeliveryKind
	Identity  string
	Code      string
	Link      string
	Flow      Flow
	ExpiresAt time.Time
}

// Notifier sends codes and links to an identity.
//
// Deliver must not retry on its own: the engine re-checks that the challenge
// is still active between attempts. Errors that wrap ErrDispatchTemporary, or
// that look like transient transport failures, are retried.
type Notifier interface {
	Deliver(ctx context.Context, d Delivery) error
}

// CaptchaVerifier checks a human-verification token server-side.
// captcha.SiteVerify and captcha.Static implement it.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// Profile is the account record behind a subject.
type Profile struct {
	SubjectID          string
	Identity           string
	ConsumedUsageUnits int64
	CreatedAt          time.Time
}

// ProfileStore is the account collaborator. Lookups of a missing profile
// return ErrSubjectNotFound; Create returns ErrProfileExists when the identity
// is already taken.
type ProfileStore interface {
	GetByIdentity(ctx context.Context, identity string) (*Profile, error)
	GetBySubject(ctx context.Context, subjectID string) (*Profile, error)
	Create(ctx context.Context, profile Profile) (*Profile, error)
	// SetTemporaryPassword stores an encoded hash once. A second call
	// returns ErrTemporaryPasswordSet.
	SetTemporaryPassword(ctx context.Context, subjectID, encodedHash string) error
}

// GuestStore owns data created before authentication.
type GuestStore interface {
	// Reparent assigns every guest record carrying marker that has no owner
	// yet to subjectID and returns how many rows moved. Rows that already
	// have an owner are left untouched.
	Reparent(ctx context.Context, marker, subjectID string) (int, error)
}

// IssueRequest starts or restarts a challenge for an identity.
type IssueRequest struct {
	Identity   string
	HumanToken string
	Flow       Flow
}

// IssueResult carries the server-side expiry for display. Clients may run a
// countdown from it; the server never trusts that countdown.
type IssueResult struct {
	Identity   string
	Flow       Flow
	ExpiresAt  time.Time
	TTLSeconds int
}

// VerifyRequest submits a code.
//
// DestinationOrigin is required for OriginEmbedded and must be one of the
// configured trusted origins. PreferMagicLink asks for a magic link instead
// of a direct session on a normal origin.
type VerifyRequest struct {
	Identity          string
	Code              string
	Origin            Origin
	DestinationOrigin string
	PreferMagicLink   bool
}

// EstablishRequest describes how a verified identity becomes authenticated.
type EstablishRequest struct {
	SubjectID         string
	Identity          string
	Flow              Flow
	Origin            Origin
	DestinationOrigin string
	PreferMagicLink   bool
}

// AuthResult is an established session.
type AuthResult struct {
	SubjectID   string
	Identity    string
	SessionID   string
	AccessToken string
	Method      string
	ExpiresAt   time.Time
	// Redirect is the pre-auth destination consumed by this session, if any.
	Redirect string
}

// MagicLink is a single-use sign-in link. Token is empty when the link was
// sent to the identity's mailbox instead of being returned.
type MagicLink struct {
	Token     string
	URL       string
	ExpiresAt time.Time
	Delivered bool
}

// HandoffMessage is the payload posted to the trusted destination window.
type HandoffMessage struct {
	Type      string `json:"type"`
	Token     string `json:"token"`
	SubjectID string `json:"subjectId"`
	Identity  string `json:"identity"`
}

// HandoffGrant is a freshly minted handoff token bound to one destination origin.
type HandoffGrant struct {
	Token     string
	Origin    string
	ExpiresAt time.Time
	Message   HandoffMessage
}

// HandoffRedemption is what the destination learns from a redeemed token.
type HandoffRedemption struct {
	SubjectID string
	Identity  string
	Origin    string
}

// Establishment is the outcome of session establishment. Exactly one of
// Session, MagicLink or Handoff is set.
type Establishment struct {
	Session   *AuthResult
	MagicLink *MagicLink
	Handoff   *HandoffGrant
}

// MergeResult reports a guest merge run. Guest records are looked up under
// the caller's guest marker, when present, and under the verified identity.
type MergeResult struct {
	SubjectID string
	// Merged lists the markers whose records were moved by this call.
	Merged []string
	// Skipped lists the markers that had been merged before this call.
	Skipped []string
	Moved   int
}

// AlreadyMerged reports whether the call found nothing left to merge.
func (r *MergeResult) AlreadyMerged() bool {
	return r != nil && len(r.Merged) == 0 && len(r.Skipped) > 0
}

// VerifyResult is a successful verification.
type VerifyResult struct {
	SubjectID      string
	Identity       string
	Flow           Flow
	AccountCreated bool
	Establishment

	Merge *MergeResult
	// MergeErr is set when the guest merge failed; verification still succeeded
	// and the merge is retried on the next call for the same marker.
	MergeErr error
}

// SessionInfo is a validated session.
type SessionInfo struct {
	SubjectID string
	Identity  string
	SessionID string
	Method    string
	CreatedAt time.Time
	ExpiresAt time.Time
}
