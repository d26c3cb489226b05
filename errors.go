package otpauth

import (
	"errors"

	"github.com/MrEthical07/otpauth/captcha"
)

var (
	// ErrInvalidEmail is an exported constant or variable used by the authentication engine.
	ErrInvalidEmail = errors.New("invalid email")
	// ErrCaptchaFailed is an exported constant or variable used by the authentication engine.
	ErrCaptchaFailed = errors.New("human verification failed")
	// ErrCaptchaUnavailable is an exported constant or variable used by the authentication engine.
	ErrCaptchaUnavailable = errors.New("human verification service unavailable")
	// ErrCaptchaReused is returned inside ErrCaptchaFailed when a token was already spent on an earlier request.
	ErrCaptchaReused = errors.New("captcha token already used")
	// ErrRateLimited is an exported constant or variable used by the authentication engine.
	ErrRateLimited = errors.New("rate limited")
	// ErrDispatchFailed is an exported constant or variable used by the authentication engine.
	ErrDispatchFailed = errors.New("code dispatch failed")
	// ErrDispatchTemporary marks a notifier failure that may succeed on retry.
	// Notifiers wrap it; the engine never returns it directly.
	ErrDispatchTemporary = errors.New("temporary dispatch failure")

	// ErrNoCodeFound is an exported constant or variable used by the authentication engine.
	ErrNoCodeFound = errors.New("no code found")
	// ErrCodeExpired is an exported constant or variable used by the authentication engine.
	ErrCodeExpired = errors.New("code expired")
	// ErrCodeAlreadyUsed is an exported constant or variable used by the authentication engine.
	ErrCodeAlreadyUsed = errors.New("code already used")
	// ErrIncorrectCode is an exported constant or variable used by the authentication engine.
	ErrIncorrectCode = errors.New("incorrect code")
	// ErrTooManyAttempts is an exported constant or variable used by the authentication engine.
	ErrTooManyAttempts = errors.New("too many attempts")

	// ErrHandoffExpired is an exported constant or variable used by the authentication engine.
	ErrHandoffExpired = errors.New("handoff token expired")
	// ErrHandoffAlreadyRedeemed is an exported constant or variable used by the authentication engine.
	ErrHandoffAlreadyRedeemed = errors.New("handoff token already redeemed")
	// ErrHandoffOriginMismatch is an exported constant or variable used by the authentication engine.
	ErrHandoffOriginMismatch = errors.New("handoff origin mismatch")
	// ErrUntrustedOrigin is an exported constant or variable used by the authentication engine.
	ErrUntrustedOrigin = errors.New("destination origin is not trusted")

	// ErrMagicLinkExpired is an exported constant or variable used by the authentication engine.
	ErrMagicLinkExpired = errors.New("magic link expired")
	// ErrMagicLinkAlreadyUsed is an exported constant or variable used by the authentication engine.
	ErrMagicLinkAlreadyUsed = errors.New("magic link already used")

	// ErrUnauthorized is an exported constant or variable used by the authentication engine.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrSessionNotFound is an exported constant or variable used by the authentication engine.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionCreationFailed is an exported constant or variable used by the authentication engine.
	ErrSessionCreationFailed = errors.New("session creation failed")
	// ErrSignOutFailed is returned when at least one of the sign-out steps failed.
	ErrSignOutFailed = errors.New("sign-out incomplete")
	// ErrInvalidDestination is an exported constant or variable used by the authentication engine.
	ErrInvalidDestination = errors.New("invalid pre-auth destination")

	// ErrSubjectNotFound is an exported constant or variable used by the authentication engine.
	ErrSubjectNotFound = errors.New("subject not found")
	// ErrProfileExists is returned by ProfileStore.Create when the identity is already registered.
	ErrProfileExists = errors.New("profile already exists")
	// ErrTemporaryPasswordSet is returned by ProfileStore.SetTemporaryPassword on a second write.
	ErrTemporaryPasswordSet = errors.New("temporary password already set")

	// ErrMergeInProgress is an exported constant or variable used by the authentication engine.
	ErrMergeInProgress = errors.New("guest merge in progress")
	// ErrMergeConflict is an exported constant or variable used by the authentication engine.
	ErrMergeConflict = errors.New("guest marker bound to another subject")

	// ErrStoreUnavailable is an exported constant or variable used by the authentication engine.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotifierUnavailable is an exported constant or variable used by the authentication engine.
	ErrNotifierUnavailable = errors.New("notifier unavailable")
	// ErrEngineNotReady is an exported constant or variable used by the authentication engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// ErrorKind is the stable, caller-facing classification of an engine error.
// The HTTP surface reports it as the errorKind field.
type ErrorKind string

const (
	KindInvalidEmail         ErrorKind = "InvalidEmail"
	KindCaptchaFailed        ErrorKind = "CaptchaFailed"
	KindCaptchaUnavailable   ErrorKind = "CaptchaUnavailable"
	KindRateLimited          ErrorKind = "RateLimited"
	KindDispatchFailed       ErrorKind = "DispatchFailed"
	KindNoCodeFound          ErrorKind = "NoCodeFound"
	KindCodeExpired          ErrorKind = "CodeExpired"
	KindCodeAlreadyUsed      ErrorKind = "CodeAlreadyUsed"
	KindIncorrectCode        ErrorKind = "IncorrectCode"
	KindTooManyAttempts      ErrorKind = "TooManyAttempts"
	KindExpired              ErrorKind = "Expired"
	KindAlreadyRedeemed      ErrorKind = "AlreadyRedeemed"
	KindOriginMismatch       ErrorKind = "OriginMismatch"
	KindUntrustedOrigin      ErrorKind = "UntrustedOrigin"
	KindMagicLinkExpired     ErrorKind = "MagicLinkExpired"
	KindMagicLinkAlreadyUsed ErrorKind = "MagicLinkAlreadyUsed"
	KindUnauthorized         ErrorKind = "Unauthorized"
	KindInvalidDestination   ErrorKind = "InvalidDestination"
	KindSubjectNotFound      ErrorKind = "SubjectNotFound"
	KindMergeInProgress      ErrorKind = "MergeInProgress"
	KindMergeConflict        ErrorKind = "MergeConflict"
	KindUnavailable          ErrorKind = "Unavailable"
	KindInternal             ErrorKind = "Internal"
)

// KindOf classifies err. A nil error has an empty kind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidEmail):
		return KindInvalidEmail
	case errors.Is(err, ErrCaptchaFailed):
		return KindCaptchaFailed
	case errors.Is(err, ErrCaptchaUnavailable):
		return KindCaptchaUnavailable
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrDispatchFailed):
		return KindDispatchFailed
	case errors.Is(err, ErrNoCodeFound):
		return KindNoCodeFound
	case errors.Is(err, ErrCodeExpired):
		return KindCodeExpired
	case errors.Is(err, ErrCodeAlreadyUsed):
		return KindCodeAlreadyUsed
	case errors.Is(err, ErrIncorrectCode):
		return KindIncorrectCode
	case errors.Is(err, ErrTooManyAttempts):
		return KindTooManyAttempts
	case errors.Is(err, ErrHandoffExpired):
		return KindExpired
	case errors.Is(err, ErrHandoffAlreadyRedeemed):
		return KindAlreadyRedeemed
	case errors.Is(err, ErrHandoffOriginMismatch):
		return KindOriginMismatch
	case errors.Is(err, ErrUntrustedOrigin):
		return KindUntrustedOrigin
	case errors.Is(err, ErrMagicLinkExpired):
		return KindMagicLinkExpired
	case errors.Is(err, ErrMagicLinkAlreadyUsed):
		return KindMagicLinkAlreadyUsed
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrSessionNotFound):
		return KindUnauthorized
	case errors.Is(err, ErrInvalidDestination):
		return KindInvalidDestination
	case errors.Is(err, ErrSubjectNotFound):
		return KindSubjectNotFound
	case errors.Is(err, ErrMergeInProgress):
		return KindMergeInProgress
	case errors.Is(err, ErrMergeConflict):
		return KindMergeConflict
	case errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrNotifierUnavailable),
		errors.Is(err, ErrSessionCreationFailed),
		errors.Is(err, ErrSignOutFailed):
		return KindUnavailable
	default:
		return KindInternal
	}
}

// Captcha failure reasons reported by CaptchaReason.
const (
	CaptchaReasonMissingToken = "missing_token"
	CaptchaReasonExpiredToken = "expired_token"
	CaptchaReasonInvalidToken = "invalid_token"
	CaptchaReasonTokenReused  = "token_reused"
)

// CaptchaReason returns the failure reason carried by a CaptchaFailed error,
// or "" for any other error.
func CaptchaReason(err error) string {
	if !errors.Is(err, ErrCaptchaFailed) {
		return ""
	}
	switch {
	case errors.Is(err, captcha.ErrMissingToken):
		return CaptchaReasonMissingToken
	case errors.Is(err, captcha.ErrExpiredToken):
		return CaptchaReasonExpiredToken
	case errors.Is(err, ErrCaptchaReused):
		return CaptchaReasonTokenReused
	default:
		return CaptchaReasonInvalidToken
	}
}
