package otpauth

import (
	"context"
	"errors"
	"strings"
)

const (
	auditEventOTPIssued          = "otp_issued"
	auditEventOTPIssueRejected   = "otp_issue_rejected"
	auditEventCaptchaRejected    = "captcha_rejected"
	auditEventDispatchFailed     = "otp_dispatch_failed"
	auditEventOTPVerified        = "otp_verified"
	auditEventOTPVerifyFailed    = "otp_verify_failed"
	auditEventAccountCreated     = "account_created"
	auditEventSessionCreated     = "session_created"
	auditEventSignOut            = "sign_out"
	auditEventMagicLinkIssued    = "magic_link_issued"
	auditEventMagicLinkRedeemed  = "magic_link_redeemed"
	auditEventHandoffMinted      = "handoff_minted"
	auditEventHandoffRedeemed    = "handoff_redeemed"
	auditEventHandoffRejected    = "handoff_rejected"
	auditEventGuestMerge         = "guest_merge"
	auditEventEligibility        = "eligibility_decision"
	auditEventRateLimitTriggered = "rate_limit_triggered"
)

// AuditErrorCode is the error classification written to AuditEvent.Error.
type AuditErrorCode string

const (
	auditErrInvalidEmail     AuditErrorCode = "invalid_email"
	auditErrCaptchaFailed    AuditErrorCode = "captcha_failed"
	auditErrRateLimited      AuditErrorCode = "rate_limited"
	auditErrDispatchFailed   AuditErrorCode = "dispatch_failed"
	auditErrNoCode           AuditErrorCode = "no_code"
	auditErrCodeExpired      AuditErrorCode = "code_expired"
	auditErrCodeUsed         AuditErrorCode = "code_used"
	auditErrIncorrectCode    AuditErrorCode = "incorrect_code"
	auditErrAttemptsExceeded AuditErrorCode = "attempts_exceeded"
	auditErrTokenExpired     AuditErrorCode = "token_expired"
	auditErrTokenRedeemed    AuditErrorCode = "token_redeemed"
	auditErrOriginMismatch   AuditErrorCode = "origin_mismatch"
	auditErrUntrustedOrigin  AuditErrorCode = "untrusted_origin"
	auditErrUnauthorized     AuditErrorCode = "unauthorized"
	auditErrSubjectNotFound  AuditErrorCode = "subject_not_found"
	auditErrMergeInProgress  AuditErrorCode = "merge_in_progress"
	auditErrMergeConflict    AuditErrorCode = "merge_conflict"
	auditErrUnavailable      AuditErrorCode = "backend_unavailable"
	auditErrInternal         AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	subjectID string,
	identity string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.clock().UTC(),
		EventType: eventType,
		SubjectID: subjectID,
		Identity:  maskIdentity(identity),
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(
	ctx context.Context,
	scope string,
	identity string,
	metadataBuilder func() map[string]string,
) {
	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, "", identity, "", ErrRateLimited, func() map[string]string {
		base := map[string]string{
			"scope": scope,
		}
		if metadataBuilder == nil {
			return base
		}
		for k, v := range metadataBuilder() {
			base[k] = v
		}
		return base
	})
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidEmail):
		return auditErrInvalidEmail
	case errors.Is(err, ErrCaptchaFailed):
		return auditErrCaptchaFailed
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrDispatchFailed):
		return auditErrDispatchFailed
	case errors.Is(err, ErrNoCodeFound):
		return auditErrNoCode
	case errors.Is(err, ErrCodeExpired):
		return auditErrCodeExpired
	case errors.Is(err, ErrCodeAlreadyUsed):
		return auditErrCodeUsed
	case errors.Is(err, ErrIncorrectCode):
		return auditErrIncorrectCode
	case errors.Is(err, ErrTooManyAttempts):
		return auditErrAttemptsExceeded
	case errors.Is(err, ErrHandoffExpired),
		errors.Is(err, ErrMagicLinkExpired):
		return auditErrTokenExpired
	case errors.Is(err, ErrHandoffAlreadyRedeemed),
		errors.Is(err, ErrMagicLinkAlreadyUsed):
		return auditErrTokenRedeemed
	case errors.Is(err, ErrHandoffOriginMismatch):
		return auditErrOriginMismatch
	case errors.Is(err, ErrUntrustedOrigin):
		return auditErrUntrustedOrigin
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrSessionNotFound):
		return auditErrUnauthorized
	case errors.Is(err, ErrSubjectNotFound):
		return auditErrSubjectNotFound
	case errors.Is(err, ErrMergeInProgress):
		return auditErrMergeInProgress
	case errors.Is(err, ErrMergeConflict):
		return auditErrMergeConflict
	case errors.Is(err, ErrCaptchaUnavailable),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrNotifierUnavailable),
		errors.Is(err, ErrSessionCreationFailed),
		errors.Is(err, ErrSignOutFailed):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}

// maskIdentity keeps the first character of the local part and the domain.
func maskIdentity(identity string) string {
	if identity == "" {
		return ""
	}
	at := strings.LastIndexByte(identity, '@')
	if at <= 0 {
		return "***"
	}
	return identity[:1] + "***" + identity[at:]
}
