package internaldefs

import (
	"github.com/MrEthical07/otpauth"
)

// CounterDef names one engine counter for exporters.
type CounterDef struct {
	ID   otpauth.MetricID
	Name string
	Help string
}

// HistogramDef names one engine histogram for exporters.
type HistogramDef struct {
	ID   otpauth.MetricID
	Name string
	Help string
}

// CounterDefs covers every counter MetricID. Order is the exposition order.
var CounterDefs = []CounterDef{
	{ID: otpauth.MetricOTPIssued, Name: "otpauth_otp_issued_total", Help: "Codes issued and delivered."},
	{ID: otpauth.MetricOTPIssueRejected, Name: "otpauth_otp_issue_rejected_total", Help: "Issue requests rejected before a code was stored."},
	{ID: otpauth.MetricCaptchaRejected, Name: "otpauth_captcha_rejected_total", Help: "Issue requests rejected by human verification."},
	{ID: otpauth.MetricCaptchaUnavailable, Name: "otpauth_captcha_unavailable_total", Help: "Human verification provider failures."},
	{ID: otpauth.MetricDispatchRetry, Name: "otpauth_dispatch_retry_total", Help: "Delivery retries after a temporary failure."},
	{ID: otpauth.MetricDispatchFailed, Name: "otpauth_dispatch_failed_total", Help: "Deliveries that failed after all attempts."},
	{ID: otpauth.MetricOTPVerified, Name: "otpauth_otp_verified_total", Help: "Codes verified successfully."},
	{ID: otpauth.MetricOTPIncorrect, Name: "otpauth_otp_incorrect_total", Help: "Incorrect code submissions."},
	{ID: otpauth.MetricOTPAlreadyUsed, Name: "otpauth_otp_already_used_total", Help: "Submissions of consumed or superseded codes."},
	{ID: otpauth.MetricOTPExpired, Name: "otpauth_otp_expired_total", Help: "Submissions of expired codes."},
	{ID: otpauth.MetricOTPAttemptsExceeded, Name: "otpauth_otp_attempts_exceeded_total", Help: "Submissions past the attempt ceiling."},
	{ID: otpauth.MetricOTPNotFound, Name: "otpauth_otp_not_found_total", Help: "Submissions with no active code."},
	{ID: otpauth.MetricAccountCreated, Name: "otpauth_account_created_total", Help: "Accounts created on first verification."},
	{ID: otpauth.MetricSessionCreated, Name: "otpauth_session_created_total", Help: "Created sessions."},
	{ID: otpauth.MetricSessionInvalidated, Name: "otpauth_session_invalidated_total", Help: "Invalidated sessions."},
	{ID: otpauth.MetricSignOut, Name: "otpauth_sign_out_total", Help: "Single-session sign-outs."},
	{ID: otpauth.MetricMagicLinkIssued, Name: "otpauth_magic_link_issued_total", Help: "Magic links issued."},
	{ID: otpauth.MetricMagicLinkRedeemed, Name: "otpauth_magic_link_redeemed_total", Help: "Magic links redeemed."},
	{ID: otpauth.MetricMagicLinkRejected, Name: "otpauth_magic_link_rejected_total", Help: "Expired, unknown or reused magic links."},
	{ID: otpauth.MetricHandoffMinted, Name: "otpauth_handoff_minted_total", Help: "Handoff tokens minted."},
	{ID: otpauth.MetricHandoffRedeemed, Name: "otpauth_handoff_redeemed_total", Help: "Handoff tokens redeemed."},
	{ID: otpauth.MetricHandoffRejected, Name: "otpauth_handoff_rejected_total", Help: "Handoff redemptions or mints rejected."},
	{ID: otpauth.MetricGuestMerged, Name: "otpauth_guest_merged_total", Help: "Guest markers merged into an account."},
	{ID: otpauth.MetricGuestMergeSkipped, Name: "otpauth_guest_merge_skipped_total", Help: "Guest markers found already merged."},
	{ID: otpauth.MetricGuestMergeFailed, Name: "otpauth_guest_merge_failed_total", Help: "Guest marker merges that failed."},
	{ID: otpauth.MetricEligibilityGranted, Name: "otpauth_eligibility_granted_total", Help: "Eligibility checks that passed."},
	{ID: otpauth.MetricEligibilityDenied, Name: "otpauth_eligibility_denied_total", Help: "Eligibility checks that failed."},
	{ID: otpauth.MetricRateLimitHit, Name: "otpauth_rate_limit_hit_total", Help: "Requests denied by a rate limit or cooldown."},
}

var HistogramDefs = []HistogramDef{
	{ID: otpauth.MetricVerifyLatency, Name: "otpauth_verify_latency_seconds", Help: "VerifyOTP latency histogram."},
}

// HistogramBounds are the Prometheus le labels of the engine buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix spells HistogramBounds for instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed array, padding missing buckets with zero.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
