package otpauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/MrEthical07/otpauth/internal"
	"github.com/MrEthical07/otpauth/internal/stores"
	"github.com/google/uuid"
)

// VerifyOTP checks req.Code against the active challenge for req.Identity and,
// on success, authenticates the identity.
//
// Each failure has its own error: ErrNoCodeFound, ErrCodeExpired,
// ErrCodeAlreadyUsed (consumed or superseded), ErrIncorrectCode (retryable
// up to the attempt ceiling) and ErrTooManyAttempts. A code can succeed once.
//
// On success the account is created on first sight, guest data is merged
// for new accounts, and the result carries a session, a magic link or a
// handoff grant depending on req.Origin and the challenge's flow.
//
// VerifyOTP may return an error when input validation, dependency calls, or security checks fail.
// VerifyOTP does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) VerifyOTP(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() { e.metrics.Observe(MetricVerifyLatency, time.Since(start)) }()
	}

	identity, err := e.normalizeIdentity(req.Identity)
	if err != nil {
		return nil, err
	}

	// An embedded verification is useless without a trusted recipient, so
	// reject it before the code is spent.
	destination := ""
	if req.Origin == OriginEmbedded {
		destination, err = e.trustedOrigin(req.DestinationOrigin)
		if err != nil {
			e.emitAudit(ctx, auditEventHandoffRejected, false, "", identity, "", err, nil)
			return nil, err
		}
	}

	if err := e.verifyLimiter.Check(ctx, clientIPFromContext(ctx)); err != nil {
		return nil, e.mapLimiterError(ctx, "verify", identity, err)
	}

	code := strings.TrimSpace(req.Code)
	hasher := func(salt [16]byte) ([32]byte, error) {
		return internal.HashOTP(e.config.OTP.Pepper, internal.Salt(salt), identity, code)
	}
	challenge, err := e.challenges.Consume(ctx, identity, hasher, e.config.OTP.MaxAttempts, e.clock())
	if err != nil {
		mapped := mapChallengeStoreError(err)
		e.recordVerifyFailure(ctx, identity, mapped)
		if KindOf(mapped) == KindUnavailable {
			log.Printf("otpauth: challenge consume failed: %v", err)
		}
		return nil, mapped
	}

	flow := Flow(challenge.Flow)
	e.metricInc(MetricOTPVerified)
	e.emitAudit(ctx, auditEventOTPVerified, true, "", identity, "", nil, func() map[string]string {
		return map[string]string{"flow": flow.String()}
	})

	profile, created, err := e.ensureProfile(ctx, identity, flow)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{
		SubjectID:      profile.SubjectID,
		Identity:       identity,
		Flow:           flow,
		AccountCreated: created,
	}

	if e.config.Guest.MergeEnabled && (created || e.mergePending(ctx, identity, profile.SubjectID)) {
		merge, mergeErr := e.MergeIfNeeded(ctx, identity, profile.SubjectID)
		result.Merge = merge
		if mergeErr != nil {
			log.Printf("otpauth: guest merge for %s deferred: %v", maskIdentity(identity), mergeErr)
			result.MergeErr = mergeErr
		}
	}

	est, err := e.Establish(ctx, EstablishRequest{
		SubjectID:         profile.SubjectID,
		Identity:          identity,
		Flow:              flow,
		Origin:            req.Origin,
		DestinationOrigin: destination,
		PreferMagicLink:   req.PreferMagicLink,
	})
	if err != nil {
		return nil, err
	}
	result.Establishment = *est

	return result, nil
}

func (e *Engine) recordVerifyFailure(ctx context.Context, identity string, err error) {
	switch {
	case errors.Is(err, ErrIncorrectCode):
		e.metricInc(MetricOTPIncorrect)
	case errors.Is(err, ErrCodeAlreadyUsed):
		e.metricInc(MetricOTPAlreadyUsed)
	case errors.Is(err, ErrCodeExpired):
		e.metricInc(MetricOTPExpired)
	case errors.Is(err, ErrTooManyAttempts):
		e.metricInc(MetricOTPAttemptsExceeded)
	case errors.Is(err, ErrNoCodeFound):
		e.metricInc(MetricOTPNotFound)
	}
	e.emitAudit(ctx, auditEventOTPVerifyFailed, false, "", identity, "", err, nil)
}

// ensureProfile returns the account for identity, creating it on first
// successful verification. A concurrent creation for the same identity is
// resolved by re-reading the winner.
func (e *Engine) ensureProfile(ctx context.Context, identity string, flow Flow) (*Profile, bool, error) {
	profile, err := e.profiles.GetByIdentity(ctx, identity)
	if err == nil {
		return profile, false, nil
	}
	if !errors.Is(err, ErrSubjectNotFound) {
		log.Printf("otpauth: profile lookup failed: %v", err)
		return nil, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !e.config.Account.AutoCreate {
		return nil, false, ErrSubjectNotFound
	}

	profile, err = e.profiles.Create(ctx, Profile{
		SubjectID: uuid.NewString(),
		Identity:  identity,
		CreatedAt: e.clock().UTC(),
	})
	if errors.Is(err, ErrProfileExists) {
		profile, err = e.profiles.GetByIdentity(ctx, identity)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return profile, false, nil
	}
	if err != nil {
		log.Printf("otpauth: profile create failed: %v", err)
		return nil, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metricInc(MetricAccountCreated)
	e.emitAudit(ctx, auditEventAccountCreated, true, profile.SubjectID, identity, "", nil, func() map[string]string {
		return map[string]string{"flow": flow.String()}
	})

	if flow == FlowCheckout {
		e.setTemporaryPassword(ctx, profile.SubjectID)
	}

	return profile, true, nil
}

// setTemporaryPassword gives a checkout-created account a random credential.
// Only its argon2id hash is stored and the plaintext is dropped here: it is
// written once and never read back or sent anywhere.
func (e *Engine) setTemporaryPassword(ctx context.Context, subjectID string) {
	plain, err := internal.NewTemporaryPassword(e.config.Account.TemporaryPasswordLength)
	if err != nil {
		log.Printf("otpauth: temporary password generation failed: %v", err)
		return
	}
	encoded, err := e.passwordHash.Hash(plain)
	if err != nil {
		log.Printf("otpauth: temporary password hashing failed: %v", err)
		return
	}
	if err := e.profiles.SetTemporaryPassword(ctx, subjectID, encoded); err != nil &&
		!errors.Is(err, ErrTemporaryPasswordSet) {
		log.Printf("otpauth: temporary password store failed: %v", err)
	}
}

// mergePending reports whether an earlier merge for this subject stopped
// before its consumption marker was written.
func (e *Engine) mergePending(ctx context.Context, identity, subjectID string) bool {
	for _, marker := range mergeMarkers(ctx, identity) {
		link, err := e.guestLinks.Get(ctx, marker)
		if err != nil {
			if !errors.Is(err, stores.ErrGuestLinkNotFound) {
				log.Printf("otpauth: guest link lookup failed: %v", err)
			}
			continue
		}
		if link.SubjectID == subjectID && !link.Merged {
			return true
		}
	}
	return false
}
