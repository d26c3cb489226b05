package otpauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
)

// IsEligible reports whether subjectID has consumed at least
// Eligibility.MinUsageUnits of metered usage. The profile is read on every
// call; a decision is never reused, so usage recorded after sign-in counts
// immediately.
//
// IsEligible may return an error when input validation, dependency calls, or security checks fail.
// IsEligible does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) IsEligible(ctx context.Context, subjectID string) (bool, error) {
	if !e.ready() {
		return false, ErrEngineNotReady
	}
	if subjectID == "" {
		return false, ErrSubjectNotFound
	}

	profile, err := e.profiles.GetBySubject(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrSubjectNotFound) {
			return false, ErrSubjectNotFound
		}
		log.Printf("otpauth: profile lookup failed: %v", err)
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	eligible := profile.ConsumedUsageUnits >= e.config.Eligibility.MinUsageUnits
	if eligible {
		e.metricInc(MetricEligibilityGranted)
	} else {
		e.metricInc(MetricEligibilityDenied)
	}
	e.emitAudit(ctx, auditEventEligibility, eligible, subjectID, profile.Identity, "", nil, func() map[string]string {
		return map[string]string{
			"usage":     strconv.FormatInt(profile.ConsumedUsageUnits, 10),
			"threshold": strconv.FormatInt(e.config.Eligibility.MinUsageUnits, 10),
		}
	})

	return eligible, nil
}
