package otpauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/otpauth/internal/stores"
)

// MergeIfNeeded moves guest records created before authentication to
// subjectID. Records are looked up under the caller's guest marker (see
// WithGuestMarker) and under identity itself.
//
// Each marker is merged at most once per subject. The guest link's merged
// flag decides this, not the presence of guest data, so a run that stopped
// half way is finished by the next call instead of repeated. A marker bound
// to another subject yields ErrMergeConflict; a marker whose merge is
// running elsewhere yields ErrMergeInProgress. The remaining markers are
// still processed and the first error is returned with the partial result.
//
// MergeIfNeeded may return an error when input validation, dependency calls, or security checks fail.
// MergeIfNeeded does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) MergeIfNeeded(ctx context.Context, identity, subjectID string) (*MergeResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if subjectID == "" {
		return nil, ErrSubjectNotFound
	}

	result := &MergeResult{SubjectID: subjectID}
	if !e.config.Guest.MergeEnabled || e.guests == nil {
		return result, nil
	}

	var firstErr error
	for _, marker := range mergeMarkers(ctx, identity) {
		skipped, moved, err := e.mergeMarker(ctx, marker, subjectID)
		switch {
		case err != nil:
			e.metricInc(MetricGuestMergeFailed)
			if firstErr == nil {
				firstErr = err
			}
		case skipped:
			e.metricInc(MetricGuestMergeSkipped)
			result.Skipped = append(result.Skipped, marker)
		default:
			e.metricInc(MetricGuestMerged)
			result.Merged = append(result.Merged, marker)
			result.Moved += moved
		}
	}

	e.emitAudit(ctx, auditEventGuestMerge, firstErr == nil, subjectID, identity, "", firstErr, func() map[string]string {
		return map[string]string{
			"merged":  strconv.Itoa(len(result.Merged)),
			"skipped": strconv.Itoa(len(result.Skipped)),
			"moved":   strconv.Itoa(result.Moved),
		}
	})

	return result, firstErr
}

// mergeMarker runs one marker through bind, lock, re-check, reparent and
// mark. The merged flag is written last so an interrupted run is retried.
func (e *Engine) mergeMarker(ctx context.Context, marker, subjectID string) (bool, int, error) {
	merged, err := e.guestLinks.Bind(ctx, marker, subjectID, e.clock())
	if err != nil {
		return false, 0, mapGuestLinkError(err)
	}
	if merged {
		return true, 0, nil
	}

	token, locked, err := e.guestLinks.Lock(ctx, marker, e.config.Guest.LockTTL)
	if err != nil {
		return false, 0, mapGuestLinkError(err)
	}
	if !locked {
		return false, 0, ErrMergeInProgress
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.guestLinks.Unlock(uctx, marker, token); err != nil {
			log.Printf("otpauth: guest merge unlock failed: %v", err)
		}
	}()

	// Another run may have finished between Bind and Lock.
	merged, err = e.guestLinks.Bind(ctx, marker, subjectID, e.clock())
	if err != nil {
		return false, 0, mapGuestLinkError(err)
	}
	if merged {
		return true, 0, nil
	}

	moved, err := e.guests.Reparent(ctx, marker, subjectID)
	if err != nil {
		log.Printf("otpauth: guest reparent failed: %v", err)
		return false, 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := e.guestLinks.MarkMerged(ctx, marker, subjectID, e.clock()); err != nil {
		return false, moved, mapGuestLinkError(err)
	}
	return false, moved, nil
}

// mergeMarkers lists the keys guest records may carry for this caller, the
// context marker first. Duplicates and blanks are dropped.
func mergeMarkers(ctx context.Context, identity string) []string {
	markers := make([]string, 0, 2)
	seen := make(map[string]struct{}, 2)
	for _, m := range []string{guestMarkerFromContext(ctx), identity} {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		markers = append(markers, m)
	}
	return markers
}

func mapGuestLinkError(err error) error {
	switch {
	case errors.Is(err, stores.ErrGuestLinkConflict):
		return ErrMergeConflict
	case errors.Is(err, stores.ErrGuestLinkNotFound):
		// The link expired between bind and mark; the next run rebinds it.
		return ErrMergeInProgress
	default:
		log.Printf("otpauth: guest link store unavailable: %v", err)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}
