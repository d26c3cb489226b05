package otpauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMergeIfNeededIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := WithGuestMarker(context.Background(), "guest-1")

	env.guests.add("guest-1", 2)

	first, err := env.engine.MergeIfNeeded(ctx, testIdentity, "subject-1")
	if err != nil {
		t.Fatalf("MergeIfNeeded failed: %v", err)
	}
	if first.Moved != 2 || first.AlreadyMerged() {
		t.Fatalf("unexpected first merge %+v", first)
	}

	// Records added later under the same marker are not swept in by a rerun.
	env.guests.add("guest-1", 1)

	second, err := env.engine.MergeIfNeeded(ctx, testIdentity, "subject-1")
	if err != nil {
		t.Fatalf("second MergeIfNeeded failed: %v", err)
	}
	if second.Moved != 0 || !second.AlreadyMerged() {
		t.Fatalf("expected second run to be a no-op, got %+v", second)
	}
	if got := env.guests.owned("subject-1"); got != 2 {
		t.Fatalf("expected 2 owned records, got %d", got)
	}

	snap := env.engine.MetricsSnapshot()
	if snap.Counters[MetricGuestMerged] != 2 || snap.Counters[MetricGuestMergeSkipped] != 2 {
		t.Fatalf("unexpected merge counters %+v", snap.Counters)
	}
}

func TestMergeIfNeededResumesAfterPartialFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.guests.add(testIdentity, 3)
	env.guests.failAfter = 1
	env.guests.failErr = errors.New("connection reset")

	res, err := env.engine.MergeIfNeeded(ctx, testIdentity, "subject-1")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if len(res.Merged) != 0 {
		t.Fatalf("expected nothing marked merged, got %+v", res)
	}

	link, err := env.engine.guestLinks.Get(ctx, testIdentity)
	if err != nil {
		t.Fatalf("guest link Get failed: %v", err)
	}
	if link.Merged {
		t.Fatal("merged flag must not be set after a partial failure")
	}

	res, err = env.engine.MergeIfNeeded(ctx, testIdentity, "subject-1")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if res.Moved != 2 {
		t.Fatalf("expected the remaining 2 records to move, got %d", res.Moved)
	}
	if got := env.guests.owned("subject-1"); got != 3 {
		t.Fatalf("expected 3 owned records, got %d", got)
	}
}

func TestMergeIfNeededConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := WithGuestMarker(context.Background(), "shared-device")

	env.guests.add("shared-device", 1)
	if _, err := env.engine.MergeIfNeeded(ctx, "bob@example.com", "subject-bob"); err != nil {
		t.Fatalf("MergeIfNeeded failed: %v", err)
	}

	res, err := env.engine.MergeIfNeeded(ctx, testIdentity, "subject-alice")
	if !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("expected ErrMergeConflict, got %v", err)
	}
	// The identity marker is still processed.
	if len(res.Merged) != 1 || res.Merged[0] != testIdentity {
		t.Fatalf("expected identity marker to merge, got %+v", res)
	}
	if got := env.guests.owned("subject-bob"); got != 1 {
		t.Fatalf("expected bob to keep the record, got %d", got)
	}
}

func TestMergeIfNeededInProgress(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.engine.guestLinks.Bind(ctx, testIdentity, "subject-1", time.Now()); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	token, ok, err := env.engine.guestLinks.Lock(ctx, testIdentity, time.Minute)
	if err != nil || !ok {
		t.Fatalf("Lock failed: %v %v", ok, err)
	}

	_, err = env.engine.MergeIfNeeded(ctx, testIdentity, "subject-1")
	if !errors.Is(err, ErrMergeInProgress) {
		t.Fatalf("expected ErrMergeInProgress, got %v", err)
	}

	if err := env.engine.guestLinks.Unlock(ctx, testIdentity, token); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if _, err := env.engine.MergeIfNeeded(ctx, testIdentity, "subject-1"); err != nil {
		t.Fatalf("expected merge after unlock, got %v", err)
	}
}

func TestMergeIfNeededConcurrent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.guests.add(testIdentity, 5)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.MergeIfNeeded(ctx, testIdentity, "subject-1")
			if err != nil && !errors.Is(err, ErrMergeInProgress) {
				t.Errorf("unexpected merge error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := env.guests.owned("subject-1"); got != 5 {
		t.Fatalf("expected 5 owned records, got %d", got)
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricGuestMerged]; got != 1 {
		t.Fatalf("expected exactly one merge run, got %d", got)
	}
}

func TestMergeMarkers(t *testing.T) {
	ctx := WithGuestMarker(context.Background(), " guest-1 ")

	got := mergeMarkers(ctx, testIdentity)
	if len(got) != 2 || got[0] != "guest-1" || got[1] != testIdentity {
		t.Fatalf("unexpected markers %v", got)
	}

	got = mergeMarkers(WithGuestMarker(context.Background(), testIdentity), testIdentity)
	if len(got) != 1 {
		t.Fatalf("expected duplicates to collapse, got %v", got)
	}

	if got := mergeMarkers(context.Background(), ""); len(got) != 0 {
		t.Fatalf("expected no markers, got %v", got)
	}
}
