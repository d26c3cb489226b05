package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MrEthical07/otpauth"
)

func TestProfileLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.GetByIdentity(ctx, "bob@example.com"); !errors.Is(err, otpauth.ErrSubjectNotFound) {
		t.Fatalf("expected ErrSubjectNotFound, got %v", err)
	}

	created, err := s.Create(ctx, otpauth.Profile{SubjectID: "s1", Identity: "Bob@Example.com"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.Identity != "bob@example.com" || created.CreatedAt.IsZero() {
		t.Fatalf("unexpected profile %+v", created)
	}

	if _, err := s.Create(ctx, otpauth.Profile{SubjectID: "s2", Identity: "bob@example.com"}); !errors.Is(err, otpauth.ErrProfileExists) {
		t.Fatalf("expected ErrProfileExists, got %v", err)
	}

	got, err := s.GetByIdentity(ctx, " bob@example.com ")
	if err != nil || got.SubjectID != "s1" {
		t.Fatalf("GetByIdentity = %+v, %v", got, err)
	}

	got.ConsumedUsageUnits = 99
	again, _ := s.GetBySubject(ctx, "s1")
	if again.ConsumedUsageUnits != 0 {
		t.Fatal("expected returned profiles to be copies")
	}

	if err := s.AddUsage("s1", 2); err != nil {
		t.Fatalf("AddUsage failed: %v", err)
	}
	again, _ = s.GetBySubject(ctx, "s1")
	if again.ConsumedUsageUnits != 2 {
		t.Fatalf("expected usage 2, got %d", again.ConsumedUsageUnits)
	}
	if err := s.AddUsage("missing", 1); !errors.Is(err, otpauth.ErrSubjectNotFound) {
		t.Fatalf("expected ErrSubjectNotFound, got %v", err)
	}
}

func TestTemporaryPasswordWriteOnce(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.SetTemporaryPassword(ctx, "s1", "hash"); !errors.Is(err, otpauth.ErrSubjectNotFound) {
		t.Fatalf("expected ErrSubjectNotFound, got %v", err)
	}
	if _, err := s.Create(ctx, otpauth.Profile{SubjectID: "s1", Identity: "a@example.com"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.SetTemporaryPassword(ctx, "s1", "hash-1"); err != nil {
		t.Fatalf("SetTemporaryPassword failed: %v", err)
	}
	if err := s.SetTemporaryPassword(ctx, "s1", "hash-2"); !errors.Is(err, otpauth.ErrTemporaryPasswordSet) {
		t.Fatalf("expected ErrTemporaryPasswordSet, got %v", err)
	}
	if !s.HasTemporaryPassword("s1") {
		t.Fatal("expected temporary password to be recorded")
	}
}

func TestReparentOnlyMovesUnownedRecords(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.AddGuestRecord(GuestRecord{ID: "r1", Marker: "guest-1"})
	s.AddGuestRecord(GuestRecord{ID: "r2", Marker: "guest-1"})
	s.AddGuestRecord(GuestRecord{ID: "r3", Marker: "guest-1", OwnerID: "someone-else"})
	s.AddGuestRecord(GuestRecord{ID: "r4", Marker: "guest-2"})

	moved, err := s.Reparent(ctx, "guest-1", "s1")
	if err != nil {
		t.Fatalf("Reparent failed: %v", err)
	}
	if moved != 2 {
		t.Fatalf("expected 2 moved, got %d", moved)
	}

	moved, _ = s.Reparent(ctx, "guest-1", "s1")
	if moved != 0 {
		t.Fatalf("expected second reparent to move nothing, got %d", moved)
	}

	if n := len(s.RecordsOwnedBy("s1")); n != 2 {
		t.Fatalf("expected 2 owned records, got %d", n)
	}
	if n := len(s.RecordsOwnedBy("someone-else")); n != 1 {
		t.Fatalf("expected foreign record untouched, got %d", n)
	}
}

func TestReparentCanceledContext(t *testing.T) {
	s := New()
	s.AddGuestRecord(GuestRecord{ID: "r1", Marker: "guest-1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Reparent(ctx, "guest-1", "s1"); err == nil {
		t.Fatal("expected canceled context error")
	}
	if n := len(s.RecordsOwnedBy("s1")); n != 0 {
		t.Fatalf("expected nothing moved, got %d", n)
	}
}

func TestConcurrentCreateSameIdentity(t *testing.T) {
	s := New()
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := s.Create(ctx, otpauth.Profile{SubjectID: string(rune('a' + i)), Identity: "race@example.com"})
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("expected exactly one create, got %d", created)
	}
}
