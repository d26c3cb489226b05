package stores

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/otpauth/internal"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var testPepper = []byte("0123456789abcdef0123456789abcdef")

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func hasherFor(t *testing.T, identity, code string) CodeHasher {
	t.Helper()
	return func(salt [16]byte) ([32]byte, error) {
		return internal.HashOTP(testPepper, internal.Salt(salt), identity, code)
	}
}

func newChallenge(t *testing.T, identity, code string, now time.Time, ttl time.Duration) *Challenge {
	t.Helper()

	id, err := internal.NewChallengeID()
	if err != nil {
		t.Fatalf("NewChallengeID failed: %v", err)
	}
	salt, err := internal.NewSalt()
	if err != nil {
		t.Fatalf("NewSalt failed: %v", err)
	}
	hash, err := internal.HashOTP(testPepper, salt, identity, code)
	if err != nil {
		t.Fatalf("HashOTP failed: %v", err)
	}
	return &Challenge{
		ID:        id,
		State:     ChallengeActive,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
		Salt:      salt,
		CodeHash:  hash,
	}
}

func TestChallengeEncodeDecode(t *testing.T) {
	now := time.Now()
	c := newChallenge(t, "a@x.com", "1234", now, 5*time.Minute)
	c.Flow = 1
	c.Attempts = 3
	c.supersede(newChallenge(t, "a@x.com", "0000", now, 5*time.Minute))

	data, err := encodeChallenge(c)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(data) != challengeRecordSize {
		t.Fatalf("expected %d bytes, got %d", challengeRecordSize, len(data))
	}
	got, err := decodeChallenge(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if *got != *c {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, c)
	}

	data[0] = 9
	if _, err := decodeChallenge(data); err == nil {
		t.Fatal("expected version error")
	}
}

func TestChallengeConsumeSuccessThenAlreadyUsed(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := NewChallengeStore(rdb, "")
	ctx := context.Background()
	now := time.Now()

	c := newChallenge(t, "a@x.com", "1234", now, 5*time.Minute)
	if _, err := store.Upsert(ctx, "a@x.com", c, time.Hour, now); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.Consume(ctx, "a@x.com", hasherFor(t, "a@x.com", "1234"), 5, now)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if got.State != ChallengeConsumed || got.ConsumedAt != now.UnixMilli() || got.Attempts != 1 {
		t.Fatalf("unexpected consumed record: %+v", got)
	}

	if _, err := store.Consume(ctx, "a@x.com", hasherFor(t, "a@x.com", "1234"), 5, now); !errors.Is(err, ErrChallengeConsumed) {
		t.Fatalf("expected ErrChallengeConsumed, got %v", err)
	}
}

func TestChallengeMismatchCountsAttemptsAndLocks(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := NewChallengeStore(rdb, "")
	ctx := context.Background()
	now := time.Now()

	c := newChallenge(t, "a@x.com", "1234", now, 5*time.Minute)
	if _, err := store.Upsert(ctx, "a@x.com", c, time.Hour, now); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		_, err := store.Consume(ctx, "a@x.com", hasherFor(t, "a@x.com", "0000"), 3, now)
		if !errors.Is(err, ErrChallengeMismatch) {
			t.Fatalf("attempt %d: expected mismatch, got %v", i, err)
		}
	}

	// The ceiling is reached; even the right code is refused from now on.
	if _, err := store.Consume(ctx, "a@x.com", hasherFor(t, "a@x.com", "1234"), 3, now); !errors.Is(err, ErrChallengeAttemptsExceeded) {
		t.Fatalf("expected attempts exceeded, got %v", err)
	}
	if _, err := store.Consume(ctx, "a@x.com", hasherFor(t, "a@x.com", "1234"), 3, now); !errors.Is(err, ErrChallengeAttemptsExceeded) {
		t.Fatalf("expected locked record to stay locked, got %v", err)
	}

	rec, err := store.Get(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.State != ChallengeLocked {
		t.Fatalf("expected locked state, got %d", rec.State)
	}
}

func TestChallengeExpired(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := NewChallengeStore(rdb, "")
	ctx := context.Background()
	now := time.Now()

	c := newChallenge(t, "a@x.com", "1234", now, 2*time.Minute)
	if _, err := store.Upsert(ctx, "a@x.com", c, time.Hour, now); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	later := now.Add(2*time.Minute + time.Second)
	if _, err := store.Consume(ctx, "a@x.com", hasherFor(t, "a@x.com", "1234"), 5, later); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}

	// After retention lapses the record is gone entirely.
	mr.FastForward(2*time.Hour + time.Minute)
	if _, err := store.Consume(ctx, "a@x.com", hasherFor(t, "a@x.com", "1234"), 5, later); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
}

func TestChallengeSupersededCodeReportsAlreadyUsed(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := NewChallengeStore(rdb, "")
	ctx := context.Background()
	now := time.Now()

	first := newChallenge(t, "a@x.com", "1111", now, 5*time.Minute)
	if _, err := store.Upsert(ctx, "a@x.com", first, time.Hour, now); err != nil {
		t.Fatalf("first Upsert failed: %v", err)
	}
	second := newChallenge(t, "a@x.com", "2222", now, 5*time.Minute)
	prev, err := store.Upsert(ctx, "a@x.com", second, time.Hour, now)
	if err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	if prev == nil || len(prev.Data) != challengeRecordSize || prev.TTL <= 0 {
		t.Fatalf("expected captured predecessor, got %+v", prev)
	}

	if _, err := store.Consume(ctx, "a@x.com", hasherFor(t, "a@x.com", "1111"), 5, now); !errors.Is(err, ErrChallengeSuperseded) {
		t.Fatalf("expected ErrChallengeSuperseded for old code, got %v", err)
	}
	if _, err := store.Consume(ctx, "a@x.com", hasherFor(t, "a@x.com", "9999"), 5, now); !errors.Is(err, ErrChallengeMismatch) {
		t.Fatalf("expected ErrChallengeMismatch, got %v", err)
	}
	if _, err := store.Consume(ctx, "a@x.com", hasherFor(t, "a@x.com", "2222"), 5, now); err != nil {
		t.Fatalf("current code must still verify: %v", err)
	}
}

func TestChallengeRemembersRecentSupersededCodes(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := NewChallengeStore(rdb, "")
	ctx := context.Background()
	now := time.Now()

	codes := []string{"1001", "1002", "1003", "1004", "1005", "1006"}
	for _, code := range codes {
		if _, err := store.Upsert(ctx, "a@x.com", newChallenge(t, "a@x.com", code, now, 5*time.Minute), time.Hour, now); err != nil {
			t.Fatalf("Upsert %s failed: %v", code, err)
		}
	}

	current, err := store.Get(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	for i, replaced := range current.Replaced {
		if replaced.empty() {
			t.Fatalf("replaced slot %d empty after %d issuances", i, len(codes))
		}
	}

	// The oldest code fell out of the ring and is just wrong now.
	if _, err := store.Consume(ctx, "a@x.com", hasherFor(t, "a@x.com", "1001"), 20, now); !errors.Is(err, ErrChallengeMismatch) {
		t.Fatalf("expected ErrChallengeMismatch for evicted code, got %v", err)
	}
	for _, code := range codes[1:5] {
		if _, err := store.Consume(ctx, "a@x.com", hasherFor(t, "a@x.com", code), 20, now); !errors.Is(err, ErrChallengeSuperseded) {
			t.Fatalf("expected ErrChallengeSuperseded for %s, got %v", code, err)
		}
	}
	if _, err := store.Consume(ctx, "a@x.com", hasherFor(t, "a@x.com", "1006"), 20, now); err != nil {
		t.Fatalf("current code must still verify: %v", err)
	}
}

func TestChallengeUpsertAfterConsumeHasNoPredecessor(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := NewChallengeStore(rdb, "")
	ctx := context.Background()
	now := time.Now()

	first := newChallenge(t, "a@x.com", "1111", now, 5*time.Minute)
	if _, err := store.Upsert(ctx, "a@x.com", first, time.Hour, now); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if _, err := store.Consume(ctx, "a@x.com", hasherFor(t, "a@x.com", "1111"), 5, now); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	second := newChallenge(t, "a@x.com", "2222", now, 5*time.Minute)
	prev, err := store.Upsert(ctx, "a@x.com", second, time.Hour, now)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if prev != nil {
		t.Fatalf("consumed record must not be captured as predecessor")
	}
	if !second.Replaced[0].empty() {
		t.Fatal("new record must not carry a predecessor hash")
	}
}

func TestChallengeRestore(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := NewChallengeStore(rdb, "")
	ctx := context.Background()
	now := time.Now()

	first := newChallenge(t, "a@x.com", "1111", now, 5*time.Minute)
	if _, err := store.Upsert(ctx, "a@x.com", first, time.Hour, now); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	second := newChallenge(t, "a@x.com", "2222", now, 5*time.Minute)
	prev, err := store.Upsert(ctx, "a@x.com", second, time.Hour, now)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	ok, err := store.Restore(ctx, "a@x.com", second.ID, prev)
	if err != nil || !ok {
		t.Fatalf("Restore failed: ok=%v err=%v", ok, err)
	}

	active, err := store.IsActive(ctx, "a@x.com", first.ID, now)
	if err != nil || !active {
		t.Fatalf("expected predecessor active again: active=%v err=%v", active, err)
	}
	if _, err := store.Consume(ctx, "a@x.com", hasherFor(t, "a@x.com", "1111"), 5, now); err != nil {
		t.Fatalf("restored code must verify: %v", err)
	}

	// A second restore for the rolled-back id is a no-op.
	ok, err = store.Restore(ctx, "a@x.com", second.ID, prev)
	if err != nil || ok {
		t.Fatalf("expected no-op restore: ok=%v err=%v", ok, err)
	}
}

func TestChallengeRestoreWithoutPredecessorDeletes(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := NewChallengeStore(rdb, "")
	ctx := context.Background()
	now := time.Now()

	c := newChallenge(t, "a@x.com", "1111", now, 5*time.Minute)
	prev, err := store.Upsert(ctx, "a@x.com", c, time.Hour, now)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if ok, err := store.Restore(ctx, "a@x.com", c.ID, prev); err != nil || !ok {
		t.Fatalf("Restore failed: ok=%v err=%v", ok, err)
	}
	if _, err := store.Get(ctx, "a@x.com"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected record removed, got %v", err)
	}
}

func TestChallengeIsActive(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := NewChallengeStore(rdb, "")
	ctx := context.Background()
	now := time.Now()

	if active, err := store.IsActive(ctx, "a@x.com", [16]byte{1}, now); err != nil || active {
		t.Fatalf("missing record must be inactive: active=%v err=%v", active, err)
	}

	c := newChallenge(t, "a@x.com", "1111", now, time.Minute)
	if _, err := store.Upsert(ctx, "a@x.com", c, time.Hour, now); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if active, _ := store.IsActive(ctx, "a@x.com", c.ID, now); !active {
		t.Fatal("expected active")
	}
	if active, _ := store.IsActive(ctx, "a@x.com", c.ID, now.Add(2*time.Minute)); active {
		t.Fatal("expected inactive after expiry")
	}
	if active, _ := store.IsActive(ctx, "a@x.com", [16]byte{1}, now); active {
		t.Fatal("foreign id must be inactive")
	}
}

func TestChallengeConcurrentConsumeSingleWinner(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := NewChallengeStore(rdb, "")
	ctx := context.Background()
	now := time.Now()

	c := newChallenge(t, "a@x.com", "1234", now, 5*time.Minute)
	if _, err := store.Upsert(ctx, "a@x.com", c, time.Hour, now); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Consume(ctx, "a@x.com", hasherFor(t, "a@x.com", "1234"), 100, now)
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrChallengeConsumed) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Fatalf("expected exactly one success, got %d", success)
	}
}

func TestChallengeBackendDown(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewChallengeStore(rdb, "")
	mr.Close()

	now := time.Now()
	c := newChallenge(t, "a@x.com", "1234", now, time.Minute)
	if _, err := store.Upsert(context.Background(), "a@x.com", c, time.Hour, now); !errors.Is(err, ErrChallengeBackend) {
		t.Fatalf("expected ErrChallengeBackend, got %v", err)
	}
	if _, err := store.Consume(context.Background(), "a@x.com", hasherFor(t, "a@x.com", "1234"), 5, now); !errors.Is(err, ErrChallengeBackend) {
		t.Fatalf("expected ErrChallengeBackend, got %v", err)
	}
}
