package stores

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/otpauth/internal"
	"github.com/redis/go-redis/v9"
)

var (
	ErrGuestLinkNotFound = errors.New("guest link not found")
	ErrGuestLinkConflict = errors.New("guest link bound to another subject")
	ErrGuestLinkBackend  = errors.New("guest link backend unavailable")
)

// bindGuestLua binds a guest marker to a subject on first sight.
// KEYS[1] = link key
// ARGV[1] = subject id
// ARGV[2] = now (unix ms)
// ARGV[3] = link ttl (ms), 0 keeps the link forever
//
// Returns the merged flag (0 or 1), or {err='conflict'}.
var bindGuestLua = redis.NewScript(`
local subject = redis.call('HGET', KEYS[1], 's')
if not subject then
  redis.call('HSET', KEYS[1], 's', ARGV[1], 'm', '0', 'c', ARGV[2])
  if tonumber(ARGV[3]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[3])
  end
  return 0
end
if subject ~= ARGV[1] then
  return {err='conflict'}
end
return tonumber(redis.call('HGET', KEYS[1], 'm'))
`)

// markGuestMergedLua sets the consumption marker for the bound subject only.
var markGuestMergedLua = redis.NewScript(`
local subject = redis.call('HGET', KEYS[1], 's')
if not subject then
  return {err='not_found'}
end
if subject ~= ARGV[1] then
  return {err='conflict'}
end
redis.call('HSET', KEYS[1], 'm', '1', 'mt', ARGV[2])
return 1
`)

var releaseLockLua = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// GuestLink maps a pre-authentication marker to the subject it was merged into.
type GuestLink struct {
	Marker    string
	SubjectID string
	Merged    bool
	CreatedAt time.Time
	MergedAt  time.Time
}

type GuestLinkStore struct {
	redis   redis.UniversalClient
	prefix  string
	linkTTL time.Duration
}

func NewGuestLinkStore(redisClient redis.UniversalClient, prefix string, linkTTL time.Duration) *GuestLinkStore {
	if prefix == "" {
		prefix = "ogl"
	}
	return &GuestLinkStore{
		redis:   redisClient,
		prefix:  prefix,
		linkTTL: linkTTL,
	}
}

func (s *GuestLinkStore) key(marker string) string {
	return s.prefix + ":" + marker
}

func (s *GuestLinkStore) lockKey(marker string) string {
	return s.prefix + "k:" + marker
}

// Bind creates the link for marker when absent and reports whether the
// marker has already been merged into subjectID.
func (s *GuestLinkStore) Bind(ctx context.Context, marker, subjectID string, now time.Time) (bool, error) {
	merged, err := bindGuestLua.Run(ctx, s.redis,
		[]string{s.key(marker)},
		subjectID,
		now.UnixMilli(),
		s.linkTTL.Milliseconds(),
	).Int64()
	if err != nil {
		if err.Error() == "conflict" {
			return false, ErrGuestLinkConflict
		}
		return false, fmt.Errorf("%w: %v", ErrGuestLinkBackend, err)
	}
	return merged == 1, nil
}

func (s *GuestLinkStore) Get(ctx context.Context, marker string) (*GuestLink, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(marker)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGuestLinkBackend, err)
	}
	if fields["s"] == "" {
		return nil, ErrGuestLinkNotFound
	}

	link := &GuestLink{
		Marker:    marker,
		SubjectID: fields["s"],
		Merged:    fields["m"] == "1",
		CreatedAt: parseUnixMilli(fields["c"]),
		MergedAt:  parseUnixMilli(fields["mt"]),
	}
	return link, nil
}

// MarkMerged records that the guest data behind marker now belongs to subjectID.
func (s *GuestLinkStore) MarkMerged(ctx context.Context, marker, subjectID string, now time.Time) error {
	err := markGuestMergedLua.Run(ctx, s.redis,
		[]string{s.key(marker)},
		subjectID,
		now.UnixMilli(),
	).Err()
	if err == nil {
		return nil
	}
	switch err.Error() {
	case "not_found":
		return ErrGuestLinkNotFound
	case "conflict":
		return ErrGuestLinkConflict
	default:
		return fmt.Errorf("%w: %v", ErrGuestLinkBackend, err)
	}
}

// Lock takes the per-marker merge lock. The returned token releases it.
func (s *GuestLinkStore) Lock(ctx context.Context, marker string, ttl time.Duration) (string, bool, error) {
	token, err := internal.NewOpaqueToken()
	if err != nil {
		return "", false, err
	}

	ok, err := s.redis.SetNX(ctx, s.lockKey(marker), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrGuestLinkBackend, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Unlock releases the lock only if token still owns it.
func (s *GuestLinkStore) Unlock(ctx context.Context, marker, token string) error {
	if err := releaseLockLua.Run(ctx, s.redis, []string{s.lockKey(marker)}, token).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrGuestLinkBackend, err)
	}
	return nil
}

func parseUnixMilli(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
