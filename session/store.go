package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable is an exported constant or variable used by the authentication engine.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrSessionNotFound is returned when the session does not exist or has lapsed.
var ErrSessionNotFound = errors.New("session not found")

const minSlidingTTL = time.Second

const deleteSessionScript = `
local existed = redis.call("EXISTS", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
if existed == 1 then
  redis.call("DEL", KEYS[1])
end
return existed
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// Store is a Redis-backed session store that handles persistence, expiration
// and sliding window renewal capped by the absolute lifetime.
type Store struct {
	redis       redis.UniversalClient
	prefix      string
	sliding     bool
	idleTTL     time.Duration
	jitterRange time.Duration
	now         func() time.Time
}

// NewStore creates a session [Store] backed by the given Redis client.
// prefix sets the Redis key namespace. With sliding, every read pushes the
// expiry to idleTTL from now; jitterRange spreads the resulting key TTLs.
func NewStore(
	redis redis.UniversalClient,
	prefix string,
	sliding bool,
	idleTTL time.Duration,
	jitterRange time.Duration,
) *Store {
	if prefix == "" {
		prefix = "os"
	}
	return &Store{
		redis:       redis,
		prefix:      prefix,
		sliding:     sliding,
		idleTTL:     idleTTL,
		jitterRange: jitterRange,
		now:         time.Now,
	}
}

// SetClock replaces the time source used for expiry decisions.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *Store) subjectKey(subjectID string) string {
	return s.prefix + "u:" + subjectID
}

// Save persists a [Session] to Redis with the given TTL and indexes it under its subject.
//
//	Performance: 1 MULTI (SET + SADD).
func (s *Store) Save(ctx context.Context, sess *Session, ttl time.Duration) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.SessionID), data, ttl)
		pipe.SAdd(ctx, s.subjectKey(sess.SubjectID), sess.SessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// Get retrieves a session by ID. absoluteLifetime caps sliding renewal.
// When sliding, the returned session carries the renewed ExpiresAt.
//
//	Performance: 1 Redis GET, plus 1 SET XX when sliding.
func (s *Store) Get(ctx context.Context, sessionID string, absoluteLifetime time.Duration) (*Session, error) {
	key := s.key(sessionID)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, err
	}
	sess.SessionID = sessionID

	now := s.now()
	remainingAbsolute := remainingAbsoluteTTL(sess, absoluteLifetime, now)
	if remainingAbsolute <= 0 {
		if err := s.deleteSessionAndIndex(ctx, sess.SubjectID, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrSessionNotFound
	}

	if s.sliding && s.idleTTL > 0 {
		if err := s.renew(ctx, key, sess, absoluteLifetime, now); err != nil {
			return nil, err
		}
	}

	return sess, nil
}

// renew moves sess.ExpiresAt to idleTTL from now, never past the absolute
// cap, and rewrites the record only if it still exists so a concurrent
// delete is not undone.
func (s *Store) renew(ctx context.Context, key string, sess *Session, absoluteLifetime time.Duration, now time.Time) error {
	renewed := now.Add(s.idleTTL)
	if absoluteLifetime > 0 {
		if limit := time.Unix(sess.CreatedAt, 0).Add(absoluteLifetime); renewed.After(limit) {
			renewed = limit
		}
	}

	nextTTL, err := s.nextSlidingTTL(renewed.Sub(now))
	if err != nil {
		return err
	}

	sess.ExpiresAt = renewed.Unix()
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	ok, err := s.redis.SetXX(ctx, key, data, nextTTL).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if !ok {
		return ErrSessionNotFound
	}
	return nil
}

// Delete removes a session and its index entry. Deleting a missing session is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return err
	}

	return s.deleteSessionAndIndex(ctx, sess.SubjectID, sessionID)
}

// DeleteAllForSubject removes every session indexed under subjectID.
//
// A session created between the read of the index and the delete is not
// captured; it expires on its own or is caught by the next call.
//
// DeleteAllForSubject may return an error when input validation, dependency calls, or security checks fail.
// DeleteAllForSubject does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Store) DeleteAllForSubject(ctx context.Context, subjectID string) error {
	subjectKey := s.subjectKey(subjectID)

	sessionIDs, err := s.ActiveSessionIDs(ctx, subjectID)
	if err != nil {
		return err
	}
	if len(sessionIDs) == 0 {
		return nil
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, sid := range sessionIDs {
			pipe.Del(ctx, s.key(sid))
		}
		pipe.Del(ctx, subjectKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// ActiveSessionIDs returns tracked session IDs for a subject.
func (s *Store) ActiveSessionIDs(ctx context.Context, subjectID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.subjectKey(subjectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ids, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func remainingAbsoluteTTL(sess *Session, absoluteLifetime time.Duration, now time.Time) time.Duration {
	storedExpiry := time.Unix(sess.ExpiresAt, 0)
	if absoluteLifetime <= 0 {
		return storedExpiry.Sub(now)
	}

	configCap := time.Unix(sess.CreatedAt, 0).Add(absoluteLifetime)
	if configCap.Before(storedExpiry) {
		return configCap.Sub(now)
	}

	return storedExpiry.Sub(now)
}

func (s *Store) nextSlidingTTL(remainingAbsolute time.Duration) (time.Duration, error) {
	nextTTL := remainingAbsolute

	if s.jitterRange > 0 {
		jitter, err := randomJitter(s.jitterRange)
		if err != nil {
			return 0, err
		}
		nextTTL += jitter
	}

	if nextTTL > remainingAbsolute {
		nextTTL = remainingAbsolute
	}

	minTTL := minSlidingTTL
	if remainingAbsolute < minTTL {
		minTTL = remainingAbsolute
	}
	if nextTTL < minTTL {
		nextTTL = minTTL
	}

	return nextTTL, nil
}

func randomJitter(jitterRange time.Duration) (time.Duration, error) {
	if jitterRange <= 0 {
		return 0, nil
	}

	max := jitterRange.Nanoseconds()
	if max > (math.MaxInt64-1)/2 {
		return 0, errors.New("jitter range too large")
	}
	span := max*2 + 1

	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return 0, err
	}

	return time.Duration(n.Int64() - max), nil
}

func (s *Store) deleteSessionAndIndex(ctx context.Context, subjectID, sessionID string) error {
	_, err := deleteSessionLua.Run(ctx, s.redis,
		[]string{s.key(sessionID), s.subjectKey(subjectID)},
		sessionID,
	).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}
