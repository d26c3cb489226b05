package stores

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	challengeRecordVersionV2 = 2

	// SupersededDepth is how many replaced codes a record still recognises.
	SupersededDepth = 4

	challengeRecordSize = 93 + SupersededDepth*48
)

// ChallengeState is the lifecycle position of a challenge record.
type ChallengeState uint8

const (
	ChallengeActive ChallengeState = iota
	ChallengeConsumed
	// ChallengeLocked marks a challenge that hit the attempt ceiling.
	ChallengeLocked
)

var (
	ErrChallengeNotFound         = errors.New("challenge not found")
	ErrChallengeConsumed         = errors.New("challenge already consumed")
	ErrChallengeExpired          = errors.New("challenge expired")
	ErrChallengeAttemptsExceeded = errors.New("challenge attempts exceeded")
	ErrChallengeMismatch         = errors.New("challenge code mismatch")
	ErrChallengeSuperseded       = errors.New("challenge superseded")
	ErrChallengeBackend          = errors.New("challenge backend unavailable")
)

// consumeChallengeLua atomically performs GET→validate→SET on a challenge record.
// KEYS[1] = record key
// ARGV[1] = expected challenge id (16 bytes)
// ARGV[2] = provided code hash (32 bytes)
// ARGV[3] = "1" when the code matched one of the superseded codes
// ARGV[4] = max attempts
// ARGV[5] = now (unix ms)
//
// Returns:
//
//	updated record bytes on success
//	error string: "not_found", "stale", "consumed", "locked", "expired",
//	"attempts_exceeded", "superseded", "mismatch"
var consumeChallengeLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end
if string.byte(data, 1) ~= 2 or #data ~= 285 then
  redis.call('DEL', KEYS[1])
  return {err='not_found'}
end

local function read_be(s, i, n)
  local v = 0
  for k = i, i + n - 1 do
    v = v * 256 + string.byte(s, k)
  end
  return v
end

local function write_be(v, n)
  local out = {}
  for k = n, 1, -1 do
    out[k] = string.char(v % 256)
    v = math.floor(v / 256)
  end
  return table.concat(out)
end

if string.sub(data, 30, 45) ~= ARGV[1] then
  return {err='stale'}
end

local state = string.byte(data, 2)
if state == 1 then
  return {err='consumed'}
end
if state == 2 then
  return {err='locked'}
end

local now = tonumber(ARGV[5])
if now > read_be(data, 14, 8) then
  return {err='expired'}
end

local ttl = redis.call('PTTL', KEYS[1])
if ttl <= 0 then
  redis.call('DEL', KEYS[1])
  return {err='not_found'}
end

local attempts = read_be(data, 4, 2) + 1
if attempts > tonumber(ARGV[4]) then
  local locked = string.sub(data, 1, 1) .. string.char(2) .. string.sub(data, 3, 3) .. write_be(attempts, 2) .. string.sub(data, 6)
  redis.call('SET', KEYS[1], locked, 'PX', ttl)
  return {err='attempts_exceeded'}
end

local counted = string.sub(data, 1, 3) .. write_be(attempts, 2) .. string.sub(data, 6)

if string.sub(data, 62, 93) ~= ARGV[2] then
  redis.call('SET', KEYS[1], counted, 'PX', ttl)
  if ARGV[3] == '1' then
    return {err='superseded'}
  end
  return {err='mismatch'}
end

local consumed = string.sub(counted, 1, 1) .. string.char(1) .. string.sub(counted, 3, 21) .. write_be(now, 8) .. string.sub(counted, 30)
redis.call('SET', KEYS[1], consumed, 'PX', ttl)
return consumed
`)

// restoreChallengeLua undoes an issuance whose delivery failed, but only while
// the record is still the one that issuance wrote and still unused.
// KEYS[1] = record key
// ARGV[1] = challenge id written by the failed issuance
// ARGV[2] = predecessor record bytes, or empty
// ARGV[3] = predecessor remaining ttl (ms)
var restoreChallengeLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return 0
end
if string.sub(data, 30, 45) ~= ARGV[1] or string.byte(data, 2) ~= 0 then
  return 0
end
local ttl = tonumber(ARGV[3])
if ARGV[2] ~= '' and ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
  redis.call('DEL', KEYS[1])
end
return 1
`)

// Challenge is one OTP challenge. Times are unix milliseconds.
type Challenge struct {
	ID         [16]byte
	State      ChallengeState
	Flow       uint8
	Attempts   uint16
	CreatedAt  int64
	ExpiresAt  int64
	ConsumedAt int64
	Salt       [16]byte
	CodeHash   [32]byte
	// Replaced holds the codes this challenge superseded, newest first.
	Replaced [SupersededDepth]ReplacedCode
}

// ReplacedCode is the salt and hash of a code that a later issuance replaced.
type ReplacedCode struct {
	Salt [16]byte
	Hash [32]byte
}

func (r ReplacedCode) empty() bool {
	return r.Salt == [16]byte{}
}

// supersede shifts old's code and its own replaced codes into c, dropping the
// oldest once the ring is full.
func (c *Challenge) supersede(old *Challenge) {
	c.Replaced[0] = ReplacedCode{Salt: old.Salt, Hash: old.CodeHash}
	copy(c.Replaced[1:], old.Replaced[:SupersededDepth-1])
}

// Superseded is the raw predecessor captured by Upsert, kept so a failed
// issuance can put it back.
type Superseded struct {
	Data []byte
	TTL  time.Duration
}

// CodeHasher derives the stored hash for the submitted code under a salt.
type CodeHasher func(salt [16]byte) ([32]byte, error)

type ChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewChallengeStore(redisClient redis.UniversalClient, prefix string) *ChallengeStore {
	if prefix == "" {
		prefix = "otc"
	}
	return &ChallengeStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *ChallengeStore) key(identity string) string {
	return s.prefix + ":" + identity
}

// Upsert writes record as the only challenge for identity, linearizably
// replacing any predecessor. An active predecessor's code, along with the codes
// it had itself replaced, is carried into record so the last SupersededDepth
// codes are recognised as superseded rather than wrong.
// The key lives until record.ExpiresAt plus retention.
func (s *ChallengeStore) Upsert(
	ctx context.Context,
	identity string,
	record *Challenge,
	retention time.Duration,
	now time.Time,
) (*Superseded, error) {
	const maxRetries = 4
	key := s.key(identity)

	ttl := time.Duration(record.ExpiresAt-now.UnixMilli())*time.Millisecond + retention
	if ttl <= 0 {
		return nil, errors.New("challenge ttl must be positive")
	}

	for i := 0; i < maxRetries; i++ {
		var prev *Superseded
		record.Replaced = [SupersededDepth]ReplacedCode{}

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil {
				if old, decErr := decodeChallenge(data); decErr == nil &&
					old.State == ChallengeActive && now.UnixMilli() <= old.ExpiresAt {
					record.supersede(old)

					remaining, err := tx.PTTL(ctx, key).Result()
					if err != nil {
						return err
					}
					prev = &Superseded{Data: data, TTL: remaining}
				}
			}

			encoded, err := encodeChallenge(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
		}
		return prev, nil
	}

	return nil, fmt.Errorf("%w: upsert contention", ErrChallengeBackend)
}

// Consume runs one verification attempt against the active challenge for identity.
func (s *ChallengeStore) Consume(
	ctx context.Context,
	identity string,
	hasher CodeHasher,
	maxAttempts int,
	now time.Time,
) (*Challenge, error) {
	const maxRetries = 3
	key := s.key(identity)

	for i := 0; i < maxRetries; i++ {
		current, err := s.Get(ctx, identity)
		if err != nil {
			return nil, err
		}

		provided, err := hasher(current.Salt)
		if err != nil {
			return nil, err
		}
		matched := 0
		for _, replaced := range current.Replaced {
			if replaced.empty() {
				break
			}
			hash, err := hasher(replaced.Salt)
			if err != nil {
				return nil, err
			}
			matched |= subtle.ConstantTimeCompare(hash[:], replaced.Hash[:])
		}
		prevMatch := "0"
		if matched == 1 {
			prevMatch = "1"
		}

		result, err := consumeChallengeLua.Run(ctx, s.redis,
			[]string{key},
			string(current.ID[:]),
			string(provided[:]),
			prevMatch,
			maxAttempts,
			now.UnixMilli(),
		).Result()
		if err != nil {
			switch err.Error() {
			case "stale":
				continue
			case "not_found":
				return nil, ErrChallengeNotFound
			case "consumed":
				return nil, ErrChallengeConsumed
			case "locked", "attempts_exceeded":
				return nil, ErrChallengeAttemptsExceeded
			case "expired":
				return nil, ErrChallengeExpired
			case "superseded":
				return nil, ErrChallengeSuperseded
			case "mismatch":
				return nil, ErrChallengeMismatch
			default:
				return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
			}
		}

		data, ok := result.(string)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected lua result type", ErrChallengeBackend)
		}
		record, decErr := decodeChallenge([]byte(data))
		if decErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, decErr)
		}

		// Lua string comparison is not constant-time; the Go check is authoritative.
		if subtle.ConstantTimeCompare(record.CodeHash[:], provided[:]) != 1 {
			return nil, ErrChallengeMismatch
		}
		return record, nil
	}

	// The record kept changing underneath us: whatever code the caller holds
	// belongs to a challenge that has since been replaced.
	return nil, ErrChallengeSuperseded
}

// Get returns the current record for identity, in any state.
func (s *ChallengeStore) Get(ctx context.Context, identity string) (*Challenge, error) {
	data, err := s.redis.Get(ctx, s.key(identity)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}

	record, err := decodeChallenge(data)
	if err != nil {
		return nil, ErrChallengeNotFound
	}
	return record, nil
}

// IsActive reports whether challengeID is still the live, unused challenge for identity.
func (s *ChallengeStore) IsActive(ctx context.Context, identity string, challengeID [16]byte, now time.Time) (bool, error) {
	record, err := s.Get(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrChallengeNotFound) {
			return false, nil
		}
		return false, err
	}
	return record.ID == challengeID &&
		record.State == ChallengeActive &&
		now.UnixMilli() <= record.ExpiresAt, nil
}

// Restore rolls back the issuance that wrote challengeID, reinstating prev
// when given. It reports false when a newer write has already replaced it.
func (s *ChallengeStore) Restore(ctx context.Context, identity string, challengeID [16]byte, prev *Superseded) (bool, error) {
	var (
		prevData []byte
		prevTTL  int64
	)
	if prev != nil {
		prevData = prev.Data
		prevTTL = prev.TTL.Milliseconds()
	}

	n, err := restoreChallengeLua.Run(ctx, s.redis,
		[]string{s.key(identity)},
		string(challengeID[:]),
		string(prevData),
		prevTTL,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return n == 1, nil
}

func encodeChallenge(record *Challenge) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(challengeRecordSize)

	buf.WriteByte(challengeRecordVersionV2)
	buf.WriteByte(byte(record.State))
	buf.WriteByte(record.Flow)

	for _, v := range []any{record.Attempts, record.CreatedAt, record.ExpiresAt, record.ConsumedAt} {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}

	buf.Write(record.ID[:])
	buf.Write(record.Salt[:])
	buf.Write(record.CodeHash[:])
	for _, replaced := range record.Replaced {
		buf.Write(replaced.Salt[:])
		buf.Write(replaced.Hash[:])
	}

	if buf.Len() != challengeRecordSize {
		return nil, errors.New("challenge record size mismatch")
	}
	return buf.Bytes(), nil
}

func decodeChallenge(data []byte) (*Challenge, error) {
	if len(data) != challengeRecordSize {
		return nil, errors.New("invalid challenge record size")
	}
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != challengeRecordVersionV2 {
		return nil, errors.New("invalid challenge record version")
	}

	state, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	flow, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &Challenge{
		State: ChallengeState(state),
		Flow:  flow,
	}

	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	for _, dst := range []*int64{&record.CreatedAt, &record.ExpiresAt, &record.ConsumedAt} {
		if err := binary.Read(reader, binary.BigEndian, dst); err != nil {
			return nil, err
		}
	}

	for _, dst := range [][]byte{record.ID[:], record.Salt[:], record.CodeHash[:]} {
		if _, err := io.ReadFull(reader, dst); err != nil {
			return nil, err
		}
	}
	for i := range record.Replaced {
		if _, err := io.ReadFull(reader, record.Replaced[i].Salt[:]); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(reader, record.Replaced[i].Hash[:]); err != nil {
			return nil, err
		}
	}

	return record, nil
}
