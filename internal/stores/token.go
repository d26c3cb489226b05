package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	tokenRecordVersionV1 = 1
)

// TokenState is the redemption state of a single-use token.
type TokenState uint8

const (
	TokenLive TokenState = iota
	TokenRedeemed
)

var (
	ErrTokenNotFound       = errors.New("token not found")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenRedeemed       = errors.New("token already redeemed")
	ErrTokenOriginMismatch = errors.New("token origin mismatch")
	ErrTokenCollision      = errors.New("token collision")
	ErrTokenBackend        = errors.New("token backend unavailable")
)

// redeemTokenLua flips a live token to redeemed and returns the record as
// written, so the caller sees State == TokenRedeemed.
// KEYS[1] = record key
// ARGV[1] = now (unix ms)
// ARGV[2] = presenting origin
// ARGV[3] = "1" to require an exact origin match
//
// Layout: version(1) state(1) expiresAt(8) then three (len uint16, bytes)
// fields: subject, identity, origin.
var redeemTokenLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end
if string.byte(data, 1) ~= 1 or #data < 16 then
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

local function burn()
  local redeemed = string.sub(data, 1, 1) .. string.char(1) .. string.sub(data, 3)
  local ttl = redis.call('PTTL', KEYS[1])
  if ttl <= 0 then
    redis.call('DEL', KEYS[1])
  else
    redis.call('SET', KEYS[1], redeemed, 'PX', ttl)
  end
  return redeemed
end

if string.byte(data, 2) == 1 then
  return {err='already_redeemed'}
end

if tonumber(ARGV[1]) > read_be(data, 3, 8) then
  return {err='expired'}
end

if ARGV[3] == '1' then
  local idx = 11
  local subjectLen = read_be(data, idx, 2)
  idx = idx + 2 + subjectLen
  local identityLen = read_be(data, idx, 2)
  idx = idx + 2 + identityLen
  local originLen = read_be(data, idx, 2)
  local origin = string.sub(data, idx + 2, idx + 1 + originLen)
  if origin ~= ARGV[2] then
    burn()
    return {err='origin_mismatch'}
  end
end

return burn()
`)

// TokenRecord is the server-side half of a single-use bearer token.
type TokenRecord struct {
	State     TokenState
	ExpiresAt int64
	SubjectID string
	Identity  string
	Origin    string
}

// TokenStore keeps single-use tokens keyed by the hash of the bearer value.
type TokenStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewTokenStore(redisClient redis.UniversalClient, prefix string) *TokenStore {
	return &TokenStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *TokenStore) key(tokenHash string) string {
	return s.prefix + ":" + tokenHash
}

// Save stores record under tokenHash. The key outlives the token by the
// caller-chosen ttl so that a replay reads as redeemed, not unknown.
func (s *TokenStore) Save(ctx context.Context, tokenHash string, record *TokenRecord, ttl time.Duration) error {
	encoded, err := encodeToken(record)
	if err != nil {
		return err
	}

	ok, err := s.redis.SetNX(ctx, s.key(tokenHash), encoded, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenBackend, err)
	}
	if !ok {
		return ErrTokenCollision
	}
	return nil
}

// Redeem consumes the token. Exactly one of any number of concurrent callers
// observes success; the rest see ErrTokenRedeemed. With checkOrigin, a
// mismatching presenter burns the token.
func (s *TokenStore) Redeem(
	ctx context.Context,
	tokenHash string,
	presentingOrigin string,
	checkOrigin bool,
	now time.Time,
) (*TokenRecord, error) {
	enforce := "0"
	if checkOrigin {
		enforce = "1"
	}

	result, err := redeemTokenLua.Run(ctx, s.redis,
		[]string{s.key(tokenHash)},
		now.UnixMilli(),
		presentingOrigin,
		enforce,
	).Result()
	if err != nil {
		switch err.Error() {
		case "not_found":
			return nil, ErrTokenNotFound
		case "already_redeemed":
			return nil, ErrTokenRedeemed
		case "expired":
			return nil, ErrTokenExpired
		case "origin_mismatch":
			return nil, ErrTokenOriginMismatch
		default:
			return nil, fmt.Errorf("%w: %v", ErrTokenBackend, err)
		}
	}

	data, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected lua result type", ErrTokenBackend)
	}
	record, err := decodeToken([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenBackend, err)
	}
	return record, nil
}

func encodeToken(record *TokenRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(tokenRecordVersionV1)
	buf.WriteByte(byte(record.State))
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	for _, field := range []string{record.SubjectID, record.Identity, record.Origin} {
		if len(field) > 65535 {
			return nil, errors.New("token record field too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

func decodeToken(data []byte) (*TokenRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != tokenRecordVersionV1 {
		return nil, errors.New("invalid token record version")
	}

	state, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	record := &TokenRecord{State: TokenState(state)}

	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	for _, dst := range []*string{&record.SubjectID, &record.Identity, &record.Origin} {
		var n uint16
		if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		raw := make([]byte, n)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, err
		}
		*dst = string(raw)
	}

	return record, nil
}
