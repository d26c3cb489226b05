package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ChallengeID identifies one issued challenge; a resend produces a new one.
type ChallengeID [16]byte

// Salt is the per-challenge random salt mixed into the code hash.
type Salt [16]byte

const (
	opaqueTokenSize = 32
	minPepperSize   = 16
)

func NewChallengeID() (ChallengeID, error) {
	var id ChallengeID
	_, err := rand.Read(id[:])
	return id, err
}

func (c ChallengeID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(c[:])
}

func (c ChallengeID) IsZero() bool {
	return c == ChallengeID{}
}

func NewSalt() (Salt, error) {
	var s Salt
	_, err := rand.Read(s[:])
	return s, err
}

func (s Salt) IsZero() bool {
	return s == Salt{}
}

// NewSessionID returns a 128-bit random session id in base64url form.
func NewSessionID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// NewOpaqueToken returns a 256-bit bearer token. Only its hash is ever persisted.
func NewOpaqueToken() (string, error) {
	var raw [opaqueTokenSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// HashToken derives the storage key material for an opaque token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NewOTP draws each digit independently from crypto/rand, so every code
// of the given width is equally likely.
func NewOTP(digits int) (string, error) {
	if digits < 4 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	otp := b.String()
	if len(otp) != digits {
		return "", fmt.Errorf("invalid otp generation length")
	}
	return otp, nil
}

// HashOTP computes a keyed BLAKE2b-256 over salt, identity and code.
// The pepper never leaves the process, so a dump of the challenge store
// cannot be brute-forced offline over the small code space.
func HashOTP(pepper []byte, salt Salt, identity, code string) ([32]byte, error) {
	var out [32]byte
	if len(pepper) < minPepperSize {
		return out, errors.New("otp pepper too short")
	}

	h, err := blake2b.New256(pepper)
	if err != nil {
		return out, err
	}
	h.Write(salt[:])
	h.Write([]byte{byte(len(identity) >> 8), byte(len(identity))})
	h.Write([]byte(identity))
	h.Write([]byte(code))
	copy(out[:], h.Sum(nil))
	return out, nil
}

// NewTemporaryPassword returns a random password from an unambiguous alphabet.
func NewTemporaryPassword(length int) (string, error) {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnpqrstuvwxyz23456789"
	if length < 12 || length > 128 {
		return "", errors.New("invalid temporary password length")
	}

	var b strings.Builder
	b.Grow(length)

	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}
