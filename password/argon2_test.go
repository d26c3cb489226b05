package password

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"golang.org/x/crypto/argon2"
)

func fastConfig() Config {
	return Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func TestHashEncodesPHC(t *testing.T) {
	hasher, err := NewArgon2(fastConfig())
	if err != nil {
		t.Fatalf("NewArgon2 error: %v", err)
	}

	hash, err := hasher.Hash("Tmp-Pass-7kq9Zr")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Fatalf("unexpected PHC prefix: %s", hash)
	}

	parts := strings.Split(hash, "$")
	if len(parts) != 6 {
		t.Fatalf("expected 6 PHC fields, got %d", len(parts))
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) != 16 {
		t.Fatalf("bad salt field: len=%d err=%v", len(salt), err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) != 32 {
		t.Fatalf("bad key field: len=%d err=%v", len(key), err)
	}

	want := argon2.IDKey([]byte("Tmp-Pass-7kq9Zr"), salt, 1, 8*1024, 1, 32)
	if !bytes.Equal(key, want) {
		t.Fatal("encoded key does not match argon2id of the password")
	}
}

func TestHashUsesFreshSalt(t *testing.T) {
	hasher, _ := NewArgon2(fastConfig())
	a, _ := hasher.Hash("same-password-123")
	b, _ := hasher.Hash("same-password-123")
	if a == b {
		t.Fatal("expected distinct hashes for identical input")
	}
}

func TestHashRejectsShortPassword(t *testing.T) {
	hasher, _ := NewArgon2(fastConfig())
	if _, err := hasher.Hash("short"); err == nil {
		t.Fatal("expected short password rejection")
	}
}

func TestHashEncodesConfiguredCost(t *testing.T) {
	strong := fastConfig()
	strong.Time = 2
	strong.KeyLength = 24
	hasher, _ := NewArgon2(strong)

	hash, err := hasher.Hash("carried-over-pass")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if !strings.Contains(hash, "$m=8192,t=2,p=1$") {
		t.Fatalf("expected configured cost in hash, got %s", hash)
	}
	key, err := base64.RawStdEncoding.DecodeString(hash[strings.LastIndex(hash, "$")+1:])
	if err != nil || len(key) != 24 {
		t.Fatalf("expected 24-byte key, len=%d err=%v", len(key), err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := fastConfig()
	bad.Memory = 1024
	if _, err := NewArgon2(bad); err == nil {
		t.Fatal("expected low memory rejection")
	}
	bad = fastConfig()
	bad.SaltLength = 8
	if _, err := NewArgon2(bad); err == nil {
		t.Fatal("expected short salt rejection")
	}
}
