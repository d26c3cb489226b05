package test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/otpauth"
	"github.com/MrEthical07/otpauth/captcha"
	"github.com/MrEthical07/otpauth/store/memory"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const trustedOrigin = "https://studio.example.com"

// redisMode describes which Redis backend a suite is running against.
type redisMode struct {
	name  string
	setup func(t *testing.T) (redis.UniversalClient, func())
}

// redisModes returns miniredis plus a real standalone Redis when REDIS_ADDR
// is set (e.g. "127.0.0.1:6379").
func redisModes(t *testing.T) []redisMode {
	t.Helper()
	modes := []redisMode{
		{
			name: "miniredis",
			setup: func(t *testing.T) (redis.UniversalClient, func()) {
				t.Helper()
				mr, err := miniredis.Run()
				if err != nil {
					t.Fatalf("miniredis: %v", err)
				}
				rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				return rdb, func() { _ = rdb.Close(); mr.Close() }
			},
		},
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		modes = append(modes, redisMode{
			name: "standalone:" + addr,
			setup: func(t *testing.T) (redis.UniversalClient, func()) {
				t.Helper()
				rdb := redis.NewClient(&redis.Options{Addr: addr})
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				if err := rdb.Ping(ctx).Err(); err != nil {
					t.Skipf("cannot connect to Redis at %s: %v", addr, err)
				}
				rdb.FlushDB(context.Background())
				return rdb, func() { rdb.FlushDB(context.Background()); _ = rdb.Close() }
			},
		})
	}
	return modes
}

type inbox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (i *inbox) Deliver(_ context.Context, d otpauth.Delivery) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if d.Kind == otpauth.DeliveryCode {
		i.codes[d.Identity] = d.Code
	}
	return nil
}

func (i *inbox) code(t *testing.T, identity string) string {
	t.Helper()
	i.mu.Lock()
	defer i.mu.Unlock()
	code, ok := i.codes[identity]
	if !ok {
		t.Fatalf("no code delivered to %s", identity)
	}
	return code
}

type harness struct {
	engine *otpauth.Engine
	inbox  *inbox
	store  *memory.Store
}

func newHarness(t *testing.T, rdb redis.UniversalClient) *harness {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	pepper := make([]byte, 32)
	if _, err := rand.Read(pepper); err != nil {
		t.Fatalf("pepper: %v", err)
	}

	cfg := otpauth.DefaultConfig()
	cfg.OTP.Pepper = pepper
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.Handoff.TrustedOrigins = []string{trustedOrigin}
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Metrics.Enabled = true

	h := &harness{
		inbox: &inbox{codes: make(map[string]string)},
		store: memory.New(),
	}
	h.engine, err = otpauth.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithNotifier(h.inbox).
		WithCaptcha(captcha.Static{}).
		WithProfileStore(h.store).
		WithGuestStore(h.store).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(h.engine.Close)
	return h
}

// issue requests a code and returns what the notifier received.
func (h *harness) issue(t *testing.T, ctx context.Context, identity string, flow otpauth.Flow) string {
	t.Helper()
	_, err := h.engine.IssueOTP(ctx, otpauth.IssueRequest{
		Identity:   identity,
		HumanToken: "token-" + identity + "-" + time.Now().Format(time.RFC3339Nano),
		Flow:       flow,
	})
	if err != nil {
		t.Fatalf("IssueOTP(%s): %v", identity, err)
	}
	return h.inbox.code(t, identity)
}
