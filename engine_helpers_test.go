package otpauth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type mockNotifier struct {
	mu         sync.Mutex
	deliveries []Delivery
	// failures fails the next n deliveries with err.
	failures int
	err      error
	calls    int
}

func (m *mockNotifier) Deliver(ctx context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.failures > 0 {
		m.failures--
		return m.err
	}
	m.deliveries = append(m.deliveries, d)
	return nil
}

func (m *mockNotifier) lastCode(t *testing.T, identity string) string {
	t.Helper()

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.deliveries) - 1; i >= 0; i-- {
		d := m.deliveries[i]
		if d.Kind == DeliveryCode && d.Identity == identity {
			return d.Code
		}
	}
	t.Fatalf("no code delivered to %s", identity)
	return ""
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deliveries)
}

type mockCaptcha struct {
	mu     sync.Mutex
	err    error
	calls  int
	tokens []string
}

func (m *mockCaptcha) Verify(ctx context.Context, token, remoteIP string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.tokens = append(m.tokens, token)
	return m.err
}

type mockProfiles struct {
	mu            sync.Mutex
	bySubject     map[string]*Profile
	byIdentity    map[string]string
	tempPasswords map[string]string
	lookupErr     error

	createCalls int
}

func newMockProfiles() *mockProfiles {
	return &mockProfiles{
		bySubject:     make(map[string]*Profile),
		byIdentity:    make(map[string]string),
		tempPasswords: make(map[string]string),
	}
}

func (m *mockProfiles) GetByIdentity(ctx context.Context, identity string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	id, ok := m.byIdentity[identity]
	if !ok {
		return nil, ErrSubjectNotFound
	}
	p := *m.bySubject[id]
	return &p, nil
}

func (m *mockProfiles) GetBySubject(ctx context.Context, subjectID string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	p, ok := m.bySubject[subjectID]
	if !ok {
		return nil, ErrSubjectNotFound
	}
	out := *p
	return &out, nil
}

func (m *mockProfiles) Create(ctx context.Context, profile Profile) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.createCalls++
	if _, ok := m.byIdentity[profile.Identity]; ok {
		return nil, ErrProfileExists
	}
	p := profile
	m.bySubject[p.SubjectID] = &p
	m.byIdentity[p.Identity] = p.SubjectID
	out := p
	return &out, nil
}

func (m *mockProfiles) SetTemporaryPassword(ctx context.Context, subjectID, encodedHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tempPasswords[subjectID]; ok {
		return ErrTemporaryPasswordSet
	}
	m.tempPasswords[subjectID] = encodedHash
	return nil
}

func (m *mockProfiles) setUsage(subjectID string, units int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySubject[subjectID].ConsumedUsageUnits = units
}

type guestRecord struct {
	marker string
	owner  string
}

type mockGuests struct {
	mu      sync.Mutex
	records []*guestRecord
	// failAfter moves at most n rows and then fails, once.
	failAfter int
	failErr   error
	calls     int
}

func (m *mockGuests) add(marker string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.records = append(m.records, &guestRecord{marker: marker})
	}
}

func (m *mockGuests) Reparent(ctx context.Context, marker, subjectID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	moved := 0
	for _, r := range m.records {
		if r.marker != marker || r.owner != "" {
			continue
		}
		if m.failErr != nil && moved == m.failAfter {
			err := m.failErr
			m.failErr = nil
			return moved, err
		}
		r.owner = subjectID
		moved++
	}
	return moved, nil
}

func (m *mockGuests) owned(subjectID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.owner == subjectID {
			n++
		}
	}
	return n
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

const (
	testIdentity = "alice@example.com"
	testOrigin   = "https://studio.example.com"
	testIP       = "203.0.113.7"
)

func testConfig(t *testing.T) Config {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.OTP.Pepper = []byte("0123456789abcdef0123456789abcdef")
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.Handoff.TrustedOrigins = []string{testOrigin}
	cfg.MagicLink.BaseURL = "https://shop.example.com/auth/magic"
	cfg.Dispatch.InitialBackoff = time.Millisecond
	cfg.Dispatch.MaxBackoff = 2 * time.Millisecond
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Metrics.Enabled = true
	return cfg
}

type testEnv struct {
	engine   *Engine
	mr       *miniredis.Miniredis
	notifier *mockNotifier
	captcha  *mockCaptcha
	profiles *mockProfiles
	guests   *mockGuests
	now      time.Time
}

// advance moves the engine clock. Redis TTLs are moved separately with mr.FastForward.
func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	return newTestEnvWithSink(t, mutate, nil)
}

func newTestEnvWithSink(t *testing.T, mutate func(*Config), sink AuditSink) *testEnv {
	t.Helper()

	mr, rdb := newTestRedis(t)
	t.Cleanup(mr.Close)

	cfg := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}

	env := &testEnv{
		mr:       mr,
		notifier: &mockNotifier{},
		captcha:  &mockCaptcha{},
		profiles: newMockProfiles(),
		guests:   &mockGuests{},
		now:      time.Now(),
	}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithNotifier(env.notifier).
		WithCaptcha(env.captcha).
		WithProfileStore(env.profiles).
		WithGuestStore(env.guests).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	engine.now = func() time.Time { return env.now }
	t.Cleanup(engine.Close)

	env.engine = engine
	return env
}

var humanTokenSeq atomic.Int64

// humanToken returns a fresh captcha token; tokens are single use.
func humanToken() string {
	return "human-" + strconv.FormatInt(humanTokenSeq.Add(1), 10)
}

func (env *testEnv) issue(t *testing.T, identity string, flow Flow) string {
	t.Helper()

	_, err := env.engine.IssueOTP(context.Background(), IssueRequest{
		Identity:   identity,
		HumanToken: humanToken(),
		Flow:       flow,
	})
	if err != nil {
		t.Fatalf("IssueOTP failed: %v", err)
	}
	return env.notifier.lastCode(t, identity)
}

// wrongCode returns a code of the same length that differs from code.
func wrongCode(code string) string {
	b := []byte(code)
	if b[0] == '9' {
		b[0] = '0'
	} else {
		b[0]++
	}
	return string(b)
}

var errTemporary = fmt.Errorf("%w: mailbox busy", ErrDispatchTemporary)
