// Command otpauth-loadtest drives the single-use paths of an Engine under
// contention and reports latency and any violation of their guarantees:
//
//   - supersede: concurrent issues for one identity leave at most one usable code
//   - verify:    concurrent submissions of one code succeed exactly once
//   - handoff:   concurrent redemptions of one handoff token succeed exactly once
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/otpauth"
	"github.com/MrEthical07/otpauth/store/memory"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const loadtestOrigin = "https://studio.example.com"

// codeSink records every code delivered per identity.
type codeSink struct {
	mu    sync.Mutex
	codes map[string][]string
}

func (s *codeSink) Deliver(_ context.Context, d otpauth.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[d.Identity] = append(s.codes[d.Identity], d.Code)
	return nil
}

func (s *codeSink) take(identity string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.codes[identity]
	delete(s.codes, identity)
	return out
}

func main() {
	var (
		identities  = flag.Int("identities", 200, "distinct identities per phase")
		contenders  = flag.Int("contenders", 16, "concurrent callers racing on each identity or token")
		concurrency = flag.Int("concurrency", 32, "identities processed in parallel")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	)
	flag.Parse()

	if *identities <= 0 || *contenders <= 0 || *concurrency <= 0 {
		fmt.Fprintln(os.Stderr, "identities, contenders, and concurrency must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	sink := &codeSink{codes: make(map[string][]string)}
	engine, err := buildEngine(client, sink)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine build failed: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	run := fmt.Sprintf("%d", time.Now().UnixNano())
	identity := func(phase string, i int) string {
		return fmt.Sprintf("lt-%s-%s-%d@example.com", phase, run, i)
	}

	supersede := runPhase(*identities, *concurrency, func(i int, rec *recorder) int64 {
		return supersedeOne(ctx, engine, sink, identity("s", i), *contenders, rec)
	})
	verify := runPhase(*identities, *concurrency, func(i int, rec *recorder) int64 {
		return verifyRaceOne(ctx, engine, sink, identity("v", i), *contenders, rec)
	})
	handoff := runPhase(*identities, *concurrency, func(i int, rec *recorder) int64 {
		return handoffRaceOne(ctx, engine, sink, identity("h", i), *contenders, rec)
	})

	fmt.Println("---- results ----")
	printStats("supersede", supersede)
	printStats("verify", verify)
	printStats("handoff", handoff)

	if supersede.violations+verify.violations+handoff.violations > 0 {
		os.Exit(1)
	}
}

func buildEngine(client redis.UniversalClient, sink *codeSink) (*otpauth.Engine, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	pepper := make([]byte, 32)
	if _, err := rand.Read(pepper); err != nil {
		return nil, err
	}

	cfg := otpauth.DefaultConfig()
	cfg.OTP.Digits = 8
	cfg.OTP.MaxAttempts = 1 << 20
	cfg.OTP.Pepper = pepper
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.Captcha.Required = false
	cfg.RateLimit = otpauth.RateLimitConfig{}
	cfg.Guest.MergeEnabled = false
	cfg.Handoff.TrustedOrigins = []string{loadtestOrigin}
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1

	return otpauth.New().
		WithConfig(cfg).
		WithRedis(client).
		WithNotifier(sink).
		WithProfileStore(memory.New()).
		Build()
}

// supersedeOne issues contenders codes at once, then tries every delivered
// code. More than one success means a replaced code stayed usable.
func supersedeOne(ctx context.Context, engine *otpauth.Engine, sink *codeSink, identity string, contenders int, rec *recorder) int64 {
	race(contenders, func(int) {
		t0 := time.Now()
		_, err := engine.IssueOTP(ctx, otpauth.IssueRequest{Identity: identity})
		rec.add(time.Since(t0), err)
	})

	successes := 0
	for _, code := range sink.take(identity) {
		if _, err := engine.VerifyOTP(ctx, otpauth.VerifyRequest{Identity: identity, Code: code}); err == nil {
			successes++
		}
	}
	if successes > 1 {
		return 1
	}
	return 0
}

func verifyRaceOne(ctx context.Context, engine *otpauth.Engine, sink *codeSink, identity string, contenders int, rec *recorder) int64 {
	if _, err := engine.IssueOTP(ctx, otpauth.IssueRequest{Identity: identity}); err != nil {
		rec.add(0, err)
		return 0
	}
	codes := sink.take(identity)
	if len(codes) != 1 {
		return 1
	}

	var wins atomic.Int64
	race(contenders, func(int) {
		t0 := time.Now()
		_, err := engine.VerifyOTP(ctx, otpauth.VerifyRequest{Identity: identity, Code: codes[0]})
		if err == nil {
			wins.Add(1)
		} else if !errors.Is(err, otpauth.ErrCodeAlreadyUsed) {
			rec.add(time.Since(t0), err)
			return
		}
		rec.add(time.Since(t0), nil)
	})
	if wins.Load() != 1 {
		return 1
	}
	return 0
}

func handoffRaceOne(ctx context.Context, engine *otpauth.Engine, sink *codeSink, identity string, contenders int, rec *recorder) int64 {
	if _, err := engine.IssueOTP(ctx, otpauth.IssueRequest{Identity: identity}); err != nil {
		rec.add(0, err)
		return 0
	}
	codes := sink.take(identity)
	if len(codes) != 1 {
		return 1
	}
	res, err := engine.VerifyOTP(ctx, otpauth.VerifyRequest{
		Identity:          identity,
		Code:              codes[0],
		Origin:            otpauth.OriginEmbedded,
		DestinationOrigin: loadtestOrigin,
	})
	if err != nil || res.Handoff == nil {
		rec.add(0, err)
		return 0
	}

	var wins atomic.Int64
	race(contenders, func(int) {
		t0 := time.Now()
		_, err := engine.RedeemHandoff(ctx, res.Handoff.Token, loadtestOrigin)
		if err == nil {
			wins.Add(1)
		} else if !errors.Is(err, otpauth.ErrHandoffAlreadyRedeemed) {
			rec.add(time.Since(t0), err)
			return
		}
		rec.add(time.Since(t0), nil)
	})
	if wins.Load() != 1 {
		return 1
	}
	return 0
}

// race releases n goroutines at the same instant and waits for all of them.
func race(n int, fn func(int)) {
	var (
		start = make(chan struct{})
		wg    sync.WaitGroup
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			<-start
			fn(i)
		}(i)
	}
	close(start)
	wg.Wait()
}

type recorder struct {
	mu        sync.Mutex
	latencies []time.Duration
	failures  int64
}

func (r *recorder) add(d time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failures++
		return
	}
	r.latencies = append(r.latencies, d)
}

func runPhase(identities, concurrency int, one func(i int, rec *recorder) int64) phaseStats {
	var (
		wg         sync.WaitGroup
		cursor     int64
		violations int64
		rec        recorder
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= identities {
					return
				}
				atomic.AddInt64(&violations, one(i, &rec))
			}
		}()
	}
	wg.Wait()

	stats := computeStats(time.Since(start), rec.latencies, rec.failures)
	stats.violations = violations
	return stats
}

type phaseStats struct {
	total      time.Duration
	ops        int
	failures   int64
	violations int64
	p50        time.Duration
	p95        time.Duration
	p99        time.Duration
	opsPerS    float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total, failures: failures}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d violations=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.violations,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
