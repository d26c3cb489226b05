// Command otpauth-server serves the otpauth HTTP API.
//
// Configuration is read from the environment and an optional .env file.
// With APP_ENV=local every external dependency has a fallback: miniredis
// replaces Redis, an in-memory store replaces Postgres, codes are printed to
// stdout, and signing keys and the code pepper are generated per process.
package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrEthical07/otpauth"
	"github.com/MrEthical07/otpauth/captcha"
	"github.com/MrEthical07/otpauth/httpapi"
	"github.com/MrEthical07/otpauth/metrics/export/prometheus"
	"github.com/MrEthical07/otpauth/notify"
	"github.com/MrEthical07/otpauth/store/memory"
	"github.com/MrEthical07/otpauth/store/postgres"
	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type profileAndGuestStore interface {
	otpauth.ProfileStore
	otpauth.GuestStore
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("otpauth-server: %v", err)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	// ---------- redis ----------
	addr := cfg.RedisAddr
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return err
		}
		closers = append(closers, func() error { mr.Close(); return nil })
		addr = mr.Addr()
		log.Printf("otpauth: using miniredis at %s", addr)
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	closers = append(closers, rdb.Close)

	// ---------- profiles + guest data ----------
	var store profileAndGuestStore
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		closers = append(closers, func() error { pool.Close(); return nil })
		pg := postgres.New(pool)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		store = pg
	} else {
		log.Printf("otpauth: DATABASE_URL not set, profiles are kept in memory")
		store = memory.New()
	}

	notifier, closeNotifier, err := buildNotifier(cfg, os.Stdout)
	if err != nil {
		return err
	}
	if closeNotifier != nil {
		closers = append(closers, closeNotifier)
	}

	verifier, err := buildCaptcha(cfg)
	if err != nil {
		return err
	}

	builder := otpauth.New().
		WithConfig(cfg.Engine).
		WithRedis(rdb).
		WithNotifier(notifier).
		WithCaptcha(verifier).
		WithProfileStore(store).
		WithGuestStore(store)
	if cfg.Engine.Audit.Enabled {
		builder = builder.WithAuditSink(otpauth.NewJSONWriterSink(os.Stdout))
	}
	engine, err := builder.Build()
	if err != nil {
		return err
	}
	defer engine.Close()

	report := engine.SecurityReport()
	log.Printf("otpauth: digits=%d attempts=%d captcha=%t rate_limits=%t handoff_ttl=%s trusted_origins=%d",
		report.CodeDigits, report.MaxAttempts, report.CaptchaRequired, report.RateLimitingActive,
		report.HandoffTTL, report.TrustedOrigins)

	mux := http.NewServeMux()
	mux.Handle("/", httpapi.NewHandler(engine, httpapi.Options{
		TrustProxy:    cfg.TrustProxy,
		SecureCookies: cfg.SecureCookies,
	}).Routes())
	mux.Handle("GET /metrics", prometheus.NewExporter(engine).Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := engine.Ping(r.Context()); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("otpauth: listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func buildNotifier(cfg serverConfig, stdout io.Writer) (otpauth.Notifier, func() error, error) {
	switch cfg.Notifier {
	case "smtp":
		n, err := notify.NewSMTPNotifier(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			From:     cfg.SMTPFrom,
			Product:  cfg.Product,
		})
		return n, nil, err
	case "kafka":
		n, err := notify.NewKafkaNotifier(cfg.KafkaAddrs, cfg.KafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		return n, n.Close, nil
	case "amqp":
		n, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPQueue)
		if err != nil {
			return nil, nil, err
		}
		return n, n.Close, nil
	default:
		log.Printf("otpauth: NOTIFIER=writer, codes are printed to stdout")
		return notify.NewWriterNotifier(stdout), nil, nil
	}
}

func buildCaptcha(cfg serverConfig) (otpauth.CaptchaVerifier, error) {
	if cfg.CaptchaSecret == "" {
		// Only reachable with APP_ENV=local or CAPTCHA_REQUIRED=false.
		return captcha.Static{}, nil
	}
	return captcha.NewSiteVerify(captcha.SiteVerifyConfig{
		Endpoint: cfg.CaptchaEndpoint,
		Secret:   cfg.CaptchaSecret,
		Hostname: cfg.CaptchaHost,
	})
}
