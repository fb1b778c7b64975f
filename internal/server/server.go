// Package server assembles the entitlement service: configuration, storage,
// billing, identity and the HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rcourtman/plansync/internal/billing"
	"github.com/rcourtman/plansync/internal/events"
	"github.com/rcourtman/plansync/internal/identity"
	"github.com/rcourtman/plansync/internal/logging"
	"github.com/rcourtman/plansync/internal/reconcile"
	"github.com/rcourtman/plansync/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// App holds the assembled service components.
type App struct {
	Config    *Config
	Store     store.Store
	Engine    *reconcile.Engine
	Publisher events.Publisher
	Billing   *billing.Breaker
}

// Close releases the store and publisher.
func (a *App) Close() error {
	var errs []error
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

// OpenStore opens Postgres when DATABASE_URL is set and SQLite otherwise.
func OpenStore(ctx context.Context, cfg *Config) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		st, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		log.Info().Msg("Entitlement store: postgres")
		return st, nil
	}
	if err := os.MkdirAll(cfg.StoreDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.StoreDir())
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	log.Info().Str("dir", cfg.StoreDir()).Msg("Entitlement store: sqlite")
	return st, nil
}

// NewPublisher creates the configured change event publisher.
func NewPublisher(cfg *Config) (events.Publisher, error) {
	switch cfg.EventsDriver {
	case EventsDriverAMQP:
		p, err := events.NewRabbitMQPublisher(cfg.AMQPURL)
		if err != nil {
			return nil, err
		}
		return p, nil
	case EventsDriverKafka:
		p, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return events.NewLogPublisher(nil), nil
	}
}

// NewAuthenticator prefers OIDC when an issuer is configured.
func NewAuthenticator(ctx context.Context, cfg *Config) (identity.Authenticator, error) {
	if cfg.OIDCIssuer != "" && cfg.OIDCClientID != "" {
		auth, err := identity.NewOIDCAuthenticator(ctx, cfg.OIDCIssuer, cfg.OIDCClientID)
		if err != nil {
			return nil, err
		}
		return auth, nil
	}
	auth, err := identity.NewHMACAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
	if err != nil {
		return nil, err
	}
	return auth, nil
}

// Open assembles everything except the HTTP listener.
func Open(ctx context.Context, cfg *Config) (*App, error) {
	plans, err := cfg.Plans()
	if err != nil {
		return nil, err
	}

	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	publisher, err := NewPublisher(cfg)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init %s publisher: %w", cfg.EventsDriver, err)
	}

	processor := billing.NewBreaker(billing.NewStripeProcessor(billing.StripeConfig{
		APIKey:            cfg.StripeAPIKey,
		SuccessURL:        cfg.SuccessURL,
		CancelURL:         cfg.CancelURL,
		ProrationBehavior: cfg.ProrationBehavior,
		Timeout:           cfg.BillingTimeout,
		Plans:             plans,
	}), billing.DefaultBreakerConfig())

	engine := reconcile.NewEngine(st, processor, plans, reconcile.Options{
		Policy:    cfg.UnsubscribePolicy,
		Publisher: publisher,
	})
	return &App{Config: cfg, Store: st, Engine: engine, Publisher: publisher, Billing: processor}, nil
}

func newActionLimiter(cfg *Config) (Limiter, func(), error) {
	if cfg.RedisURL == "" {
		return NewMemoryLimiter(cfg.ActionRateLimit, time.Minute), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	log.Info().Str("addr", opts.Addr).Msg("Action rate limiter: redis")
	return NewRedisLimiter(client, "plansync:ratelimit", cfg.ActionRateLimit, time.Minute), func() { _ = client.Close() }, nil
}

// Run starts the HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "plansync",
	})
	log.Info().Str("version", version).Msg("Starting plansync")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	authenticator, err := NewAuthenticator(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init identity: %w", err)
	}
	limiter, closeLimiter, err := newActionLimiter(cfg)
	if err != nil {
		return err
	}
	defer closeLimiter()

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: NewHandler(&Deps{
			Config:        cfg,
			Store:         app.Store,
			Actions:       app.Engine,
			Webhooks:      app.Engine,
			Authenticator: authenticator,
			ActionLimiter: limiter,
		}),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if app.Engine.Policy() == reconcile.PolicyPeriodEnd {
		enforcer := reconcile.NewPeriodEnforcer(app.Engine)
		g.Go(func() error {
			enforcer.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("policy", string(cfg.UnsubscribePolicy)).Msg("plansync listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("plansync stopped")
	return err
}
