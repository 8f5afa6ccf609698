package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/billing"
	billingapi "github.com/SravanKumarPolu/subscription-billing-logic/internal/billing/api"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/database"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/events"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/middleware"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/nats"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/redis"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/gateway"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/metrics"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/notify"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/scheduler"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"BILLING_PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// TestMode defaults to true outside production.
	TestMode        string        `envconfig:"TEST_MODE"`
	StorageBackend  string        `envconfig:"STORAGE_BACKEND" default:"memory"`
	AuditSQLitePath string        `envconfig:"AUDIT_SQLITE_PATH"`
	DueUsers        []string      `envconfig:"BILLING_DUE_USERS"`
	APIKey          string        `envconfig:"API_KEY"`
	CORSOrigins     []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	IdempotencyTTL  time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`

	Database  database.Config
	NATS      nats.Config
	Redis     redis.Config
	PayPal    gateway.PayPalConfig
	Stripe    gateway.StripeConfig
	Billing   billing.Config
	Scheduler scheduler.Config
}

func (c Config) testMode() (bool, error) {
	if c.TestMode == "" {
		return c.Environment != "production", nil
	}
	return strconv.ParseBool(c.TestMode)
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	testMode, err := cfg.testMode()
	if err != nil {
		logger.Error("invalid TEST_MODE", "error", err)
		os.Exit(1)
	}
	cfg.Billing.TestMode = testMode

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	var checks []healthCheck

	// Optional Redis: run lock and idempotency cache
	var (
		locker      scheduler.Locker
		idempotency middleware.IdempotencyStore
	)
	if cfg.Redis.Enabled() {
		rdb, err := redis.New(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()

		locker = redis.NewLocker(rdb, cfg.Redis.KeyPrefix)
		idempotency = redis.NewIdempotencyStore(rdb, cfg.Redis.KeyPrefix)
		checks = append(checks, healthCheck{name: "redis", check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	// Optional NATS: settlement events for the notifier
	var publisher events.EventPublisher
	if cfg.NATS.Enabled() {
		nc, err := nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to nats", "error", err)
			os.Exit(1)
		}
		defer nc.Close()

		if _, err := nc.EnsureStream(ctx, nats.BillingStreamConfig(cfg.NATS.Stream)); err != nil {
			logger.Error("failed to ensure stream", "error", err)
			os.Exit(1)
		}
		publisher = nats.NewPublisher(nc, logger)
		checks = append(checks, healthCheck{name: "nats", check: func(context.Context) error {
			return nc.HealthCheck()
		}})
	}

	stores, err := openStores(ctx, cfg, publisher, logger)
	if err != nil {
		logger.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	defer stores.close()
	checks = append(checks, stores.checks...)

	seed := time.Now().UnixNano()
	gateways := gateway.NewRegistry(gateway.Name(cfg.Billing.DefaultGateway),
		gateway.NewPayPalAdapter(cfg.PayPal, testMode, gateway.NewRandSource(seed), logger),
		gateway.NewStripeAdapter(cfg.Stripe, testMode, gateway.NewRandSource(seed+1), logger),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	billingMetrics := metrics.New(registry)

	// With NATS the notifier service reacts to settlement events instead.
	var notifier billing.Notifier
	if publisher == nil {
		notifier = notify.NewDispatcher(notify.NewLogSender(logger), logger)
	}

	engine := billing.NewEngine(billing.Dependencies{
		Wallets:       stores.wallets,
		Subscriptions: stores.subscriptions,
		Gateways:      gateways,
		Transactions:  stores.transactions,
		Notifier:      notifier,
		Publisher:     publisher,
		Metrics:       billingMetrics,
	}, cfg.Billing, logger)

	var batch scheduler.Batch = billing.NewScheduler(engine, cfg.Billing.Workers, logger)
	if len(cfg.DueUsers) > 0 {
		batch = fixedDueUsers{Batch: batch, users: cfg.DueUsers}
	}
	runner := scheduler.New(batch, cfg.Scheduler, locker, logger)
	if cfg.Scheduler.Enabled {
		go func() {
			if err := runner.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("scheduler stopped", "error", err)
			}
		}()
	}

	billingHandler := billingapi.NewHandler(billingapi.Dependencies{
		Engine:        engine,
		Runner:        runner,
		Wallets:       stores.wallets,
		Subscriptions: stores.subscriptions,
		Transactions:  stores.transactions,
		TestMode:      testMode,
		Credentials:   gateway.SandboxCredentials(cfg.PayPal, cfg.Stripe),
	})

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		for _, c := range checks {
			if err := c.check(r.Context()); err != nil {
				logger.Warn("health check failed", "dependency", c.name, "error", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unhealthy"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKey))
		if idempotency != nil {
			r.Use(middleware.Idempotency(idempotency, cfg.IdempotencyTTL, logger))
		}
		r.Mount("/", billingHandler.Routes())
	})

	// Batches can outlast a normal request.
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Scheduler.RunTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting billing service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"test_mode", testMode,
			"storage", cfg.StorageBackend,
			"nats", cfg.NATS.Enabled(),
			"redis", cfg.Redis.Enabled(),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

type healthCheck struct {
	name  string
	check func(ctx context.Context) error
}

// fixedDueUsers bills a configured user list instead of the due selection.
type fixedDueUsers struct {
	scheduler.Batch
	users []string
}

func (f fixedDueUsers) DueUsers(context.Context, time.Time) ([]string, error) {
	return f.users, nil
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With("service", "billing")
}
