package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/events"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/nats"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/redis"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/notify"
)

// Config holds notifier configuration
type Config struct {
	Port        int           `envconfig:"NOTIFIER_PORT" default:"8081"`
	Environment string        `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string        `envconfig:"LOG_FORMAT" default:"json"`
	Consumer    string        `envconfig:"NOTIFIER_CONSUMER" default:"billing-notifier"`
	MaxDeliver  int           `envconfig:"NOTIFIER_MAX_DELIVER" default:"5"`
	AckWait     time.Duration `envconfig:"NOTIFIER_ACK_WAIT" default:"30s"`

	NATS  nats.Config
	Redis redis.Config
}

func main() {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	if !cfg.NATS.Enabled() {
		logger.Error("NATS_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

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

	consumer, err := nc.EnsureConsumer(ctx, nats.ConsumerConfig{
		Name:   cfg.Consumer,
		Stream: cfg.NATS.Stream,
		FilterSubjects: []string{
			events.SubjectPrefix + events.EventSettlementSucceeded,
			events.SubjectPrefix + events.EventSettlementFailed,
		},
		MaxDeliver: cfg.MaxDeliver,
		AckWait:    cfg.AckWait,
	})
	if err != nil {
		logger.Error("failed to ensure consumer", "error", err)
		os.Exit(1)
	}

	var sent notify.SentStore
	if cfg.Redis.Enabled() {
		rdb, err := redis.New(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		sent = redis.NewIdempotencyStore(rdb, cfg.Redis.KeyPrefix)
	}

	dispatcher := notify.NewDispatcher(notify.NewLogSender(logger), logger)
	handler := notify.NewConsumer(dispatcher, sent, logger)

	subscriber := nats.NewSubscriber(consumer, logger)
	go func() {
		// Start blocks until ctx is cancelled.
		if err := subscriber.Start(ctx, handler.Handle); err != nil && ctx.Err() == nil {
			logger.Error("subscriber stopped", "error", err)
			cancel()
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := nc.HealthCheck(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("starting notifier",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"consumer", cfg.Consumer,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("notifier stopped")
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

	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)).With("service", "notifier")
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts)).With("service", "notifier")
}
