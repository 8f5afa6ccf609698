package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/billing"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/billing/store"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/database"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/events"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/money"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/subscription"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/wallet"
)

type stores struct {
	wallets       *wallet.Ledger
	subscriptions subscription.Store
	transactions  billing.TransactionStore
	checks        []healthCheck
	closers       []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg Config, publisher events.EventPublisher, logger *slog.Logger) (*stores, error) {
	switch cfg.StorageBackend {
	case "memory":
		return openMemory(ctx, cfg, publisher, logger)
	case "postgres":
		return openPostgres(ctx, cfg, publisher, logger)
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}
}

func openPostgres(ctx context.Context, cfg Config, publisher events.EventPublisher, logger *slog.Logger) (*stores, error) {
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if cfg.Database.MigrateOnStart {
		if err := database.Migrate(cfg.Database.URL, logger); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &stores{
		wallets:       wallet.NewLedger(wallet.NewPostgresStore(db), publisher, logger),
		subscriptions: subscription.NewPostgresStore(db),
		transactions:  store.NewPostgresStore(db),
		checks:        []healthCheck{{name: "postgres", check: db.HealthCheck}},
		closers:       []func(){db.Close},
	}, nil
}

func openMemory(ctx context.Context, cfg Config, publisher events.EventPublisher, logger *slog.Logger) (*stores, error) {
	wallets := wallet.NewMemoryStore()
	subs := subscription.NewMemoryStore()
	if err := seedDemo(ctx, wallets, subs, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("seeding demo data: %w", err)
	}

	s := &stores{
		wallets:       wallet.NewLedger(wallets, publisher, logger),
		subscriptions: subs,
		transactions:  store.NewMemoryStore(),
	}

	if cfg.AuditSQLitePath != "" {
		audit, err := store.OpenSQLite(cfg.AuditSQLitePath)
		if err != nil {
			return nil, err
		}
		s.transactions = audit
		s.closers = append(s.closers, func() {
			if err := audit.Close(); err != nil {
				logger.Warn("failed to close audit log", "error", err)
			}
		})
		logger.Info("recording transactions to sqlite", "path", cfg.AuditSQLitePath)
	}

	logger.Info("using in-memory stores with demo data")
	return s, nil
}

// seedDemo loads the demo subscribers, all due today.
func seedDemo(ctx context.Context, wallets *wallet.MemoryStore, subs *subscription.MemoryStore, now time.Time) error {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	balances := []struct {
		user    string
		balance float64
	}{
		{"user_123", 55.50},
		{"user_456", 25.50},
		{"user_789", 0},
	}

	for _, b := range balances {
		if err := wallets.Put(ctx, &wallet.Wallet{
			ID:      "wallet_" + b.user,
			UserID:  b.user,
			Balance: money.NewFromMajor(b.balance, money.USD),
		}); err != nil {
			return err
		}
		if err := subs.Put(ctx, &subscription.Subscription{
			ID:              "sub_" + b.user,
			UserID:          b.user,
			PlanID:          "plan_premium",
			Status:          subscription.StatusActive,
			Amount:          money.NewFromMajor(29.99, money.USD),
			BillingCycle:    "monthly",
			NextBillingDate: today,
		}); err != nil {
			return err
		}
	}
	return nil
}
