// Package wallet holds subscriber wallet balances. Balances only move through
// Debit and never go below zero.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/events"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/money"
)

var (
	// ErrNotFound is returned when a user has no wallet record.
	ErrNotFound = errors.New("wallet not found")
	// ErrInvalidAmount is returned for non-positive debits.
	ErrInvalidAmount = errors.New("debit amount must be positive")
	// ErrNegativeBalance is returned when storing a wallet below zero.
	ErrNegativeBalance = errors.New("wallet balance cannot be negative")
	// ErrInsufficientFunds is returned by Withdraw when the balance does
	// not cover the amount.
	ErrInsufficientFunds = errors.New("insufficient wallet balance")
)

// Wallet is a subscriber's spendable balance.
type Wallet struct {
	ID        string
	UserID    string
	Balance   money.Money
	UpdatedAt time.Time
}

// MarshalJSON renders the balance in major units.
func (w Wallet) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID        string      `json:"id"`
		UserID    string      `json:"userId"`
		Balance   json.Number `json:"balance"`
		Currency  string      `json:"currency"`
		UpdatedAt time.Time   `json:"updatedAt"`
	}{
		ID:        w.ID,
		UserID:    w.UserID,
		Balance:   w.Balance.Decimal(),
		Currency:  string(w.Balance.Currency),
		UpdatedAt: w.UpdatedAt,
	})
}

// Store persists wallets. Debit must serialize per user. It clamps at zero,
// or with exact set fails with ErrInsufficientFunds and leaves the balance
// untouched.
type Store interface {
	Get(ctx context.Context, userID string) (*Wallet, error)
	Debit(ctx context.Context, userID string, amount money.Money, exact bool) (*Wallet, error)
	Put(ctx context.Context, w *Wallet) error
}

// Ledger is the read/debit surface used by settlement.
type Ledger struct {
	store     Store
	publisher events.EventPublisher
	logger    *slog.Logger
}

// NewLedger creates a wallet ledger. publisher may be nil.
func NewLedger(store Store, publisher events.EventPublisher, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// Get returns the wallet for a user.
func (l *Ledger) Get(ctx context.Context, userID string) (*Wallet, error) {
	w, err := l.store.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", userID, err)
	}
	return w, nil
}

// GetBalance returns the spendable balance for a user.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (money.Money, error) {
	w, err := l.Get(ctx, userID)
	if err != nil {
		return money.Money{}, err
	}
	return w.Balance, nil
}

// Debit subtracts amount from the user's wallet, clamping at zero, and
// returns the new balance.
func (l *Ledger) Debit(ctx context.Context, userID string, amount money.Money) (money.Money, error) {
	return l.debit(ctx, userID, amount, false)
}

// Withdraw takes exactly amount from the user's wallet. A balance below
// amount fails with ErrInsufficientFunds and nothing is taken.
func (l *Ledger) Withdraw(ctx context.Context, userID string, amount money.Money) (money.Money, error) {
	return l.debit(ctx, userID, amount, true)
}

func (l *Ledger) debit(ctx context.Context, userID string, amount money.Money, exact bool) (money.Money, error) {
	if !amount.IsPositive() {
		return money.Money{}, ErrInvalidAmount
	}

	w, err := l.store.Debit(ctx, userID, amount, exact)
	if err != nil {
		return money.Money{}, fmt.Errorf("debit wallet %s: %w", userID, err)
	}

	l.logger.Info("wallet debited",
		"user_id", userID,
		"amount", amount.MajorString(),
		"currency", amount.Currency,
		"new_balance", w.Balance.MajorString(),
	)

	if l.publisher != nil {
		data := events.WalletDebitedData{
			WalletID:   w.ID,
			UserID:     w.UserID,
			Amount:     amount.AmountMinor,
			Currency:   string(amount.Currency),
			NewBalance: w.Balance.AmountMinor,
		}
		if evt, err := events.NewEvent(events.EventWalletDebited, events.AggregateWallet, w.ID, data); err == nil {
			if err := l.publisher.Publish(ctx, evt); err != nil {
				l.logger.Warn("failed to publish wallet debit", "error", err, "user_id", userID)
			}
		}
	}

	return w.Balance, nil
}

// debitBalance applies a debit, shared by the store implementations.
func debitBalance(balance, amount money.Money, exact bool) (money.Money, error) {
	if balance.Currency != amount.Currency {
		return money.Money{}, fmt.Errorf("wallet currency %s does not match debit currency %s", balance.Currency, amount.Currency)
	}
	if exact && balance.AmountMinor < amount.AmountMinor {
		return money.Money{}, fmt.Errorf("balance %s below %s: %w", balance.MajorString(), amount.MajorString(), ErrInsufficientFunds)
	}
	return balance.SubFloor(amount)
}
