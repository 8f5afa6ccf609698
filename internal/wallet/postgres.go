package wallet

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/database"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/money"
)

// PostgresStore persists wallets in the wallets table. Debits take a row
// lock, so concurrent debits on one wallet serialize in the database.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a wallet store backed by Postgres.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const walletColumns = `id, user_id, balance_minor, currency, updated_at`

// Get returns the user's wallet.
func (s *PostgresStore) Get(ctx context.Context, userID string) (*Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1`
	return scanWallet(s.db.QueryRow(ctx, query, userID))
}

const debitAttempts = 3

// Debit subtracts amount inside a transaction holding the row lock,
// retrying on serialization failures.
func (s *PostgresStore) Debit(ctx context.Context, userID string, amount money.Money, exact bool) (*Wallet, error) {
	var updated *Wallet

	err := database.Retry(ctx, debitAttempts, func() error {
		return s.db.WithTx(ctx, func(tx pgx.Tx) error {
			current, err := scanWallet(tx.QueryRow(ctx,
				`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID))
			if err != nil {
				return err
			}

			balance, err := debitBalance(current.Balance, amount, exact)
			if err != nil {
				return err
			}

			updated, err = scanWallet(tx.QueryRow(ctx, `
				UPDATE wallets SET balance_minor = $2, updated_at = now()
				WHERE user_id = $1
				RETURNING `+walletColumns,
				userID, balance.AmountMinor,
			))
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// Put creates or replaces a wallet.
func (s *PostgresStore) Put(ctx context.Context, w *Wallet) error {
	if w.Balance.IsNegative() {
		return ErrNegativeBalance
	}
	id := w.ID
	if id == "" {
		id = "wallet_" + w.UserID
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO wallets (id, user_id, balance_minor, currency, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id) DO UPDATE
		SET balance_minor = EXCLUDED.balance_minor, currency = EXCLUDED.currency, updated_at = now()`,
		id, w.UserID, w.Balance.AmountMinor, string(w.Balance.Currency),
	)
	if err != nil {
		return fmt.Errorf("upserting wallet: %w", err)
	}
	return nil
}

func scanWallet(row pgx.Row) (*Wallet, error) {
	var (
		w        Wallet
		currency string
	)
	err := row.Scan(&w.ID, &w.UserID, &w.Balance.AmountMinor, &currency, &w.UpdatedAt)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning wallet: %w", err)
	}
	w.Balance.Currency = money.Currency(currency)
	return &w, nil
}
