package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/billing"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/database"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/money"
)

// PostgresStore writes transactions to billing_transactions.
type PostgresStore struct {
	db database.Querier
}

var _ billing.TransactionStore = (*PostgresStore)(nil)

func NewPostgresStore(db database.Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

const transactionColumns = `id, user_id, subscription_id, currency, amount_minor, wallet_amount_minor,
	external_amount_minor, payment_method, status, external_transaction_id, failure_reason, description,
	billing_period, test_mode, transaction_date`

func (s *PostgresStore) Record(ctx context.Context, txn *billing.Transaction) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO billing_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		txn.ID, txn.UserID, txn.SubscriptionID, string(txn.Amount.Currency), txn.Amount.AmountMinor,
		txn.WalletAmount.AmountMinor, txn.ExternalAmount.AmountMinor, string(txn.PaymentMethod), string(txn.Status),
		nullable(txn.ExternalTransactionID), nullable(txn.FailureReason), txn.Description,
		nullable(txn.BillingPeriod), txn.TestMode, txn.TransactionDate,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return billing.ErrDuplicateSettlement
		}
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, filter billing.ListFilter) ([]*billing.Transaction, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	var total int
	if err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM billing_transactions WHERE ($1 = '' OR user_id = $1)`,
		filter.UserID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting transactions: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM billing_transactions
		WHERE ($1 = '' OR user_id = $1)
		ORDER BY transaction_date DESC, id DESC
		LIMIT $2 OFFSET $3`,
		filter.UserID, limit, filter.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	txns := []*billing.Transaction{}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating transactions: %w", err)
	}
	return txns, total, nil
}

func (s *PostgresStore) FindSuccessfulForPeriod(ctx context.Context, subscriptionID, billingPeriod string) (*billing.Transaction, error) {
	txn, err := scanTransaction(s.db.QueryRow(ctx, `
		SELECT `+transactionColumns+`
		FROM billing_transactions
		WHERE subscription_id = $1 AND billing_period = $2 AND status = 'success'
		LIMIT 1`,
		subscriptionID, billingPeriod,
	))
	if err != nil {
		if database.IsNotFound(err) {
			return nil, billing.ErrTransactionNotFound
		}
		return nil, err
	}
	return txn, nil
}

func scanTransaction(row pgx.Row) (*billing.Transaction, error) {
	var (
		txn                         billing.Transaction
		currency, method, status    string
		amount, walletAmt, external int64
		externalID, reason, period  *string
	)
	err := row.Scan(
		&txn.ID, &txn.UserID, &txn.SubscriptionID, &currency, &amount, &walletAmt,
		&external, &method, &status, &externalID, &reason, &txn.Description,
		&period, &txn.TestMode, &txn.TransactionDate,
	)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning transaction: %w", err)
	}

	c := money.Currency(currency)
	txn.Amount = money.New(amount, c)
	txn.WalletAmount = money.New(walletAmt, c)
	txn.ExternalAmount = money.New(external, c)
	txn.PaymentMethod = billing.PaymentMethod(method)
	txn.Status = billing.Status(status)
	txn.ExternalTransactionID = deref(externalID)
	txn.FailureReason = deref(reason)
	txn.BillingPeriod = deref(period)
	return &txn, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
