package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/billing"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/database"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/money"
)

// sqliteTime sorts lexically in chronological order.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is a file-backed transaction audit log.
type SQLiteStore struct {
	db *sql.DB
}

var _ billing.TransactionStore = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the audit log at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS billing_transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			subscription_id TEXT NOT NULL,
			currency TEXT NOT NULL,
			amount_minor INTEGER NOT NULL,
			wallet_amount_minor INTEGER NOT NULL DEFAULT 0,
			external_amount_minor INTEGER NOT NULL DEFAULT 0,
			payment_method TEXT NOT NULL,
			status TEXT NOT NULL,
			external_transaction_id TEXT,
			failure_reason TEXT,
			description TEXT NOT NULL,
			billing_period TEXT,
			test_mode INTEGER NOT NULL DEFAULT 0,
			transaction_date TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_billing_transactions_user ON billing_transactions(user_id, transaction_date)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_transactions_period
			ON billing_transactions(subscription_id, billing_period)
			WHERE status = 'success' AND billing_period IS NOT NULL`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Record(ctx context.Context, txn *billing.Transaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO billing_transactions
		(id, user_id, subscription_id, currency, amount_minor, wallet_amount_minor, external_amount_minor,
		 payment_method, status, external_transaction_id, failure_reason, description, billing_period,
		 test_mode, transaction_date)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		txn.ID, txn.UserID, txn.SubscriptionID, string(txn.Amount.Currency), txn.Amount.AmountMinor,
		txn.WalletAmount.AmountMinor, txn.ExternalAmount.AmountMinor, string(txn.PaymentMethod), string(txn.Status),
		nullable(txn.ExternalTransactionID), nullable(txn.FailureReason), txn.Description, nullable(txn.BillingPeriod),
		txn.TestMode, txn.TransactionDate.UTC().Format(sqliteTime),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return billing.ErrDuplicateSettlement
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, filter billing.ListFilter) ([]*billing.Transaction, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM billing_transactions WHERE (? = '' OR user_id = ?)`,
		filter.UserID, filter.UserID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, subscription_id, currency, amount_minor, wallet_amount_minor, external_amount_minor,
		 payment_method, status, external_transaction_id, failure_reason, description, billing_period,
		 test_mode, transaction_date
		FROM billing_transactions
		WHERE (? = '' OR user_id = ?)
		ORDER BY transaction_date DESC, rowid DESC
		LIMIT ? OFFSET ?`,
		filter.UserID, filter.UserID, limit, filter.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	txns := []*billing.Transaction{}
	for rows.Next() {
		txn, err := scanSQLite(rows)
		if err != nil {
			return nil, 0, err
		}
		txns = append(txns, txn)
	}
	return txns, total, rows.Err()
}

func (s *SQLiteStore) FindSuccessfulForPeriod(ctx context.Context, subscriptionID, billingPeriod string) (*billing.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, subscription_id, currency, amount_minor, wallet_amount_minor, external_amount_minor,
		 payment_method, status, external_transaction_id, failure_reason, description, billing_period,
		 test_mode, transaction_date
		FROM billing_transactions
		WHERE subscription_id = ? AND billing_period = ? AND status = 'success'
		LIMIT 1`,
		subscriptionID, billingPeriod,
	)
	txn, err := scanSQLite(row)
	if database.IsNotFound(err) {
		return nil, billing.ErrTransactionNotFound
	}
	return txn, err
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row sqlScanner) (*billing.Transaction, error) {
	var (
		txn                         billing.Transaction
		currency, method, status    string
		amount, walletAmt, external int64
		externalID, reason, period  sql.NullString
		date                        string
	)
	err := row.Scan(
		&txn.ID, &txn.UserID, &txn.SubscriptionID, &currency, &amount, &walletAmt, &external,
		&method, &status, &externalID, &reason, &txn.Description, &period,
		&txn.TestMode, &date,
	)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	c := money.Currency(currency)
	txn.Amount = money.New(amount, c)
	txn.WalletAmount = money.New(walletAmt, c)
	txn.ExternalAmount = money.New(external, c)
	txn.PaymentMethod = billing.PaymentMethod(method)
	txn.Status = billing.Status(status)
	txn.ExternalTransactionID = externalID.String
	txn.FailureReason = reason.String
	txn.BillingPeriod = period.String
	if txn.TransactionDate, err = time.Parse(sqliteTime, date); err != nil {
		return nil, fmt.Errorf("parse transaction date: %w", err)
	}
	return &txn, nil
}
