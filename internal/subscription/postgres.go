package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/database"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/money"
)

// PostgresStore reads subscriptions from the subscriptions table.
type PostgresStore struct {
	db database.Querier
}

// NewPostgresStore creates a subscription store backed by Postgres.
func NewPostgresStore(db database.Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, user_id, plan_id, status, amount_minor, currency, billing_cycle,
	next_billing_date, external_subscription_id, created_at, updated_at`

// GetActive returns the user's active subscription with the earliest billing date.
func (s *PostgresStore) GetActive(ctx context.Context, userID string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND status = 'active'
		ORDER BY next_billing_date
		LIMIT 1`

	sub, err := scanSubscription(s.db.QueryRow(ctx, query, userID))
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sub, nil
}

// ListDue returns active subscriptions due on or before date.
func (s *PostgresStore) ListDue(ctx context.Context, date time.Time) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = 'active' AND next_billing_date <= $1
		ORDER BY next_billing_date, user_id`

	rows, err := s.db.Query(ctx, query, date.UTC().Format(DateLayout))
	if err != nil {
		return nil, fmt.Errorf("listing due subscriptions: %w", err)
	}
	defer rows.Close()

	var due []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating due subscriptions: %w", err)
	}
	return due, nil
}

// Put creates or replaces a subscription.
func (s *PostgresStore) Put(ctx context.Context, sub *Subscription) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO subscriptions (id, user_id, plan_id, status, amount_minor, currency, billing_cycle,
			next_billing_date, external_subscription_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			status = EXCLUDED.status,
			amount_minor = EXCLUDED.amount_minor,
			currency = EXCLUDED.currency,
			billing_cycle = EXCLUDED.billing_cycle,
			next_billing_date = EXCLUDED.next_billing_date,
			external_subscription_id = EXCLUDED.external_subscription_id,
			updated_at = now()`,
		sub.ID, sub.UserID, sub.PlanID, string(sub.Status), sub.Amount.AmountMinor, string(sub.Amount.Currency),
		sub.BillingCycle, sub.BillingPeriod(), nullStr(sub.ExternalSubscriptionID),
	)
	if err != nil {
		return fmt.Errorf("upserting subscription: %w", err)
	}
	return nil
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var (
		sub        Subscription
		status     string
		currency   string
		externalID *string
	)
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &status, &sub.Amount.AmountMinor, &currency, &sub.BillingCycle,
		&sub.NextBillingDate, &externalID, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning subscription: %w", err)
	}
	sub.Status = Status(status)
	sub.Amount.Currency = money.Currency(currency)
	if externalID != nil {
		sub.ExternalSubscriptionID = *externalID
	}
	return &sub, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
