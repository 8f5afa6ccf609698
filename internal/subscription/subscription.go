// Package subscription provides read access to subscriber plans. Settlement
// only reads subscriptions; it never mutates them.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/money"
)

// ErrNotFound is returned when a user has no active subscription.
var ErrNotFound = errors.New("no active subscription found")

// Status of a subscription.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusPastDue   Status = "past_due"
	StatusPaused    Status = "paused"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCancelled, StatusPastDue, StatusPaused:
		return true
	}
	return false
}

// DateLayout is the wire and storage format of billing dates.
const DateLayout = "2006-01-02"

// Subscription is a recurring plan charged to a user.
type Subscription struct {
	ID                     string
	UserID                 string
	PlanID                 string
	Status                 Status
	Amount                 money.Money
	BillingCycle           string
	NextBillingDate        time.Time
	ExternalSubscriptionID string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// BillingPeriod identifies the period the next charge settles.
func (s *Subscription) BillingPeriod() string {
	if s.NextBillingDate.IsZero() {
		return ""
	}
	return s.NextBillingDate.UTC().Format(DateLayout)
}

// MarshalJSON renders the amount in major units.
func (s Subscription) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID                     string      `json:"id"`
		UserID                 string      `json:"userId"`
		PlanID                 string      `json:"planId,omitempty"`
		Status                 Status      `json:"status"`
		Amount                 json.Number `json:"amount"`
		Currency               string      `json:"currency"`
		BillingCycle           string      `json:"billingCycle"`
		NextBillingDate        string      `json:"nextBillingDate"`
		ExternalSubscriptionID string      `json:"externalSubscriptionId,omitempty"`
		CreatedAt              time.Time   `json:"createdAt"`
		UpdatedAt              time.Time   `json:"updatedAt"`
	}{
		ID:                     s.ID,
		UserID:                 s.UserID,
		PlanID:                 s.PlanID,
		Status:                 s.Status,
		Amount:                 s.Amount.Decimal(),
		Currency:               string(s.Amount.Currency),
		BillingCycle:           s.BillingCycle,
		NextBillingDate:        s.BillingPeriod(),
		ExternalSubscriptionID: s.ExternalSubscriptionID,
		CreatedAt:              s.CreatedAt,
		UpdatedAt:              s.UpdatedAt,
	})
}

// Store reads subscriptions.
type Store interface {
	// GetActive returns the user's active subscription or ErrNotFound.
	GetActive(ctx context.Context, userID string) (*Subscription, error)
	// ListDue returns active subscriptions whose next billing date is on or
	// before date, ordered by billing date then user.
	ListDue(ctx context.Context, date time.Time) ([]*Subscription, error)
	Put(ctx context.Context, sub *Subscription) error
}

// dayEnd returns the last instant of date's UTC day.
func dayEnd(date time.Time) time.Time {
	y, m, d := date.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1).Add(-time.Nanosecond)
}
