// Package gateway charges external payment processors.
//
// Declines are ordinary outcomes and come back as a Result with Succeeded
// false. An error from Charge means the processor could not be reached or
// answered with something unusable; callers must treat it as a failed charge.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/money"
)

var (
	ErrUnknownGateway = errors.New("unknown payment gateway")
	ErrTransport      = errors.New("gateway transport failure")
)

// Name identifies a gateway.
type Name string

const (
	PayPal Name = "paypal"
	Stripe Name = "stripe"
)

// ParseName normalizes s into a known gateway name.
func ParseName(s string) (Name, error) {
	switch n := Name(strings.ToLower(strings.TrimSpace(s))); n {
	case PayPal, Stripe:
		return n, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownGateway, s)
}

// Title is the display name used in descriptions and notifications.
func (n Name) Title() string {
	switch n {
	case PayPal:
		return "PayPal"
	case Stripe:
		return "Stripe"
	}
	return string(n)
}

// Failure reasons reported by the simulated processors.
const (
	ReasonDeclined          = "declined"
	ReasonCardDeclined      = "card_declined"
	ReasonInsufficientFunds = "insufficient_funds"
)

// ChargeRequest asks a gateway to collect Amount.
type ChargeRequest struct {
	Amount           money.Money
	PaymentMethodRef string
	Description      string
	// IdempotencyKey is forwarded to processors that support request
	// deduplication.
	IdempotencyKey string
}

// Result is the outcome of a charge the processor answered.
type Result struct {
	Succeeded     bool
	ExternalID    string
	FailureReason string
	TestMode      bool
}

func succeeded(externalID string, testMode bool) Result {
	return Result{Succeeded: true, ExternalID: externalID, TestMode: testMode}
}

func declined(reason string, testMode bool) Result {
	return Result{FailureReason: reason, TestMode: testMode}
}

// Gateway is an external payment processor.
type Gateway interface {
	Name() Name
	Charge(ctx context.Context, req ChargeRequest) (Result, error)
}

func validate(req ChargeRequest) error {
	if !req.Amount.IsPositive() {
		return fmt.Errorf("charge amount must be positive, got %s", req.Amount)
	}
	return nil
}
