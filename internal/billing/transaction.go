// Package billing settles subscription charges against wallets and external
// payment gateways.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/money"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/gateway"
)

var (
	ErrInvalidAmount        = errors.New("invalid transaction amount")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrDuplicateSettlement  = errors.New("billing period already settled")
	ErrInvalidPaymentMethod = errors.New("invalid payment method")
)

// PaymentMethod records which sources funded a transaction.
type PaymentMethod string

const (
	MethodWallet       PaymentMethod = "wallet"
	MethodPayPal       PaymentMethod = "paypal"
	MethodStripe       PaymentMethod = "stripe"
	MethodWalletPayPal PaymentMethod = "wallet_paypal"
	MethodWalletStripe PaymentMethod = "wallet_stripe"
)

// ParsePaymentMethod validates s.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch m := PaymentMethod(s); m {
	case MethodWallet, MethodPayPal, MethodStripe, MethodWalletPayPal, MethodWalletStripe:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, s)
}

// UsesWallet reports whether the method draws on the wallet.
func (m PaymentMethod) UsesWallet() bool {
	return m == MethodWallet || m == MethodWalletPayPal || m == MethodWalletStripe
}

// UsesGateway reports whether the method charges an external gateway.
func (m PaymentMethod) UsesGateway() bool {
	return m != MethodWallet
}

// Gateway returns the external gateway the method charges, if any.
func (m PaymentMethod) Gateway() gateway.Name {
	switch m {
	case MethodPayPal, MethodWalletPayPal:
		return gateway.PayPal
	case MethodStripe, MethodWalletStripe:
		return gateway.Stripe
	}
	return ""
}

func externalMethod(g gateway.Name) PaymentMethod {
	return PaymentMethod(g)
}

func hybridMethod(g gateway.Name) PaymentMethod {
	return PaymentMethod("wallet_" + string(g))
}

// Status of a settlement.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Transaction is the immutable record of one settlement attempt.
type Transaction struct {
	ID                    string
	UserID                string
	SubscriptionID        string
	Amount                money.Money
	WalletAmount          money.Money
	ExternalAmount        money.Money
	PaymentMethod         PaymentMethod
	Status                Status
	ExternalTransactionID string
	Description           string
	FailureReason         string
	BillingPeriod         string
	TestMode              bool
	TransactionDate       time.Time
}

// NewTransactionID returns a fresh transaction id.
func NewTransactionID() string {
	return "txn_" + ulid.Make().String()
}

func (t *Transaction) Succeeded() bool {
	return t.Status == StatusSuccess
}

// Validate checks the split invariants of a finished transaction.
func (t *Transaction) Validate() error {
	if t.UserID == "" {
		return errors.New("transaction user id is required")
	}
	if _, err := ParsePaymentMethod(string(t.PaymentMethod)); err != nil {
		return err
	}
	if t.Amount.IsNegative() || t.WalletAmount.IsNegative() || t.ExternalAmount.IsNegative() {
		return fmt.Errorf("%w: amounts must not be negative", ErrInvalidAmount)
	}

	switch t.Status {
	case StatusSuccess:
		total, err := t.WalletAmount.Add(t.ExternalAmount)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
		if !total.Equal(t.Amount) {
			return fmt.Errorf("%w: wallet %s + external %s != amount %s", ErrInvalidAmount, t.WalletAmount, t.ExternalAmount, t.Amount)
		}
		if t.PaymentMethod.UsesWallet() != t.WalletAmount.IsPositive() {
			return fmt.Errorf("%w: payment method %s disagrees with wallet amount %s", ErrInvalidAmount, t.PaymentMethod, t.WalletAmount)
		}
		if t.PaymentMethod.UsesGateway() != t.ExternalAmount.IsPositive() {
			return fmt.Errorf("%w: payment method %s disagrees with external amount %s", ErrInvalidAmount, t.PaymentMethod, t.ExternalAmount)
		}
	case StatusFailed:
		if !t.WalletAmount.IsZero() || !t.ExternalAmount.IsZero() {
			return fmt.Errorf("%w: failed transaction must not carry split amounts", ErrInvalidAmount)
		}
	default:
		return fmt.Errorf("invalid transaction status %q", t.Status)
	}
	return nil
}

// MarshalJSON renders amounts in major units.
func (t Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID                    string        `json:"id"`
		UserID                string        `json:"userId"`
		SubscriptionID        string        `json:"subscriptionId"`
		Amount                json.Number   `json:"amount"`
		WalletAmount          json.Number   `json:"walletAmount"`
		ExternalAmount        json.Number   `json:"externalAmount"`
		Currency              string        `json:"currency"`
		PaymentMethod         PaymentMethod `json:"paymentMethod"`
		Status                Status        `json:"status"`
		ExternalTransactionID string        `json:"externalTransactionId,omitempty"`
		Description           string        `json:"description"`
		FailureReason         string        `json:"failureReason,omitempty"`
		BillingPeriod         string        `json:"billingPeriod,omitempty"`
		TestMode              bool          `json:"testMode"`
		TransactionDate       time.Time     `json:"transactionDate"`
	}{
		ID:                    t.ID,
		UserID:                t.UserID,
		SubscriptionID:        t.SubscriptionID,
		Amount:                t.Amount.Decimal(),
		WalletAmount:          t.WalletAmount.Decimal(),
		ExternalAmount:        t.ExternalAmount.Decimal(),
		Currency:              string(t.Amount.Currency),
		PaymentMethod:         t.PaymentMethod,
		Status:                t.Status,
		ExternalTransactionID: t.ExternalTransactionID,
		Description:           t.Description,
		FailureReason:         t.FailureReason,
		BillingPeriod:         t.BillingPeriod,
		TestMode:              t.TestMode,
		TransactionDate:       t.TransactionDate,
	})
}

// ListFilter selects transactions for listing.
type ListFilter struct {
	UserID string
	Limit  int
	Offset int
}

// TransactionStore is the durable transaction log.
type TransactionStore interface {
	// Record appends a transaction. A second successful transaction for the
	// same subscription and billing period returns ErrDuplicateSettlement.
	Record(ctx context.Context, txn *Transaction) error
	// List returns matching transactions newest first, and the total count.
	List(ctx context.Context, filter ListFilter) ([]*Transaction, int, error)
	// FindSuccessfulForPeriod returns ErrTransactionNotFound when the period
	// has no successful settlement.
	FindSuccessfulForPeriod(ctx context.Context, subscriptionID, billingPeriod string) (*Transaction, error)
}
