package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation sets the correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Subject is the broker subject the event is published on
func (e *Event) Subject() string {
	return SubjectPrefix + e.Type
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// SubjectPrefix namespaces every billing event subject.
const SubjectPrefix = "events."

// Event types
const (
	EventSettlementSucceeded = "billing.settlement.succeeded"
	EventSettlementFailed    = "billing.settlement.failed"
	EventBatchCompleted      = "billing.batch.completed"
	EventWalletDebited       = "wallet.debited"
)

// Aggregate types
const (
	AggregateTransaction = "transaction"
	AggregateBatch       = "batch"
	AggregateWallet      = "wallet"
)

// SettlementData is the data for billing.settlement.* events.
// Amounts are minor units.
type SettlementData struct {
	TransactionID         string    `json:"transaction_id"`
	UserID                string    `json:"user_id"`
	SubscriptionID        string    `json:"subscription_id"`
	Currency              string    `json:"currency"`
	Amount                int64     `json:"amount"`
	WalletAmount          int64     `json:"wallet_amount"`
	ExternalAmount        int64     `json:"external_amount"`
	PaymentMethod         string    `json:"payment_method"`
	Status                string    `json:"status"`
	ExternalTransactionID string    `json:"external_transaction_id,omitempty"`
	FailureReason         string    `json:"failure_reason,omitempty"`
	BillingPeriod         string    `json:"billing_period,omitempty"`
	Description           string    `json:"description"`
	TestMode              bool      `json:"test_mode"`
	TransactionDate       time.Time `json:"transaction_date"`
}

// BatchCompletedData is the data for billing.batch.completed events
type BatchCompletedData struct {
	BatchID        string    `json:"batch_id"`
	Gateway        string    `json:"gateway"`
	TotalProcessed int       `json:"total_processed"`
	Successful     int       `json:"successful"`
	Failed         int       `json:"failed"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

// WalletDebitedData is the data for wallet.debited events
type WalletDebitedData struct {
	WalletID   string `json:"wallet_id"`
	UserID     string `json:"user_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	NewBalance int64  `json:"new_balance"`
}
