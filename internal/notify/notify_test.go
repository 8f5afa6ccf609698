package notify_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/billing"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/events"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/money"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/notify"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type captureSender struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (s *captureSender) Send(_ context.Context, msg notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

type mapStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *mapStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func usd(v float64) money.Money {
	return money.NewFromMajor(v, money.USD)
}

func hybridTxn() *billing.Transaction {
	return &billing.Transaction{
		ID:              "txn_1",
		UserID:          "user_456",
		SubscriptionID:  "sub_456",
		Amount:          usd(29.99),
		WalletAmount:    usd(25.50),
		ExternalAmount:  usd(4.49),
		PaymentMethod:   billing.MethodWalletPayPal,
		Status:          billing.StatusSuccess,
		Description:     "Subscription payment: $25.50 wallet + $4.49 PayPal",
		TransactionDate: time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestRenderSuccess(t *testing.T) {
	msg := notify.RenderSuccess("user_456", hybridTxn())

	assert.Equal(t, "user_user_456@example.com", msg.To)
	assert.Equal(t, "Subscription Renewed Successfully!", msg.Subject)
	assert.Equal(t, "txn_1", msg.TransactionID)
	assert.Contains(t, msg.Body, "Amount: $29.99\n")
	assert.Contains(t, msg.Body, "Date: 2/1/2024\n")
	assert.Contains(t, msg.Body, "Payment: using wallet ($25.50) + PayPal ($4.49)")
}

func TestPaymentPhrase(t *testing.T) {
	tests := []struct {
		method billing.PaymentMethod
		want   string
	}{
		{billing.MethodWallet, "using your wallet balance"},
		{billing.MethodPayPal, "via PayPal"},
		{billing.MethodStripe, "via Stripe"},
		{billing.MethodWalletStripe, "using wallet ($25.50) + Stripe ($4.49)"},
	}
	for _, tt := range tests {
		t.Run(string(tt.method), func(t *testing.T) {
			txn := hybridTxn()
			txn.PaymentMethod = tt.method
			assert.Equal(t, tt.want, notify.PaymentPhrase(txn))
		})
	}
}

func TestRenderFailure(t *testing.T) {
	txn := hybridTxn()
	txn.Status = billing.StatusFailed
	txn.Description = "Payment failed: Insufficient funds"

	msg := notify.RenderFailure("user_456", txn)
	assert.Equal(t, "user_user_456@example.com", msg.To)
	assert.Contains(t, msg.Body, "Amount due: $29.99")
	assert.Contains(t, msg.Body, "Reason: Payment failed: Insufficient funds")
}

func TestDispatcherWrapsSendErrors(t *testing.T) {
	sender := &captureSender{err: errors.New("smtp down")}
	d := notify.NewDispatcher(sender, discard)

	err := d.NotifySuccess(context.Background(), "user_456", hybridTxn())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp down")
}

func settlementEvent(t *testing.T, txn *billing.Transaction) *events.Event {
	t.Helper()
	eventType := events.EventSettlementSucceeded
	if !txn.Succeeded() {
		eventType = events.EventSettlementFailed
	}
	e, err := events.NewEvent(eventType, events.AggregateTransaction, txn.ID, billing.SettlementData(txn))
	require.NoError(t, err)
	return e
}

func TestConsumerRoutesByStatus(t *testing.T) {
	sender := &captureSender{}
	c := notify.NewConsumer(notify.NewDispatcher(sender, discard), nil, discard)

	require.NoError(t, c.Handle(context.Background(), settlementEvent(t, hybridTxn())))

	failed := hybridTxn()
	failed.ID = "txn_2"
	failed.Status = billing.StatusFailed
	failed.WalletAmount = money.Zero(money.USD)
	failed.ExternalAmount = money.Zero(money.USD)
	require.NoError(t, c.Handle(context.Background(), settlementEvent(t, failed)))

	require.Len(t, sender.sent, 2)
	assert.Equal(t, "Subscription Renewed Successfully!", sender.sent[0].Subject)
	assert.Contains(t, sender.sent[0].Body, "using wallet ($25.50) + PayPal ($4.49)")
	assert.Equal(t, "Subscription payment failed", sender.sent[1].Subject)
}

func TestConsumerSkipsRedelivery(t *testing.T) {
	sender := &captureSender{}
	c := notify.NewConsumer(notify.NewDispatcher(sender, discard), &mapStore{data: map[string][]byte{}}, discard)
	e := settlementEvent(t, hybridTxn())

	require.NoError(t, c.Handle(context.Background(), e))
	require.NoError(t, c.Handle(context.Background(), e))
	assert.Len(t, sender.sent, 1)
}

func TestConsumerIgnoresOtherEvents(t *testing.T) {
	sender := &captureSender{}
	c := notify.NewConsumer(notify.NewDispatcher(sender, discard), nil, discard)
	e, err := events.NewEvent(events.EventBatchCompleted, events.AggregateBatch, "batch_1", events.BatchCompletedData{})
	require.NoError(t, err)

	require.NoError(t, c.Handle(context.Background(), e))
	assert.Empty(t, sender.sent)
}

func TestConsumerReturnsNotifierError(t *testing.T) {
	sender := &captureSender{err: errors.New("smtp down")}
	c := notify.NewConsumer(notify.NewDispatcher(sender, discard), nil, discard)

	err := c.Handle(context.Background(), settlementEvent(t, hybridTxn()))
	assert.Error(t, err)
}
