package nats

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/events"
)

func TestBillingStreamCoversEventSubjects(t *testing.T) {
	cfg := BillingStreamConfig("BILLING")
	assert.Equal(t, []string{"events.billing.>", "events.wallet.>"}, cfg.Subjects)
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{URL: "nats://localhost:4222"}.Enabled())
}

// Requires a JetStream enabled server, e.g. `nats-server -js`.
func TestPublishAndConsume(t *testing.T) {
	url := os.Getenv("NATS_TEST_URL")
	if url == "" {
		t.Skip("NATS_TEST_URL not set")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := New(ctx, Config{URL: url, Name: "billing-test"}, logger)
	require.NoError(t, err)
	defer client.Close()

	stream := "BILLING_TEST_" + time.Now().Format("150405")
	_, err = client.EnsureStream(ctx, BillingStreamConfig(stream))
	require.NoError(t, err)
	defer func() { _ = client.js.DeleteStream(context.Background(), stream) }()

	consumer, err := client.EnsureConsumer(ctx, ConsumerConfig{
		Name:           "notifier-test",
		Stream:         stream,
		FilterSubjects: []string{"events.billing.settlement.>"},
	})
	require.NoError(t, err)

	evt, err := events.NewEvent(events.EventSettlementSucceeded, events.AggregateTransaction, "txn_1", events.SettlementData{TransactionID: "txn_1"})
	require.NoError(t, err)
	require.NoError(t, NewPublisher(client, logger).Publish(ctx, evt))

	received := make(chan string, 1)
	subCtx, stop := context.WithCancel(ctx)
	go func() {
		_ = NewSubscriber(consumer, logger).Start(subCtx, func(_ context.Context, e *events.Event) error {
			received <- e.ID
			return nil
		})
	}()

	select {
	case id := <-received:
		assert.Equal(t, evt.ID, id)
	case <-ctx.Done():
		t.Fatal("event not delivered")
	}
	stop()
}
