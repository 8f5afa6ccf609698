package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/billing"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/events"
)

// SentStore remembers which transactions were already notified.
type SentStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

const sentTTL = 7 * 24 * time.Hour

// Consumer turns settlement events into notifications.
type Consumer struct {
	notifier billing.Notifier
	sent     SentStore
	logger   *slog.Logger
}

// NewConsumer creates a consumer. sent may be nil, in which case redelivered
// events are notified again.
func NewConsumer(notifier billing.Notifier, sent SentStore, logger *slog.Logger) *Consumer {
	return &Consumer{notifier: notifier, sent: sent, logger: logger}
}

// Handle processes one event. Events other than settlements are ignored.
func (c *Consumer) Handle(ctx context.Context, event *events.Event) error {
	if event.Type != events.EventSettlementSucceeded && event.Type != events.EventSettlementFailed {
		return nil
	}

	var data events.SettlementData
	if err := event.DecodeData(&data); err != nil {
		// Redelivery cannot fix a bad payload.
		c.logger.Error("dropping undecodable settlement event", "event_id", event.ID, "error", err)
		return nil
	}

	key := "notified:" + data.TransactionID
	if c.sent != nil {
		if _, ok, err := c.sent.Get(ctx, key); err != nil {
			c.logger.Warn("notification dedup lookup failed", "error", err, "transaction_id", data.TransactionID)
		} else if ok {
			c.logger.Debug("notification already sent", "transaction_id", data.TransactionID)
			return nil
		}
	}

	txn := billing.TransactionFromEvent(data)
	var err error
	if txn.Succeeded() {
		err = c.notifier.NotifySuccess(ctx, txn.UserID, txn)
	} else {
		err = c.notifier.NotifyFailure(ctx, txn.UserID, txn)
	}
	if err != nil {
		return fmt.Errorf("notifying user %s: %w", txn.UserID, err)
	}

	if c.sent != nil {
		if err := c.sent.Set(ctx, key, []byte(event.ID), sentTTL); err != nil {
			c.logger.Warn("failed to remember notification", "error", err, "transaction_id", data.TransactionID)
		}
	}
	return nil
}
