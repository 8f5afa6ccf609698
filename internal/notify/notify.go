// Package notify tells customers how their renewal went.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/billing"
)

// Message is a rendered customer notification.
type Message struct {
	To            string
	Subject       string
	Body          string
	UserID        string
	TransactionID string
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the log instead of a mail provider.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("notification sent",
		"to", msg.To,
		"subject", msg.Subject,
		"user_id", msg.UserID,
		"transaction_id", msg.TransactionID,
		"body", msg.Body,
	)
	return nil
}

// Dispatcher renders settlement notifications and hands them to a Sender.
type Dispatcher struct {
	sender Sender
	logger *slog.Logger
}

var _ billing.Notifier = (*Dispatcher)(nil)

func NewDispatcher(sender Sender, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{sender: sender, logger: logger}
}

func (d *Dispatcher) NotifySuccess(ctx context.Context, userID string, txn *billing.Transaction) error {
	if err := d.sender.Send(ctx, RenderSuccess(userID, txn)); err != nil {
		return fmt.Errorf("sending success notification: %w", err)
	}
	return nil
}

func (d *Dispatcher) NotifyFailure(ctx context.Context, userID string, txn *billing.Transaction) error {
	if err := d.sender.Send(ctx, RenderFailure(userID, txn)); err != nil {
		return fmt.Errorf("sending failure notification: %w", err)
	}
	return nil
}

func recipient(userID string) string {
	return fmt.Sprintf("user_%s@example.com", userID)
}

// RenderSuccess builds the renewal confirmation.
func RenderSuccess(userID string, txn *billing.Transaction) Message {
	var b strings.Builder
	b.WriteString("Great news! Your subscription has been renewed successfully!\n\n")
	fmt.Fprintf(&b, "Amount: $%s\n", txn.Amount.MajorString())
	fmt.Fprintf(&b, "Date: %s\n", txn.TransactionDate.Format("1/2/2006"))
	fmt.Fprintf(&b, "Payment: %s\n\n", PaymentPhrase(txn))
	b.WriteString("Your premium plan is now active for another month. Thank you for being a valued customer!\n\n")
	b.WriteString("Need help? Contact our support team anytime.")

	return Message{
		To:            recipient(userID),
		Subject:       "Subscription Renewed Successfully!",
		Body:          b.String(),
		UserID:        userID,
		TransactionID: txn.ID,
	}
}

// RenderFailure builds the notice sent when a renewal could not be charged.
func RenderFailure(userID string, txn *billing.Transaction) Message {
	var b strings.Builder
	b.WriteString("We couldn't renew your subscription.\n\n")
	fmt.Fprintf(&b, "Amount due: $%s\n", txn.Amount.MajorString())
	fmt.Fprintf(&b, "Reason: %s\n\n", txn.Description)
	b.WriteString("Please top up your wallet or update your payment method and we'll try again.")

	return Message{
		To:            recipient(userID),
		Subject:       "Subscription payment failed",
		Body:          b.String(),
		UserID:        userID,
		TransactionID: txn.ID,
	}
}

// PaymentPhrase describes how a successful transaction was funded.
func PaymentPhrase(txn *billing.Transaction) string {
	switch txn.PaymentMethod {
	case billing.MethodWallet:
		return "using your wallet balance"
	case billing.MethodPayPal, billing.MethodStripe:
		return "via " + txn.PaymentMethod.Gateway().Title()
	case billing.MethodWalletPayPal, billing.MethodWalletStripe:
		return fmt.Sprintf("using wallet ($%s) + %s ($%s)",
			txn.WalletAmount.MajorString(), txn.PaymentMethod.Gateway().Title(), txn.ExternalAmount.MajorString())
	}
	return string(txn.PaymentMethod)
}
