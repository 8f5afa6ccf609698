package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/events"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/money"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/gateway"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/subscription"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/wallet"
)

// Config holds settlement configuration.
type Config struct {
	DefaultGateway string        `envconfig:"BILLING_DEFAULT_GATEWAY" default:"paypal"`
	GatewayTimeout time.Duration `envconfig:"BILLING_GATEWAY_TIMEOUT" default:"10s"`
	Workers        int           `envconfig:"BILLING_WORKERS" default:"1"`
	PeriodGuard    bool          `envconfig:"BILLING_PERIOD_GUARD" default:"true"`

	// TestMode marks wallet-only transactions; gateways report their own mode.
	TestMode bool `ignored:"true"`
}

// Notifier delivers customer notifications for finished settlements.
type Notifier interface {
	NotifySuccess(ctx context.Context, userID string, txn *Transaction) error
	NotifyFailure(ctx context.Context, userID string, txn *Transaction) error
}

// Recorder observes settlement metrics.
type Recorder interface {
	ObserveSettlement(method, status string)
	ObserveGatewayCall(gateway, outcome string, d time.Duration)
	ObserveBatch(status string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveSettlement(string, string)                  {}
func (nopRecorder) ObserveGatewayCall(string, string, time.Duration) {}
func (nopRecorder) ObserveBatch(string, time.Duration)               {}

// Dependencies are the collaborators of an Engine. Transactions, Notifier,
// Publisher and Metrics are optional.
type Dependencies struct {
	Wallets       *wallet.Ledger
	Subscriptions subscription.Store
	Gateways      *gateway.Registry
	Transactions  TransactionStore
	Notifier      Notifier
	Publisher     events.EventPublisher
	Metrics       Recorder
}

// Request asks for one user's due charge to be settled.
type Request struct {
	UserID           string
	Gateway          string
	PaymentMethodRef string
}

// Engine settles subscription charges.
type Engine struct {
	deps   Dependencies
	config Config
	locks  *userLocks
	logger *slog.Logger
	now    func() time.Time
}

// cleanupTimeout bounds recording and notification once the outcome is known.
const cleanupTimeout = 5 * time.Second

// NewEngine creates a settlement engine.
func NewEngine(deps Dependencies, cfg Config, logger *slog.Logger) *Engine {
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	return &Engine{
		deps:   deps,
		config: cfg,
		locks:  newUserLocks(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Process settles the user's active subscription. Concurrent calls for the
// same user run one after another. A period that already settled returns
// the recorded transaction without charging again.
//
// The returned error covers lookups that prevented an attempt; the outcome
// of an attempt is always a Transaction.
func (e *Engine) Process(ctx context.Context, req Request) (*Transaction, error) {
	if req.UserID == "" {
		return nil, errors.New("user id is required")
	}
	gw, err := e.deps.Gateways.Get(req.Gateway)
	if err != nil {
		return nil, err
	}

	unlock, err := e.locks.Lock(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("waiting for settlement lock: %w", err)
	}
	defer unlock()

	sub, err := e.deps.Subscriptions.GetActive(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("get subscription for %s: %w", req.UserID, err)
	}

	if prior, err := e.settledPeriod(ctx, sub); err != nil {
		return nil, err
	} else if prior != nil {
		e.logger.Info("billing period already settled",
			"user_id", req.UserID,
			"subscription_id", sub.ID,
			"billing_period", sub.BillingPeriod(),
			"transaction_id", prior.ID,
		)
		return prior, nil
	}

	w, err := e.deps.Wallets.Get(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	return e.settle(ctx, sub, w, gw, req.PaymentMethodRef), nil
}

func (e *Engine) settledPeriod(ctx context.Context, sub *subscription.Subscription) (*Transaction, error) {
	if !e.config.PeriodGuard || e.deps.Transactions == nil || sub.BillingPeriod() == "" {
		return nil, nil
	}
	prior, err := e.deps.Transactions.FindSuccessfulForPeriod(ctx, sub.ID, sub.BillingPeriod())
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("checking billing period: %w", err)
	}
	return prior, nil
}

// Settle splits the subscription amount between the user's wallet and gw
// and executes the charge. It holds the user's settlement lock and splits
// on the balance read under it, so w only identifies the wallet. It never
// fails; problems produce a failed Transaction.
func (e *Engine) Settle(ctx context.Context, sub *subscription.Subscription, w *wallet.Wallet, gw gateway.Gateway) *Transaction {
	if sub == nil || w == nil || w.UserID != sub.UserID {
		return e.settle(ctx, sub, w, gw, "")
	}

	unlock, err := e.locks.Lock(ctx, sub.UserID)
	if err != nil {
		return e.abandon(ctx, sub, "Billing failed: waiting for settlement lock: "+err.Error())
	}
	defer unlock()

	current, err := e.deps.Wallets.Get(ctx, sub.UserID)
	switch {
	case errors.Is(err, wallet.ErrNotFound):
		current = nil
	case err != nil:
		return e.abandon(ctx, sub, "Billing failed: "+err.Error())
	}
	return e.settle(ctx, sub, current, gw, "")
}

// DeductWallet debits the user's wallet directly, clamping at zero. It waits
// for any settlement in flight for the user.
func (e *Engine) DeductWallet(ctx context.Context, userID string, amount money.Money) (money.Money, error) {
	unlock, err := e.locks.Lock(ctx, userID)
	if err != nil {
		return money.Money{}, fmt.Errorf("waiting for settlement lock: %w", err)
	}
	defer unlock()

	return e.deps.Wallets.Debit(ctx, userID, amount)
}

// abandon records a failed attempt that never reached the wallet or a gateway.
func (e *Engine) abandon(ctx context.Context, sub *subscription.Subscription, description string) *Transaction {
	txn := e.newTransaction(sub, nil)
	e.fail(txn, description, "")
	e.finish(ctx, txn)
	return txn
}

func (e *Engine) newTransaction(sub *subscription.Subscription, w *wallet.Wallet) *Transaction {
	txn := &Transaction{
		ID:              NewTransactionID(),
		PaymentMethod:   MethodWallet,
		Status:          StatusFailed,
		TestMode:        e.config.TestMode,
		TransactionDate: e.now(),
	}
	if sub != nil {
		txn.UserID = sub.UserID
		txn.SubscriptionID = sub.ID
		txn.Amount = sub.Amount
		txn.BillingPeriod = sub.BillingPeriod()
	} else if w != nil {
		txn.UserID = w.UserID
		txn.Amount = money.Zero(w.Balance.Currency)
	}
	txn.WalletAmount = money.Zero(txn.Amount.Currency)
	txn.ExternalAmount = money.Zero(txn.Amount.Currency)
	return txn
}

func (e *Engine) settle(ctx context.Context, sub *subscription.Subscription, w *wallet.Wallet, gw gateway.Gateway, ref string) (txn *Transaction) {
	txn = e.newTransaction(sub, w)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("settlement panicked",
				"user_id", txn.UserID,
				"transaction_id", txn.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			e.fail(txn, fmt.Sprintf("Billing failed: %v", r), "")
		}
		e.finish(ctx, txn)
	}()

	switch {
	case sub == nil:
		e.fail(txn, "Billing failed: subscription not found", "")
		return txn
	case w == nil:
		e.fail(txn, "Billing failed: wallet not found", "")
		return txn
	case w.UserID != sub.UserID:
		e.fail(txn, fmt.Sprintf("Billing failed: wallet belongs to %s", w.UserID), "")
		return txn
	}

	cmp, err := w.Balance.Compare(sub.Amount)
	if err != nil {
		e.fail(txn, "Billing failed: "+err.Error(), "")
		return txn
	}

	switch {
	case cmp >= 0:
		e.settleFromWallet(ctx, txn, sub)
	case gw == nil:
		e.fail(txn, "Billing failed: no payment gateway available", "")
	case w.Balance.IsPositive():
		e.settleHybrid(ctx, txn, sub, w.Balance, gw, ref)
	default:
		e.settleExternal(ctx, txn, sub, gw, ref)
	}
	return txn
}

func (e *Engine) settleFromWallet(ctx context.Context, txn *Transaction, sub *subscription.Subscription) {
	txn.PaymentMethod = MethodWallet
	if _, err := e.deps.Wallets.Withdraw(ctx, sub.UserID, sub.Amount); err != nil {
		e.logger.Error("wallet debit failed", "user_id", sub.UserID, "error", err)
		e.fail(txn, "Billing failed: "+err.Error(), "")
		return
	}
	txn.Status = StatusSuccess
	txn.WalletAmount = sub.Amount
	txn.Description = "Subscription payment via wallet"
}

func (e *Engine) settleHybrid(ctx context.Context, txn *Transaction, sub *subscription.Subscription, balance money.Money, gw gateway.Gateway, ref string) {
	txn.PaymentMethod = hybridMethod(gw.Name())
	external, err := sub.Amount.Sub(balance)
	if err != nil {
		e.fail(txn, "Billing failed: "+err.Error(), "")
		return
	}

	res, err := e.charge(ctx, gw, txn, external, ref)
	if err != nil {
		e.fail(txn, "Payment failed: "+err.Error(), "")
		return
	}
	txn.TestMode = res.TestMode
	if !res.Succeeded {
		e.fail(txn, "Payment failed: "+res.FailureReason, res.FailureReason)
		return
	}
	txn.ExternalTransactionID = res.ExternalID

	// The gateway has taken the money; the debit must not be abandoned. A
	// balance that no longer covers the wallet share fails the transaction
	// for reconciliation against the external id.
	if _, err := e.deps.Wallets.Withdraw(context.WithoutCancel(ctx), sub.UserID, balance); err != nil {
		e.logger.Error("wallet debit failed after gateway charge",
			"user_id", sub.UserID,
			"transaction_id", txn.ID,
			"gateway", gw.Name(),
			"external_id", res.ExternalID,
			"amount", external.MajorString(),
			"error", err,
		)
		e.fail(txn, fmt.Sprintf("Billing failed: wallet debit after %s charge: %v", gw.Name().Title(), err), "")
		return
	}

	txn.Status = StatusSuccess
	txn.WalletAmount = balance
	txn.ExternalAmount = external
	txn.Description = fmt.Sprintf("Subscription payment: $%s wallet + $%s %s",
		balance.MajorString(), external.MajorString(), gw.Name().Title())
}

func (e *Engine) settleExternal(ctx context.Context, txn *Transaction, sub *subscription.Subscription, gw gateway.Gateway, ref string) {
	txn.PaymentMethod = externalMethod(gw.Name())

	res, err := e.charge(ctx, gw, txn, sub.Amount, ref)
	if err != nil {
		e.fail(txn, fmt.Sprintf("%s payment failed: %v", gw.Name().Title(), err), "")
		return
	}
	txn.TestMode = res.TestMode
	if !res.Succeeded {
		e.fail(txn, fmt.Sprintf("%s payment failed: %s", gw.Name().Title(), res.FailureReason), res.FailureReason)
		return
	}

	txn.Status = StatusSuccess
	txn.ExternalAmount = sub.Amount
	txn.ExternalTransactionID = res.ExternalID
	txn.Description = "Subscription payment via " + gw.Name().Title()
}

func (e *Engine) charge(ctx context.Context, gw gateway.Gateway, txn *Transaction, amount money.Money, ref string) (gateway.Result, error) {
	if e.config.GatewayTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.GatewayTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := gw.Charge(ctx, gateway.ChargeRequest{
		Amount:           amount,
		PaymentMethodRef: ref,
		Description:      "Subscription payment " + txn.SubscriptionID,
		IdempotencyKey:   txn.ID,
	})
	elapsed := time.Since(start)

	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
		e.logger.Error("gateway charge failed",
			"user_id", txn.UserID,
			"gateway", gw.Name(),
			"amount", amount.MajorString(),
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
	case !res.Succeeded:
		outcome = "declined"
		e.logger.Warn("gateway declined charge",
			"user_id", txn.UserID,
			"gateway", gw.Name(),
			"amount", amount.MajorString(),
			"reason", res.FailureReason,
		)
	default:
		e.logger.Info("gateway charge succeeded",
			"user_id", txn.UserID,
			"gateway", gw.Name(),
			"amount", amount.MajorString(),
			"external_id", res.ExternalID,
			"duration_ms", elapsed.Milliseconds(),
		)
	}
	e.deps.Metrics.ObserveGatewayCall(string(gw.Name()), outcome, elapsed)
	return res, err
}

// fail marks txn failed. Failed transactions never carry split amounts.
func (e *Engine) fail(txn *Transaction, description, reason string) {
	txn.Status = StatusFailed
	txn.WalletAmount = money.Zero(txn.Amount.Currency)
	txn.ExternalAmount = money.Zero(txn.Amount.Currency)
	txn.Description = description
	txn.FailureReason = reason
	if txn.FailureReason == "" {
		txn.FailureReason = description
	}
}

// finish records, publishes and notifies. Each step is best-effort.
func (e *Engine) finish(ctx context.Context, txn *Transaction) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	e.deps.Metrics.ObserveSettlement(string(txn.PaymentMethod), string(txn.Status))

	logger := e.logger.With(
		"user_id", txn.UserID,
		"transaction_id", txn.ID,
		"payment_method", txn.PaymentMethod,
		"status", txn.Status,
	)
	if txn.Succeeded() {
		logger.Info("settlement succeeded",
			"amount", txn.Amount.MajorString(),
			"wallet_amount", txn.WalletAmount.MajorString(),
			"external_amount", txn.ExternalAmount.MajorString(),
		)
	} else {
		logger.Warn("settlement failed", "description", txn.Description)
	}

	if e.deps.Transactions != nil {
		if err := e.deps.Transactions.Record(ctx, txn); err != nil {
			logger.Error("failed to record transaction", "error", err)
		}
	}

	if e.deps.Publisher != nil {
		eventType := events.EventSettlementFailed
		if txn.Succeeded() {
			eventType = events.EventSettlementSucceeded
		}
		if evt, err := events.NewEvent(eventType, events.AggregateTransaction, txn.ID, SettlementData(txn)); err == nil {
			if err := e.deps.Publisher.Publish(ctx, evt); err != nil {
				logger.Warn("failed to publish settlement", "error", err)
			}
		}
	}

	if e.deps.Notifier != nil {
		var err error
		if txn.Succeeded() {
			err = e.deps.Notifier.NotifySuccess(ctx, txn.UserID, txn)
		} else {
			err = e.deps.Notifier.NotifyFailure(ctx, txn.UserID, txn)
		}
		if err != nil {
			logger.Warn("failed to send notification", "error", err)
		}
	}
}

// SettlementData converts txn to its event payload.
func SettlementData(txn *Transaction) events.SettlementData {
	return events.SettlementData{
		TransactionID:         txn.ID,
		UserID:                txn.UserID,
		SubscriptionID:        txn.SubscriptionID,
		Currency:              string(txn.Amount.Currency),
		Amount:                txn.Amount.AmountMinor,
		WalletAmount:          txn.WalletAmount.AmountMinor,
		ExternalAmount:        txn.ExternalAmount.AmountMinor,
		PaymentMethod:         string(txn.PaymentMethod),
		Status:                string(txn.Status),
		ExternalTransactionID: txn.ExternalTransactionID,
		FailureReason:         txn.FailureReason,
		BillingPeriod:         txn.BillingPeriod,
		Description:           txn.Description,
		TestMode:              txn.TestMode,
		TransactionDate:       txn.TransactionDate,
	}
}

// TransactionFromEvent rebuilds a Transaction from an event payload.
func TransactionFromEvent(data events.SettlementData) *Transaction {
	currency := money.Currency(data.Currency)
	return &Transaction{
		ID:                    data.TransactionID,
		UserID:                data.UserID,
		SubscriptionID:        data.SubscriptionID,
		Amount:                money.New(data.Amount, currency),
		WalletAmount:          money.New(data.WalletAmount, currency),
		ExternalAmount:        money.New(data.ExternalAmount, currency),
		PaymentMethod:         PaymentMethod(data.PaymentMethod),
		Status:                Status(data.Status),
		ExternalTransactionID: data.ExternalTransactionID,
		Description:           data.Description,
		FailureReason:         data.FailureReason,
		BillingPeriod:         data.BillingPeriod,
		TestMode:              data.TestMode,
		TransactionDate:       data.TransactionDate,
	}
}
