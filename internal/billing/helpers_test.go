package billing_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/billing"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/billing/store"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/events"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/money"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/gateway"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/subscription"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/wallet"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type chargeFunc func(ctx context.Context, req gateway.ChargeRequest) (gateway.Result, error)

type fakeGateway struct {
	name   gateway.Name
	charge chargeFunc

	mu    sync.Mutex
	calls []gateway.ChargeRequest
}

func (g *fakeGateway) Name() gateway.Name { return g.name }

func (g *fakeGateway) Charge(ctx context.Context, req gateway.ChargeRequest) (gateway.Result, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	if g.charge != nil {
		return g.charge(ctx, req)
	}
	return gateway.Result{Succeeded: true, ExternalID: "ext_1", TestMode: true}, nil
}

func (g *fakeGateway) Calls() []gateway.ChargeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.ChargeRequest(nil), g.calls...)
}

func declineWith(reason string) chargeFunc {
	return func(context.Context, gateway.ChargeRequest) (gateway.Result, error) {
		return gateway.Result{FailureReason: reason, TestMode: true}, nil
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) OfType(eventType string) []*events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*events.Event
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type recordingNotifier struct {
	mu        sync.Mutex
	successes []*billing.Transaction
	failures  []*billing.Transaction
	err       error
}

func (n *recordingNotifier) NotifySuccess(_ context.Context, _ string, txn *billing.Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, txn)
	return n.err
}

func (n *recordingNotifier) NotifyFailure(_ context.Context, _ string, txn *billing.Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, txn)
	return n.err
}

// failingSubscriptions fails lookups for selected users.
type failingSubscriptions struct {
	subscription.Store
	fail  map[string]error
	panic map[string]bool
}

func (s *failingSubscriptions) GetActive(ctx context.Context, userID string) (*subscription.Subscription, error) {
	if s.panic[userID] {
		panic("subscription store exploded")
	}
	if err, ok := s.fail[userID]; ok {
		return nil, err
	}
	return s.Store.GetActive(ctx, userID)
}

var errStoreDown = errors.New("subscription store unreachable")

type fixture struct {
	engine   *billing.Engine
	wallets  *wallet.MemoryStore
	subs     *failingSubscriptions
	txns     *store.MemoryStore
	paypal   *fakeGateway
	stripe   *fakeGateway
	notifier *recordingNotifier
	events   *recordingPublisher
}

var billingDate = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

func usd(v float64) money.Money {
	return money.NewFromMajor(v, money.USD)
}

func newFixture(t *testing.T, cfg billing.Config, balances map[string]float64) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		wallets:  wallet.NewMemoryStore(),
		subs:     &failingSubscriptions{Store: subscription.NewMemoryStore(), fail: map[string]error{}, panic: map[string]bool{}},
		txns:     store.NewMemoryStore(),
		paypal:   &fakeGateway{name: gateway.PayPal},
		stripe:   &fakeGateway{name: gateway.Stripe},
		notifier: &recordingNotifier{},
		events:   &recordingPublisher{},
	}

	for user, balance := range balances {
		require.NoError(t, f.wallets.Put(ctx, &wallet.Wallet{UserID: user, Balance: usd(balance)}))
		require.NoError(t, f.subs.Put(ctx, &subscription.Subscription{
			ID:              "sub_" + user,
			UserID:          user,
			PlanID:          "plan_premium",
			Status:          subscription.StatusActive,
			Amount:          usd(29.99),
			BillingCycle:    "monthly",
			NextBillingDate: billingDate,
		}))
	}

	f.engine = billing.NewEngine(billing.Dependencies{
		Wallets:       wallet.NewLedger(f.wallets, f.events, discard),
		Subscriptions: f.subs,
		Gateways:      gateway.NewRegistry(gateway.PayPal, f.paypal, f.stripe),
		Transactions:  f.txns,
		Notifier:      f.notifier,
		Publisher:     f.events,
	}, cfg, discard)
	return f
}

func (f *fixture) balance(t *testing.T, userID string) string {
	t.Helper()
	w, err := f.wallets.Get(context.Background(), userID)
	require.NoError(t, err)
	return w.Balance.MajorString()
}

func (f *fixture) snapshot(t *testing.T, userID string) (*subscription.Subscription, *wallet.Wallet) {
	t.Helper()
	sub, err := f.subs.GetActive(context.Background(), userID)
	require.NoError(t, err)
	w, err := f.wallets.Get(context.Background(), userID)
	require.NoError(t, err)
	return sub, w
}

func defaultConfig() billing.Config {
	return billing.Config{
		DefaultGateway: "paypal",
		GatewayTimeout: time.Second,
		Workers:        1,
		PeriodGuard:    true,
		TestMode:       true,
	}
}
