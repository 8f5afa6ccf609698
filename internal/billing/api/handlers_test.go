package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/billing"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/billing/store"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/money"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/gateway"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/scheduler"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/subscription"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/wallet"
)

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	testNow = time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
)

type stubRunner struct {
	err error
}

func (s stubRunner) Run(context.Context, scheduler.RunRequest) (*billing.BatchResult, error) {
	return nil, s.err
}

func newTestHandler(t *testing.T, declineGateways bool) (*Handler, *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()

	wallets := wallet.NewMemoryStore()
	subs := subscription.NewMemoryStore()
	for user, balance := range map[string]float64{"user_123": 55.50, "user_456": 25.50, "user_789": 0} {
		require.NoError(t, wallets.Put(ctx, &wallet.Wallet{ID: "wallet_" + user, UserID: user, Balance: money.NewFromMajor(balance, money.USD)}))
		require.NoError(t, subs.Put(ctx, &subscription.Subscription{
			ID:              "sub_" + user,
			UserID:          user,
			PlanID:          "plan_premium",
			Status:          subscription.StatusActive,
			Amount:          money.NewFromMajor(29.99, money.USD),
			BillingCycle:    "monthly",
			NextBillingDate: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		}))
	}

	outcome := gateway.FixedSource(0)
	if declineGateways {
		outcome = gateway.FixedSource(0.99)
	}
	txns := store.NewMemoryStore()
	ledger := wallet.NewLedger(wallets, nil, discard)
	engine := billing.NewEngine(billing.Dependencies{
		Wallets:       ledger,
		Subscriptions: subs,
		Gateways: gateway.NewRegistry(gateway.PayPal,
			gateway.NewPayPalAdapter(gateway.PayPalConfig{}, true, outcome, discard),
			gateway.NewStripeAdapter(gateway.StripeConfig{}, true, outcome, discard),
		),
		Transactions: txns,
	}, billing.Config{DefaultGateway: "paypal", GatewayTimeout: time.Second, Workers: 1, PeriodGuard: true, TestMode: true}, discard)

	batch := billing.NewScheduler(engine, 1, discard)
	h := NewHandler(Dependencies{
		Engine:        engine,
		Runner:        scheduler.New(batch, scheduler.Config{RunTimeout: time.Minute}, nil, discard),
		Wallets:       ledger,
		Subscriptions: subs,
		Transactions:  txns,
		TestMode:      true,
		Credentials:   gateway.SandboxCredentials(gateway.PayPalConfig{}, gateway.StripeConfig{}),
	})
	h.now = func() time.Time { return testNow }
	return h, txns
}

func do(t *testing.T, h *Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestProcessBatchBillsDueUsers(t *testing.T) {
	h, _ := newTestHandler(t, false)

	rec := do(t, h, http.MethodPost, "/billing/process", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success        bool   `json:"success"`
		Message        string `json:"message"`
		TotalProcessed int    `json:"totalProcessed"`
		Successful     int    `json:"successful"`
		Failed         int    `json:"failed"`
		Results        []struct {
			UserID      string         `json:"userId"`
			Status      string         `json:"status"`
			Transaction map[string]any `json:"transaction"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.True(t, resp.Success)
	assert.Equal(t, "Billing process completed successfully", resp.Message)
	assert.Equal(t, 3, resp.TotalProcessed)
	assert.Equal(t, 3, resp.Successful)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "wallet", resp.Results[0].Transaction["paymentMethod"])
	assert.Equal(t, "wallet_paypal", resp.Results[1].Transaction["paymentMethod"])
	assert.Equal(t, 25.5, resp.Results[1].Transaction["walletAmount"])
	assert.Equal(t, 4.49, resp.Results[1].Transaction["externalAmount"])
	assert.Equal(t, "paypal", resp.Results[2].Transaction["paymentMethod"])
}

func TestProcessBatchExplicitUsersAndGateway(t *testing.T) {
	h, _ := newTestHandler(t, false)

	rec := do(t, h, http.MethodPost, "/billing/process", map[string]any{
		"preferredPaymentMethod": "stripe",
		"userIds":                []string{"user_789", "user_missing"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, 2.0, body["totalProcessed"])
	assert.Equal(t, 1.0, body["failed"])
	results := body["results"].([]any)
	first := results[0].(map[string]any)
	assert.Equal(t, "stripe", first["transaction"].(map[string]any)["paymentMethod"])
	second := results[1].(map[string]any)
	assert.Equal(t, "failed", second["status"])
	assert.NotEmpty(t, second["error"])
}

func TestProcessBatchRejectsUnknownGateway(t *testing.T) {
	h, _ := newTestHandler(t, false)

	rec := do(t, h, http.MethodPost, "/billing/process", map[string]any{"preferredPaymentMethod": "venmo"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestProcessBatchRunInProgress(t *testing.T) {
	h, _ := newTestHandler(t, false)
	h.deps.Runner = stubRunner{err: scheduler.ErrRunInProgress}

	rec := do(t, h, http.MethodPost, "/billing/process", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, scheduler.ErrRunInProgress.Error(), body["error"])
}

func TestChargeStripe(t *testing.T) {
	h, _ := newTestHandler(t, false)

	rec := do(t, h, http.MethodPost, "/billing/stripe", map[string]any{"userId": "user_789", "paymentMethodId": "pm_card_visa"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Stripe payment processed successfully!", body["message"])
	txn := body["transaction"].(map[string]any)
	assert.Equal(t, "stripe", txn["paymentMethod"])
	assert.Equal(t, "Subscription payment via Stripe", txn["description"])
}

func TestChargeStripeDeclined(t *testing.T) {
	h, _ := newTestHandler(t, true)

	rec := do(t, h, http.MethodPost, "/billing/stripe", map[string]any{"userId": "user_789"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Stripe payment failed", body["message"])
}

func TestChargeStripeRequiresUser(t *testing.T) {
	h, _ := newTestHandler(t, false)

	rec := do(t, h, http.MethodPost, "/billing/stripe", map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSettleUser(t *testing.T) {
	h, _ := newTestHandler(t, false)

	first := decode(t, do(t, h, http.MethodPost, "/billing/users/user_456/settle", map[string]any{"preferredPaymentMethod": "paypal"}))
	assert.Equal(t, true, first["success"])
	assert.Equal(t, "wallet_paypal", first["transaction"].(map[string]any)["paymentMethod"])

	// Same billing period: the recorded transaction comes back.
	second := decode(t, do(t, h, http.MethodPost, "/billing/users/user_456/settle", nil))
	assert.Equal(t, first["transaction"].(map[string]any)["id"], second["transaction"].(map[string]any)["id"])

	wl := decode(t, do(t, h, http.MethodGet, "/wallets/user_456", nil))
	assert.Equal(t, 0.0, wl["data"].(map[string]any)["balance"])
}

func TestSettleUserNotFound(t *testing.T) {
	h, _ := newTestHandler(t, false)

	rec := do(t, h, http.MethodPost, "/billing/users/nobody/settle", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetWallet(t *testing.T) {
	h, _ := newTestHandler(t, false)

	rec := do(t, h, http.MethodGet, "/wallets/user_123", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "user_123", data["userId"])
	assert.Equal(t, 55.5, data["balance"])
	assert.Equal(t, "USD", data["currency"])

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/wallets/nobody", nil).Code)
}

func TestDeductWallet(t *testing.T) {
	h, _ := newTestHandler(t, false)

	rec := do(t, h, http.MethodPost, "/wallets/deduct", map[string]any{"userId": "user_123", "amount": 10})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Deducted $10.00 from wallet", body["message"])
	assert.Equal(t, 10.0, body["amount"])
	assert.Equal(t, 45.5, body["balance"])
}

func TestDeductWalletClampsAtZero(t *testing.T) {
	h, _ := newTestHandler(t, false)

	body := decode(t, do(t, h, http.MethodPost, "/wallets/deduct", map[string]any{"userId": "user_456", "amount": 100}))
	assert.Equal(t, 0.0, body["balance"])
}

func TestDeductWalletValidation(t *testing.T) {
	h, _ := newTestHandler(t, false)

	assert.Equal(t, http.StatusUnprocessableEntity,
		do(t, h, http.MethodPost, "/wallets/deduct", map[string]any{"userId": "user_123", "amount": -5}).Code)
	assert.Equal(t, http.StatusNotFound,
		do(t, h, http.MethodPost, "/wallets/deduct", map[string]any{"userId": "nobody", "amount": 5}).Code)
}

func TestGetSubscription(t *testing.T) {
	h, _ := newTestHandler(t, false)

	rec := do(t, h, http.MethodGet, "/subscriptions/user_123", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "sub_user_123", data["id"])
	assert.Equal(t, 29.99, data["amount"])
	assert.Equal(t, "2024-02-01", data["nextBillingDate"])

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/subscriptions/nobody", nil).Code)
}

func TestListDue(t *testing.T) {
	h, _ := newTestHandler(t, false)

	rec := do(t, h, http.MethodGet, "/subscriptions/due", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["data"], 3)

	rec = do(t, h, http.MethodPost, "/subscriptions/due", map[string]any{"date": "2024-01-31"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["data"])

	rec = do(t, h, http.MethodPost, "/subscriptions/due", map[string]any{"date": "tomorrow"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCreateAndListTransactions(t *testing.T) {
	h, _ := newTestHandler(t, false)

	rec := do(t, h, http.MethodPost, "/transactions", map[string]any{
		"userId":         "user_123",
		"subscriptionId": "sub_user_123",
		"amount":         29.99,
		"walletAmount":   25.50,
		"externalAmount": 4.49,
		"paymentMethod":  "wallet_paypal",
		"status":         "success",
		"description":    "Subscription payment: $25.50 wallet + $4.49 PayPal",
		"billingPeriod":  "2024-01-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode(t, rec)["data"].(map[string]any)
	assert.Contains(t, created["id"], "txn_")
	assert.NotEmpty(t, created["transactionDate"])

	rec = do(t, h, http.MethodGet, "/transactions?userId=user_123", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["data"], 1)
	assert.Equal(t, 1.0, body["pagination"].(map[string]any)["total"])

	rec = do(t, h, http.MethodGet, "/transactions?userId=user_456", nil)
	assert.Empty(t, decode(t, rec)["data"])
}

func TestCreateTransactionRejectsBadSplit(t *testing.T) {
	h, _ := newTestHandler(t, false)

	rec := do(t, h, http.MethodPost, "/transactions", map[string]any{
		"userId":         "user_123",
		"subscriptionId": "sub_user_123",
		"amount":         29.99,
		"walletAmount":   25.50,
		"externalAmount": 1,
		"paymentMethod":  "wallet_paypal",
		"status":         "success",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCreateTransactionDuplicatePeriod(t *testing.T) {
	h, _ := newTestHandler(t, false)
	body := map[string]any{
		"userId":         "user_123",
		"subscriptionId": "sub_user_123",
		"amount":         29.99,
		"walletAmount":   29.99,
		"paymentMethod":  "wallet",
		"status":         "success",
		"billingPeriod":  "2024-01-01",
	}

	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/transactions", body).Code)
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/transactions", body).Code)
}

func TestTestCredentials(t *testing.T) {
	h, _ := newTestHandler(t, false)

	rec := do(t, h, http.MethodGet, "/test-credentials", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]any)
	assert.Contains(t, data, "paypal")
	assert.Contains(t, data, "stripe")

	h.deps.TestMode = false
	rec = do(t, h, http.MethodGet, "/test-credentials", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	errBody := decode(t, rec)["error"].(map[string]any)
	assert.Equal(t, "Test credentials only available in test mode", errBody["message"])
}
