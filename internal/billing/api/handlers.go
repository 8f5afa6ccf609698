package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/billing"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/billing/store"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/api"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/money"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/gateway"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/scheduler"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/subscription"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/wallet"
)

// BatchRunner runs a billing batch.
type BatchRunner interface {
	Run(ctx context.Context, req scheduler.RunRequest) (*billing.BatchResult, error)
}

// Dependencies of the billing HTTP handlers.
type Dependencies struct {
	Engine        *billing.Engine
	Runner        BatchRunner
	Wallets       *wallet.Ledger
	Subscriptions subscription.Store
	Transactions  billing.TransactionStore
	TestMode      bool
	Credentials   gateway.TestCredentials
}

// Handler handles billing HTTP requests
type Handler struct {
	deps Dependencies
	now  func() time.Time
}

// NewHandler creates a new billing handler
func NewHandler(deps Dependencies) *Handler {
	return &Handler{deps: deps, now: func() time.Time { return time.Now().UTC() }}
}

// Routes returns the billing routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/billing/process", h.ProcessBatch)
	r.Post("/billing/stripe", h.ChargeStripe)
	r.Post("/billing/users/{userId}/settle", h.SettleUser)

	r.Get("/wallets/{userId}", h.GetWallet)
	r.Post("/wallets/deduct", h.DeductWallet)

	r.Get("/subscriptions/due", h.ListDue)
	r.Post("/subscriptions/due", h.ListDue)
	r.Get("/subscriptions/{userId}", h.GetSubscription)

	r.Get("/transactions", h.ListTransactions)
	r.Post("/transactions", h.CreateTransaction)

	r.Get("/test-credentials", h.GetTestCredentials)

	return r
}

// ProcessBatchRequest triggers a batch. Without userIds the users due
// today are billed.
type ProcessBatchRequest struct {
	PreferredPaymentMethod string   `json:"preferredPaymentMethod" validate:"omitempty,oneof=paypal stripe"`
	UserIDs                []string `json:"userIds" validate:"omitempty,dive,required"`
}

// BatchResponse is the response of a batch run.
type BatchResponse struct {
	Success        bool                 `json:"success"`
	Message        string               `json:"message"`
	BatchID        string               `json:"batchId"`
	Results        []billing.UserResult `json:"results"`
	TotalProcessed int                  `json:"totalProcessed"`
	Successful     int                  `json:"successful"`
	Failed         int                  `json:"failed"`
	Timestamp      time.Time            `json:"timestamp"`
}

type failureResponse struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// ProcessBatch handles POST /billing/process
func (h *Handler) ProcessBatch(w http.ResponseWriter, r *http.Request) {
	var req ProcessBatchRequest
	if err := api.DecodeOptionalAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	result, err := h.deps.Runner.Run(r.Context(), scheduler.RunRequest{
		Date:    h.now(),
		UserIDs: req.UserIDs,
		Gateway: req.PreferredPaymentMethod,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, scheduler.ErrRunInProgress) {
			status = http.StatusConflict
		}
		api.WriteJSON(w, status, failureResponse{Error: err.Error(), Timestamp: h.now()})
		return
	}

	results := result.PerUser
	if results == nil {
		results = []billing.UserResult{}
	}
	api.WriteJSON(w, http.StatusOK, BatchResponse{
		Success:        true,
		Message:        "Billing process completed successfully",
		BatchID:        result.ID,
		Results:        results,
		TotalProcessed: result.TotalProcessed,
		Successful:     result.Successful,
		Failed:         result.Failed,
		Timestamp:      h.now(),
	})
}

// SettlementResponse is the response of a single settlement.
type SettlementResponse struct {
	Success     bool                 `json:"success"`
	Transaction *billing.Transaction `json:"transaction"`
	Message     string               `json:"message"`
}

// ChargeStripeRequest settles one user through Stripe.
type ChargeStripeRequest struct {
	UserID          string `json:"userId" validate:"required"`
	PaymentMethodID string `json:"paymentMethodId"`
}

// ChargeStripe handles POST /billing/stripe
func (h *Handler) ChargeStripe(w http.ResponseWriter, r *http.Request) {
	var req ChargeStripeRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	txn, ok := h.process(w, r, billing.Request{
		UserID:           req.UserID,
		Gateway:          string(gateway.Stripe),
		PaymentMethodRef: req.PaymentMethodID,
	})
	if !ok {
		return
	}

	message := "Stripe payment failed"
	if txn.Succeeded() {
		message = "Stripe payment processed successfully!"
	}
	api.WriteJSON(w, http.StatusOK, SettlementResponse{Success: txn.Succeeded(), Transaction: txn, Message: message})
}

// SettleUserRequest settles one user.
type SettleUserRequest struct {
	PreferredPaymentMethod string `json:"preferredPaymentMethod" validate:"omitempty,oneof=paypal stripe"`
	PaymentMethodRef       string `json:"paymentMethodRef"`
}

// SettleUser handles POST /billing/users/{userId}/settle
func (h *Handler) SettleUser(w http.ResponseWriter, r *http.Request) {
	var req SettleUserRequest
	if err := api.DecodeOptionalAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	txn, ok := h.process(w, r, billing.Request{
		UserID:           chi.URLParam(r, "userId"),
		Gateway:          req.PreferredPaymentMethod,
		PaymentMethodRef: req.PaymentMethodRef,
	})
	if !ok {
		return
	}

	message := "Payment failed"
	if txn.Succeeded() {
		message = "Payment processed successfully"
	}
	api.WriteJSON(w, http.StatusOK, SettlementResponse{Success: txn.Succeeded(), Transaction: txn, Message: message})
}

func (h *Handler) process(w http.ResponseWriter, r *http.Request, req billing.Request) (*billing.Transaction, bool) {
	txn, err := h.deps.Engine.Process(r.Context(), req)
	switch {
	case err == nil:
		return txn, true
	case errors.Is(err, subscription.ErrNotFound):
		api.NotFound(w, "no active subscription found")
	case errors.Is(err, wallet.ErrNotFound):
		api.NotFound(w, "wallet not found")
	case errors.Is(err, gateway.ErrUnknownGateway):
		api.BadRequest(w, err.Error())
	default:
		api.InternalError(w, "failed to process payment")
	}
	return nil, false
}

// GetWallet handles GET /wallets/{userId}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wl, err := h.deps.Wallets.Get(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		if errors.Is(err, wallet.ErrNotFound) {
			api.NotFound(w, "wallet not found")
			return
		}
		api.InternalError(w, "failed to get wallet")
		return
	}

	api.WriteData(w, http.StatusOK, wl)
}

// DeductWalletRequest debits a wallet directly.
type DeductWalletRequest struct {
	UserID string  `json:"userId" validate:"required"`
	Amount float64 `json:"amount" validate:"gt=0"`
}

type deductResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	UserID    string      `json:"userId"`
	Amount    json.Number `json:"amount"`
	Balance   json.Number `json:"balance"`
	Currency  string      `json:"currency"`
	Timestamp time.Time   `json:"timestamp"`
}

// DeductWallet handles POST /wallets/deduct
func (h *Handler) DeductWallet(w http.ResponseWriter, r *http.Request) {
	var req DeductWalletRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	current, err := h.deps.Wallets.GetBalance(r.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, wallet.ErrNotFound) {
			api.NotFound(w, "wallet not found")
			return
		}
		api.InternalError(w, "failed to get wallet")
		return
	}

	amount := money.NewFromMajor(req.Amount, current.Currency)
	balance, err := h.deps.Engine.DeductWallet(r.Context(), req.UserID, amount)
	if err != nil {
		switch {
		case errors.Is(err, wallet.ErrInvalidAmount):
			api.ValidationError(w, err)
		case errors.Is(err, wallet.ErrNotFound):
			api.NotFound(w, "wallet not found")
		default:
			api.InternalError(w, "failed to deduct from wallet")
		}
		return
	}

	api.WriteJSON(w, http.StatusOK, deductResponse{
		Success:   true,
		Message:   "Deducted $" + amount.MajorString() + " from wallet",
		UserID:    req.UserID,
		Amount:    amount.Decimal(),
		Balance:   balance.Decimal(),
		Currency:  string(balance.Currency),
		Timestamp: h.now(),
	})
}

// GetSubscription handles GET /subscriptions/{userId}
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.deps.Subscriptions.GetActive(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			api.NotFound(w, "no active subscription found")
			return
		}
		api.InternalError(w, "failed to get subscription")
		return
	}

	api.WriteData(w, http.StatusOK, sub)
}

// DueRequest selects subscriptions due on or before Date.
type DueRequest struct {
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
}

// ListDue handles GET and POST /subscriptions/due. GET looks one day ahead.
func (h *Handler) ListDue(w http.ResponseWriter, r *http.Request) {
	date := h.now().AddDate(0, 0, 1)
	if r.Method == http.MethodPost {
		var req DueRequest
		if err := api.DecodeAndValidate(r, &req); err != nil {
			api.ValidationError(w, err)
			return
		}
		parsed, err := time.Parse(subscription.DateLayout, req.Date)
		if err != nil {
			api.ValidationError(w, err)
			return
		}
		date = parsed
	}

	subs, err := h.deps.Subscriptions.ListDue(r.Context(), date)
	if err != nil {
		api.InternalError(w, "failed to fetch due subscriptions")
		return
	}
	if subs == nil {
		subs = []*subscription.Subscription{}
	}

	api.WriteData(w, http.StatusOK, subs)
}

// ListTransactions handles GET /transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	page := api.GetPaginationParams(r, store.DefaultLimit, 200)

	txns, total, err := h.deps.Transactions.List(r.Context(), billing.ListFilter{
		UserID: r.URL.Query().Get("userId"),
		Limit:  page.Limit,
		Offset: page.Offset,
	})
	if err != nil {
		api.InternalError(w, "failed to fetch transactions")
		return
	}

	api.WritePaginated(w, txns, &api.Pagination{
		Limit:   page.Limit,
		Offset:  page.Offset,
		Total:   int64(total),
		HasMore: page.Offset+len(txns) < total,
	})
}

// CreateTransactionRequest records a transaction settled elsewhere.
type CreateTransactionRequest struct {
	ID                    string  `json:"id"`
	UserID                string  `json:"userId" validate:"required"`
	SubscriptionID        string  `json:"subscriptionId" validate:"required"`
	Amount                float64 `json:"amount" validate:"gt=0"`
	WalletAmount          float64 `json:"walletAmount" validate:"min=0"`
	ExternalAmount        float64 `json:"externalAmount" validate:"min=0"`
	Currency              string  `json:"currency" validate:"omitempty,len=3"`
	PaymentMethod         string  `json:"paymentMethod" validate:"required,oneof=wallet paypal stripe wallet_paypal wallet_stripe"`
	Status                string  `json:"status" validate:"required,oneof=success failed"`
	ExternalTransactionID string  `json:"externalTransactionId"`
	Description           string  `json:"description"`
	FailureReason         string  `json:"failureReason"`
	BillingPeriod         string  `json:"billingPeriod" validate:"omitempty,datetime=2006-01-02"`
	TestMode              bool    `json:"testMode"`
}

// CreateTransaction handles POST /transactions
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	currency := money.USD
	if req.Currency != "" {
		c, err := money.ParseCurrency(req.Currency)
		if err != nil {
			api.ValidationError(w, err)
			return
		}
		currency = c
	}

	txn := &billing.Transaction{
		ID:                    req.ID,
		UserID:                req.UserID,
		SubscriptionID:        req.SubscriptionID,
		Amount:                money.NewFromMajor(req.Amount, currency),
		WalletAmount:          money.NewFromMajor(req.WalletAmount, currency),
		ExternalAmount:        money.NewFromMajor(req.ExternalAmount, currency),
		PaymentMethod:         billing.PaymentMethod(req.PaymentMethod),
		Status:                billing.Status(req.Status),
		ExternalTransactionID: req.ExternalTransactionID,
		Description:           req.Description,
		FailureReason:         req.FailureReason,
		BillingPeriod:         req.BillingPeriod,
		TestMode:              req.TestMode,
		TransactionDate:       h.now(),
	}
	if txn.ID == "" {
		txn.ID = billing.NewTransactionID()
	}
	if err := txn.Validate(); err != nil {
		api.ValidationError(w, err)
		return
	}

	if err := h.deps.Transactions.Record(r.Context(), txn); err != nil {
		if errors.Is(err, billing.ErrDuplicateSettlement) {
			api.Conflict(w, "billing period already settled")
			return
		}
		api.InternalError(w, "failed to create transaction")
		return
	}

	api.WriteData(w, http.StatusCreated, txn)
}

// GetTestCredentials handles GET /test-credentials
func (h *Handler) GetTestCredentials(w http.ResponseWriter, r *http.Request) {
	if !h.deps.TestMode {
		api.Forbidden(w, "Test credentials only available in test mode")
		return
	}

	api.WriteData(w, http.StatusOK, h.deps.Credentials)
}
