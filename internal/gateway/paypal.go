package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// PayPalConfig holds PayPal adapter configuration.
type PayPalConfig struct {
	ClientID     string        `envconfig:"PAYPAL_CLIENT_ID" default:"sandbox_client_id"`
	ClientSecret string        `envconfig:"PAYPAL_CLIENT_SECRET" default:"sandbox_client_secret"`
	BaseURL      string        `envconfig:"PAYPAL_BASE_URL" default:"https://api.sandbox.paypal.com"`
	AppURL       string        `envconfig:"APP_URL"`
	Timeout      time.Duration `envconfig:"PAYPAL_TIMEOUT" default:"30s"`

	TestCustomerEmail    string `envconfig:"PAYPAL_TEST_CUSTOMER_EMAIL" default:"sb-xyz123456789@personal.example.com"`
	TestCustomerPassword string `envconfig:"PAYPAL_TEST_CUSTOMER_PASSWORD" default:"Test@1234"`
}

// paypalSuccessRate is the share of simulated charges that succeed.
const paypalSuccessRate = 0.9

// PayPalAdapter charges through PayPal checkout orders.
type PayPalAdapter struct {
	config     PayPalConfig
	testMode   bool
	outcomes   OutcomeSource
	httpClient *http.Client
	logger     *slog.Logger
}

// NewPayPalAdapter creates a PayPal adapter. In test mode outcomes decides
// each charge and no request leaves the process.
func NewPayPalAdapter(cfg PayPalConfig, testMode bool, outcomes OutcomeSource, logger *slog.Logger) *PayPalAdapter {
	if outcomes == nil {
		outcomes = NewRandSource(0)
	}
	return &PayPalAdapter{
		config:   cfg,
		testMode: testMode,
		outcomes: outcomes,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

func (a *PayPalAdapter) Name() Name { return PayPal }

// Charge collects req.Amount.
func (a *PayPalAdapter) Charge(ctx context.Context, req ChargeRequest) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}
	if a.testMode {
		return a.simulate(req), nil
	}
	return a.checkout(ctx, req)
}

func (a *PayPalAdapter) simulate(req ChargeRequest) Result {
	a.logger.Info("simulating paypal charge", "amount", req.Amount.String())
	if a.outcomes.Float64() < paypalSuccessRate {
		return succeeded("PAYPAL_TEST_"+ulid.Make().String(), true)
	}
	return declined("Insufficient funds", true)
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalPurchaseUnit struct {
	Amount      paypalAmount `json:"amount"`
	Description string       `json:"description"`
}

type paypalApplicationContext struct {
	ReturnURL  string `json:"return_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
	BrandName  string `json:"brand_name"`
	UserAction string `json:"user_action"`
}

type paypalOrderRequest struct {
	Intent             string                   `json:"intent"`
	PurchaseUnits      []paypalPurchaseUnit     `json:"purchase_units"`
	ApplicationContext paypalApplicationContext `json:"application_context"`
}

type paypalOrder struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type paypalError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// checkout creates a CAPTURE order and captures it. The order id is the
// external reference.
func (a *PayPalAdapter) checkout(ctx context.Context, req ChargeRequest) (Result, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return Result{}, err
	}

	order := paypalOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []paypalPurchaseUnit{{
			Amount: paypalAmount{
				CurrencyCode: string(req.Amount.Currency),
				Value:        req.Amount.MajorString(),
			},
			Description: "Subscription payment",
		}},
		ApplicationContext: paypalApplicationContext{
			BrandName:  "Subscription Billing",
			UserAction: "PAY_NOW",
		},
	}
	if a.config.AppURL != "" {
		order.ApplicationContext.ReturnURL = a.config.AppURL + "/payment/success"
		order.ApplicationContext.CancelURL = a.config.AppURL + "/payment/cancel"
	}
	body, err := json.Marshal(order)
	if err != nil {
		return Result{}, fmt.Errorf("encoding paypal order: %w", err)
	}

	var created paypalOrder
	reason, err := a.post(ctx, token, "/v2/checkout/orders", body, req.IdempotencyKey, "creating paypal order", &created)
	if err != nil || reason != "" {
		return declined(reason, false), err
	}
	if created.ID == "" {
		return Result{}, fmt.Errorf("decoding paypal order: %w: missing order id", ErrTransport)
	}

	var captured paypalOrder
	captureKey := ""
	if req.IdempotencyKey != "" {
		captureKey = req.IdempotencyKey + "-capture"
	}
	reason, err = a.post(ctx, token, "/v2/checkout/orders/"+url.PathEscape(created.ID)+"/capture", nil, captureKey, "capturing paypal order", &captured)
	if err != nil || reason != "" {
		if reason != "" {
			a.logger.Warn("paypal capture declined", "order_id", created.ID, "reason", reason)
		}
		return declined(reason, false), err
	}
	if captured.Status != "COMPLETED" {
		a.logger.Warn("paypal capture incomplete", "order_id", created.ID, "status", captured.Status)
		return declined("PayPal capture status "+captured.Status, false), nil
	}

	return succeeded(created.ID, false), nil
}

// post sends an authorized JSON request and decodes a 2xx body into out.
// A non-empty reason reports a decline; errors cover everything else.
func (a *PayPalAdapter) post(ctx context.Context, token, path string, body []byte, idempotencyKey, op string, out any) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building %s request: %w", op, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set("PayPal-Request-Id", idempotencyKey)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s: %w: %w", op, ErrTransport, ctx.Err())
		}
		a.logger.Warn("paypal request failed", "op", op, "error", err)
		return "PayPal request failed: " + err.Error(), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading %s response: %w: %w", op, ErrTransport, err)
	}

	if resp.StatusCode >= 400 {
		reason := resp.Status
		var perr paypalError
		if json.Unmarshal(respBody, &perr) == nil && perr.Message != "" {
			reason = perr.Message
		}
		return reason, nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return "", fmt.Errorf("decoding %s response: %w: %w", op, ErrTransport, err)
	}
	return "", nil
}

func (a *PayPalAdapter) accessToken(ctx context.Context) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+"/v1/oauth2/token",
		strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", fmt.Errorf("building paypal token request: %w", err)
	}
	httpReq.SetBasicAuth(a.config.ClientID, a.config.ClientSecret)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("requesting paypal token: %w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("paypal auth failed: %w: %s", ErrTransport, resp.Status)
	}

	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("decoding paypal token: %w: %w", ErrTransport, err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("decoding paypal token: %w: empty access token", ErrTransport)
	}
	return token.AccessToken, nil
}
