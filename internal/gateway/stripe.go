package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// StripeConfig holds Stripe adapter configuration.
type StripeConfig struct {
	SecretKey      string        `envconfig:"STRIPE_SECRET_KEY" default:"sk_test_default"`
	PublishableKey string        `envconfig:"STRIPE_PUBLISHABLE_KEY" default:"pk_test_default"`
	BaseURL        string        `envconfig:"STRIPE_BASE_URL" default:"https://api.stripe.com"`
	AppURL         string        `envconfig:"APP_URL"`
	Timeout        time.Duration `envconfig:"STRIPE_TIMEOUT" default:"30s"`
	// TestDelay models processor latency in test mode.
	TestDelay time.Duration `envconfig:"STRIPE_TEST_DELAY" default:"1s"`
}

type stripeScenario struct {
	rate   float64
	reason string
}

// Cumulative outcome table for simulated charges.
var stripeScenarios = []stripeScenario{
	{rate: 0.85},
	{rate: 0.10, reason: ReasonCardDeclined},
	{rate: 0.05, reason: ReasonInsufficientFunds},
}

// StripeAdapter charges through Stripe payment intents.
type StripeAdapter struct {
	config     StripeConfig
	testMode   bool
	outcomes   OutcomeSource
	httpClient *http.Client
	logger     *slog.Logger
}

// NewStripeAdapter creates a Stripe adapter.
func NewStripeAdapter(cfg StripeConfig, testMode bool, outcomes OutcomeSource, logger *slog.Logger) *StripeAdapter {
	if outcomes == nil {
		outcomes = NewRandSource(0)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.stripe.com"
	}
	return &StripeAdapter{
		config:   cfg,
		testMode: testMode,
		outcomes: outcomes,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

func (a *StripeAdapter) Name() Name { return Stripe }

// Charge collects req.Amount. PaymentMethodRef is the Stripe payment method id.
func (a *StripeAdapter) Charge(ctx context.Context, req ChargeRequest) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}
	if a.testMode {
		return a.simulate(ctx, req)
	}
	return a.createPaymentIntent(ctx, req)
}

func (a *StripeAdapter) simulate(ctx context.Context, req ChargeRequest) (Result, error) {
	a.logger.Info("simulating stripe charge", "amount", req.Amount.String())

	r := a.outcomes.Float64()
	scenario := stripeScenarios[0]
	cumulative := 0.0
	for _, s := range stripeScenarios {
		cumulative += s.rate
		if r < cumulative {
			scenario = s
			break
		}
	}

	if a.config.TestDelay > 0 {
		timer := time.NewTimer(a.config.TestDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Result{}, fmt.Errorf("simulating stripe charge: %w: %w", ErrTransport, ctx.Err())
		case <-timer.C:
		}
	}

	if scenario.reason != "" {
		return declined(scenario.reason, true), nil
	}
	return succeeded("pi_test_"+ulid.Make().String(), true), nil
}

type stripePaymentIntent struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type stripeErrorBody struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"error"`
}

func (a *StripeAdapter) createPaymentIntent(ctx context.Context, req ChargeRequest) (Result, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount.AmountMinor, 10))
	form.Set("currency", req.Amount.Currency.Lower())
	form.Set("confirm", "true")
	if req.PaymentMethodRef != "" {
		form.Set("payment_method", req.PaymentMethodRef)
	}
	if req.Description != "" {
		form.Set("description", req.Description)
	}
	if a.config.AppURL != "" {
		form.Set("return_url", a.config.AppURL+"/payment/success")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+"/v1/payment_intents",
		strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, fmt.Errorf("building stripe request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.config.SecretKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("creating stripe payment intent: %w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("reading stripe response: %w: %w", ErrTransport, err)
	}

	if resp.StatusCode >= 400 {
		var serr stripeErrorBody
		_ = json.Unmarshal(respBody, &serr)

		// Card errors come back as 402 and are ordinary declines.
		if resp.StatusCode == http.StatusPaymentRequired {
			reason := serr.Error.DeclineCode
			if reason == "" {
				reason = serr.Error.Code
			}
			if reason == "" {
				reason = ReasonCardDeclined
			}
			return declined(reason, false), nil
		}

		msg := serr.Error.Message
		if msg == "" {
			msg = resp.Status
		}
		return Result{}, fmt.Errorf("stripe payment failed: %w: %s", ErrTransport, msg)
	}

	var intent stripePaymentIntent
	if err := json.Unmarshal(respBody, &intent); err != nil {
		return Result{}, fmt.Errorf("decoding stripe payment intent: %w: %w", ErrTransport, err)
	}
	if intent.ID == "" {
		return Result{}, fmt.Errorf("decoding stripe payment intent: %w: missing id", ErrTransport)
	}

	if intent.Status != "succeeded" {
		result := declined("payment intent status: "+intent.Status, false)
		result.ExternalID = intent.ID
		return result, nil
	}
	return succeeded(intent.ID, false), nil
}
