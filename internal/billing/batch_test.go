package billing_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/billing"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/events"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/gateway"
)

var demoBalances = map[string]float64{"user_123": 55.50, "user_456": 25.50, "user_789": 0}

func TestRunDueIsolatesFailures(t *testing.T) {
	f := newFixture(t, defaultConfig(), demoBalances)
	f.subs.fail["user_456"] = errStoreDown
	scheduler := billing.NewScheduler(f.engine, 1, discard)

	result := scheduler.RunDue(context.Background(), []string{"user_123", "user_456", "user_789"}, "paypal")

	assert.Equal(t, 3, result.TotalProcessed)
	assert.Equal(t, 2, result.Successful)
	assert.Equal(t, 1, result.Failed)

	require.Len(t, result.PerUser, 3)
	assert.Equal(t, "user_123", result.PerUser[0].UserID)
	assert.Equal(t, billing.StatusSuccess, result.PerUser[0].Status)
	assert.Equal(t, "user_456", result.PerUser[1].UserID)
	assert.Equal(t, billing.StatusFailed, result.PerUser[1].Status)
	assert.Contains(t, result.PerUser[1].ErrorMessage, errStoreDown.Error())
	assert.Nil(t, result.PerUser[1].Transaction)
	assert.Equal(t, "user_789", result.PerUser[2].UserID)
	assert.Equal(t, billing.StatusSuccess, result.PerUser[2].Status)

	assert.Equal(t, "25.51", f.balance(t, "user_123"))
	assert.Equal(t, "25.50", f.balance(t, "user_456"))

	completed := f.events.OfType(events.EventBatchCompleted)
	require.Len(t, completed, 1)
	var data events.BatchCompletedData
	require.NoError(t, completed[0].DecodeData(&data))
	assert.Equal(t, 3, data.TotalProcessed)
	assert.Equal(t, "paypal", data.Gateway)
}

func TestRunDueReportsDeclinesAsFailed(t *testing.T) {
	f := newFixture(t, defaultConfig(), demoBalances)
	f.paypal.charge = declineWith("Insufficient funds")
	scheduler := billing.NewScheduler(f.engine, 1, discard)

	result := scheduler.RunDue(context.Background(), []string{"user_123", "user_456", "user_789"}, "")

	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, billing.StatusFailed, result.PerUser[1].Status)
	require.NotNil(t, result.PerUser[1].Transaction)
	assert.Equal(t, "Payment failed: Insufficient funds", result.PerUser[1].ErrorMessage)
}

func TestRunDueRecoversPanickingLookup(t *testing.T) {
	f := newFixture(t, defaultConfig(), demoBalances)
	f.subs.panic["user_456"] = true
	scheduler := billing.NewScheduler(f.engine, 1, discard)

	var result *billing.BatchResult
	require.NotPanics(t, func() {
		result = scheduler.RunDue(context.Background(), []string{"user_123", "user_456", "user_789"}, "paypal")
	})
	assert.Equal(t, 3, result.TotalProcessed)
	assert.Equal(t, billing.StatusFailed, result.PerUser[1].Status)
	assert.Contains(t, result.PerUser[1].ErrorMessage, "subscription store exploded")
	assert.Equal(t, billing.StatusSuccess, result.PerUser[2].Status)
}

func TestRunDueWorkersKeepOrder(t *testing.T) {
	balances := map[string]float64{}
	users := []string{"u1", "u2", "u3", "u4", "u5", "u6"}
	for _, u := range users {
		balances[u] = 0
	}
	f := newFixture(t, defaultConfig(), balances)
	f.paypal.charge = func(ctx context.Context, _ gateway.ChargeRequest) (gateway.Result, error) {
		time.Sleep(5 * time.Millisecond)
		return gateway.Result{Succeeded: true, ExternalID: "ext"}, nil
	}
	scheduler := billing.NewScheduler(f.engine, 3, discard)

	result := scheduler.RunDue(context.Background(), users, "paypal")

	assert.Equal(t, len(users), result.TotalProcessed)
	assert.Equal(t, len(users), result.Successful)
	for i, u := range users {
		assert.Equal(t, u, result.PerUser[i].UserID)
	}
	assert.Len(t, f.paypal.Calls(), len(users))
}

func TestRunDueDuplicateUserChargesOnce(t *testing.T) {
	f := newFixture(t, defaultConfig(), map[string]float64{"user_123": 55.50})
	scheduler := billing.NewScheduler(f.engine, 4, discard)

	result := scheduler.RunDue(context.Background(), []string{"user_123", "user_123", "user_123", "user_123"}, "paypal")

	assert.Equal(t, 4, result.Successful)
	assert.Equal(t, "25.51", f.balance(t, "user_123"))
	assert.Len(t, f.events.OfType(events.EventWalletDebited), 1)
}

func TestRunDueCancelled(t *testing.T) {
	f := newFixture(t, defaultConfig(), demoBalances)
	scheduler := billing.NewScheduler(f.engine, 1, discard)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := scheduler.RunDue(ctx, []string{"user_123", "user_456"}, "paypal")

	assert.Equal(t, 2, result.Failed)
	assert.Contains(t, result.PerUser[0].ErrorMessage, "batch cancelled")
	assert.Equal(t, "55.50", f.balance(t, "user_123"))
}

func TestDueUsers(t *testing.T) {
	f := newFixture(t, defaultConfig(), demoBalances)
	scheduler := billing.NewScheduler(f.engine, 1, discard)

	users, err := scheduler.DueUsers(context.Background(), billingDate)
	require.NoError(t, err)
	assert.Equal(t, []string{"user_123", "user_456", "user_789"}, users)

	users, err = scheduler.DueUsers(context.Background(), billingDate.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestBatchResultJSON(t *testing.T) {
	f := newFixture(t, defaultConfig(), map[string]float64{"user_123": 55.50})
	f.subs.fail["user_x"] = errStoreDown
	scheduler := billing.NewScheduler(f.engine, 1, discard)

	result := scheduler.RunDue(context.Background(), []string{"user_123", "user_x"}, "paypal")
	out, err := json.Marshal(result)
	require.NoError(t, err)

	var decoded struct {
		Results []struct {
			UserID      string         `json:"userId"`
			Status      string         `json:"status"`
			Error       string         `json:"error"`
			Transaction map[string]any `json:"transaction"`
		} `json:"results"`
		TotalProcessed int `json:"totalProcessed"`
	}
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Len(t, decoded.Results, 2)
	assert.Equal(t, 29.99, decoded.Results[0].Transaction["walletAmount"])
	assert.Equal(t, "wallet", decoded.Results[0].Transaction["paymentMethod"])
	assert.Equal(t, "failed", decoded.Results[1].Status)
	assert.NotEmpty(t, decoded.Results[1].Error)
	assert.Nil(t, decoded.Results[1].Transaction)
}
