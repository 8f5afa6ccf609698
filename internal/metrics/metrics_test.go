package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveSettlement(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveSettlement("wallet_paypal", "success")
	m.ObserveSettlement("wallet_paypal", "success")
	m.ObserveSettlement("stripe", "failed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.settlements.WithLabelValues("wallet_paypal", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settlements.WithLabelValues("stripe", "failed")))
}

func TestObserveGatewayCall(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveGatewayCall("paypal", "declined", 150*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.gatewayRequests.WithLabelValues("paypal", "declined")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.gatewayDuration))
}

func TestObserveBatch(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveBatch("completed", 2*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchRuns.WithLabelValues("completed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.batchDuration))
}

func TestNilBillingIsSafe(t *testing.T) {
	var m *Billing
	assert.NotPanics(t, func() {
		m.ObserveSettlement("wallet", "success")
		m.ObserveGatewayCall("paypal", "success", time.Second)
		m.ObserveBatch("completed", time.Second)
	})
}
