// Package metrics exposes Prometheus collectors for settlement activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/billing"
)

// Billing holds the settlement collectors. A nil *Billing records nothing.
type Billing struct {
	settlements     *prometheus.CounterVec
	gatewayRequests *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	batchRuns       *prometheus.CounterVec
	batchDuration   prometheus.Histogram
}

var _ billing.Recorder = (*Billing)(nil)

// New creates the collectors and registers them with registerer, falling
// back to the default registerer when nil.
func New(registerer prometheus.Registerer) *Billing {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Billing{
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_settlements_total",
			Help: "Settlement attempts by payment method and status.",
		}, []string{"method", "status"}),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_gateway_requests_total",
			Help: "Gateway charge calls by outcome.",
		}, []string{"gateway", "outcome"}),
		gatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billing_gateway_duration_seconds",
			Help:    "Gateway charge latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"gateway"}),
		batchRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_batch_runs_total",
			Help: "Batch runs by status.",
		}, []string{"status"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "billing_batch_duration_seconds",
			Help:    "Batch run duration.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 1800},
		}),
	}

	registerer.MustRegister(
		m.settlements,
		m.gatewayRequests,
		m.gatewayDuration,
		m.batchRuns,
		m.batchDuration,
	)
	return m
}

func (m *Billing) ObserveSettlement(method, status string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(method, status).Inc()
}

func (m *Billing) ObserveGatewayCall(gateway, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(gateway, outcome).Inc()
	m.gatewayDuration.WithLabelValues(gateway).Observe(d.Seconds())
}

// ObserveBatch records a finished run; status is "completed" or "cancelled".
func (m *Billing) ObserveBatch(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.batchRuns.WithLabelValues(status).Inc()
	m.batchDuration.Observe(d.Seconds())
}
