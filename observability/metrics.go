// Package observability exposes the Prometheus registries used across the
// node's RPC surface and loan engines.
package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type rpcMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

type loanMetrics struct {
	originated *prometheus.CounterVec
	payments   *prometheus.CounterVec
	rollovers  *prometheus.CounterVec
	defaults   prometheus.Counter
	feePool    *prometheus.GaugeVec
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics

	loanMetricsOnce sync.Once
	loanRegistry    *loanMetrics
)

// RPC returns the lazily-initialised registry recording request activity on
// the operation endpoints.
func RPC() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arcade",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total RPC requests segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arcade",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total RPC failures segmented by operation and error class.",
			}, []string{"operation", "class"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "arcade",
				Subsystem: "rpc",
				Name:      "latency_seconds",
				Help:      "Operation latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(rpcRegistry.requests, rpcRegistry.errors, rpcRegistry.latency)
	})
	return rpcRegistry
}

// Observe records one request with its outcome and duration.
func (m *rpcMetrics) Observe(operation string, err error, took time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(operation, errorClass(err)).Inc()
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(took.Seconds())
}

func errorClass(err error) string {
	msg := err.Error()
	if idx := strings.IndexByte(msg, ':'); idx > 0 {
		return strings.TrimSpace(msg[:idx])
	}
	return "internal"
}

// Loans returns the registry tracking loan lifecycle activity.
func Loans() *loanMetrics {
	loanMetricsOnce.Do(func() {
		loanRegistry = &loanMetrics{
			originated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arcade",
				Subsystem: "loans",
				Name:      "originated_total",
				Help:      "Count of loans opened segmented by origin kind.",
			}, []string{"kind"}),
			payments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arcade",
				Subsystem: "loans",
				Name:      "payments_total",
				Help:      "Count of repayment operations by kind.",
			}, []string{"kind"}),
			rollovers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arcade",
				Subsystem: "loans",
				Name:      "rollovers_total",
				Help:      "Count of rollover settlements by variant.",
			}, []string{"variant"}),
			defaults: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "arcade",
				Subsystem: "loans",
				Name:      "defaults_total",
				Help:      "Count of collateral claims on defaulted loans.",
			}),
			feePool: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "arcade",
				Subsystem: "loans",
				Name:      "fee_pool",
				Help:      "Accrued protocol fees per currency, in base units.",
			}, []string{"currency"}),
		}
		prometheus.MustRegister(
			loanRegistry.originated,
			loanRegistry.payments,
			loanRegistry.rollovers,
			loanRegistry.defaults,
			loanRegistry.feePool,
		)
	})
	return loanRegistry
}

// RecordOrigination counts one opened loan. Kind is "new", "rollover", or
// "migration".
func (m *loanMetrics) RecordOrigination(kind string) {
	if m == nil {
		return
	}
	m.originated.WithLabelValues(kind).Inc()
}

// RecordPayment counts one repayment operation. Kind is "partial", "full",
// or "force".
func (m *loanMetrics) RecordPayment(kind string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(kind).Inc()
}

// RecordRollover counts one rollover settlement by variant: "same",
// "currency", or "migration".
func (m *loanMetrics) RecordRollover(variant string) {
	if m == nil {
		return
	}
	m.rollovers.WithLabelValues(variant).Inc()
}

// RecordDefault counts one collateral claim.
func (m *loanMetrics) RecordDefault() {
	if m == nil {
		return
	}
	m.defaults.Inc()
}

// SetFeePool records the current fee pool level for a currency.
func (m *loanMetrics) SetFeePool(currency string, value float64) {
	if m == nil {
		return
	}
	m.feePool.WithLabelValues(strings.ToLower(currency)).Set(value)
}
