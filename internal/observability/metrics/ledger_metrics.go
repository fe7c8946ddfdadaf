package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics tracks credit ledger health: balance write conflicts,
// refund compensation outcomes and analysis job terminal states.
type LedgerMetrics struct {
	balanceConflicts *prometheus.CounterVec
	refunds          *prometheus.CounterVec
	jobsCompleted    *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
}

var (
	ledgerMetricsOnce sync.Once
	ledgerMetrics     *LedgerMetrics
)

func Ledger() *LedgerMetrics {
	return LedgerWithConfig(Config{})
}

func LedgerWithConfig(cfg Config) *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerMetrics = newLedgerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return ledgerMetrics
}

func ResetLedgerMetricsForTest() {
	ledgerMetricsOnce = sync.Once{}
	ledgerMetrics = nil
}

func newLedgerMetrics(registerer prometheus.Registerer, cfg Config) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "insight"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}

	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	balanceConflicts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "insight_credit_balance_conflicts_total",
			Help:        "Conditional balance updates that lost the write race.",
			ConstLabels: constLabels,
		},
		[]string{"outcome"}, // retried | surfaced
	)

	refunds := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "insight_credit_refunds_total",
			Help:        "Compensating refunds issued for failed analysis jobs.",
			ConstLabels: constLabels,
		},
		[]string{"result"}, // issued | failed
	)

	jobsCompleted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "insight_analysis_jobs_total",
			Help:        "Analysis jobs reaching a terminal status.",
			ConstLabels: constLabels,
		},
		[]string{"status"}, // done | failed
	)

	providerLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        "insight_provider_latency_seconds",
			Help:        "Latency of inference provider calls.",
			Buckets:     []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			ConstLabels: constLabels,
		},
		[]string{"provider"},
	)

	registerer.MustRegister(
		balanceConflicts,
		refunds,
		jobsCompleted,
		providerLatency,
	)

	return &LedgerMetrics{
		balanceConflicts: balanceConflicts,
		refunds:          refunds,
		jobsCompleted:    jobsCompleted,
		providerLatency:  providerLatency,
	}
}

func (m *LedgerMetrics) IncBalanceConflict(outcome string) {
	if m == nil {
		return
	}
	m.balanceConflicts.WithLabelValues(outcome).Inc()
}

func (m *LedgerMetrics) IncRefund(result string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(result).Inc()
}

func (m *LedgerMetrics) IncJobCompleted(status string) {
	if m == nil {
		return
	}
	m.jobsCompleted.WithLabelValues(status).Inc()
}

func (m *LedgerMetrics) ObserveProviderLatency(provider string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.providerLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}
