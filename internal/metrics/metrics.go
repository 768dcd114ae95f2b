package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type LedgerMetrics struct {
	reconcileOutcomes *prometheus.CounterVec
	withdrawals       *prometheus.CounterVec
	mergeRuns         *prometheus.CounterVec
	pollFailures      *prometheus.CounterVec
	railLatency       *prometheus.HistogramVec
	webhookRequests   *prometheus.CounterVec
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			reconcileOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "reward_ledger_reconcile_outcomes_total",
				Help: "External purchase events reconciled, by delivery source and outcome.",
			}, []string{"source", "outcome"}),
			withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "reward_ledger_withdrawals_total",
				Help: "Withdrawal requests by final status.",
			}, []string{"status"}),
			mergeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "reward_ledger_merge_runs_total",
				Help: "Dual-source merges per user by result.",
			}, []string{"result"}),
			pollFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "reward_ledger_poll_failures_total",
				Help: "Failed affiliate network poll runs by source.",
			}, []string{"source"}),
			railLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "reward_ledger_rail_latency_seconds",
				Help:    "Settlement rail call latency by operation.",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),
			webhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "reward_ledger_webhook_requests_total",
				Help: "Webhook deliveries by source and HTTP status.",
			}, []string{"source", "status"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.reconcileOutcomes,
			ledgerRegistry.withdrawals,
			ledgerRegistry.mergeRuns,
			ledgerRegistry.pollFailures,
			ledgerRegistry.railLatency,
			ledgerRegistry.webhookRequests,
		)
	})
	return ledgerRegistry
}

// Handler exposes the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

func labelOrUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}

func (m *LedgerMetrics) ObserveOutcome(source, outcome string) {
	if m == nil {
		return
	}
	m.reconcileOutcomes.WithLabelValues(labelOrUnknown(source), labelOrUnknown(outcome)).Inc()
}

func (m *LedgerMetrics) ObserveWithdrawal(status string) {
	if m == nil {
		return
	}
	m.withdrawals.WithLabelValues(labelOrUnknown(status)).Inc()
}

func (m *LedgerMetrics) ObserveMerge(result string) {
	if m == nil {
		return
	}
	m.mergeRuns.WithLabelValues(labelOrUnknown(result)).Inc()
}

func (m *LedgerMetrics) ObservePollFailure(source string) {
	if m == nil {
		return
	}
	m.pollFailures.WithLabelValues(labelOrUnknown(source)).Inc()
}

func (m *LedgerMetrics) ObserveRailLatency(operation string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.railLatency.WithLabelValues(labelOrUnknown(operation)).Observe(elapsed.Seconds())
}

func (m *LedgerMetrics) ObserveWebhook(source, status string) {
	if m == nil {
		return
	}
	m.webhookRequests.WithLabelValues(labelOrUnknown(source), labelOrUnknown(status)).Inc()
}
