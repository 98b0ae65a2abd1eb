package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

// Metrics exposes the counters and histograms the settlement engine records.
type Metrics struct {
	LedgerTransactions *prometheus.CounterVec
	LedgerApplyErrors  *prometheus.CounterVec
	PayoutsProcessed   *prometheus.CounterVec
	PayoutRunDuration  prometheus.Histogram
	ReconcileFailures  *prometheus.CounterVec
	SchedulerJobRuns   *prometheus.CounterVec
	SchedulerJobTime   *prometheus.HistogramVec
	RailRequests       *prometheus.CounterVec
}

func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry lets tests register against an isolated registry.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LedgerTransactions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_transactions_total",
			Help: "Committed ledger transactions by type.",
		}, []string{"type"}),
		LedgerApplyErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_apply_errors_total",
			Help: "Rejected ledger apply calls by reason.",
		}, []string{"reason"}),
		PayoutsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "creator_payouts_total",
			Help: "Creator payout rows reaching a status.",
		}, []string{"status"}),
		PayoutRunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "payout_run_duration_seconds",
			Help:    "Wall time of a payout run trigger.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ReconcileFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciliation_check_failures_total",
			Help: "Reconciliation checks finishing in a non-pass state.",
		}, []string{"check", "status"}),
		SchedulerJobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_job_runs_total",
			Help: "Scheduler job executions by result.",
		}, []string{"job", "result"}),
		SchedulerJobTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scheduler_job_duration_seconds",
			Help:    "Scheduler job execution time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"job"}),
		RailRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_rail_requests_total",
			Help: "Outbound payment-rail calls by operation and outcome.",
		}, []string{"op", "outcome"}),
	}
}

func (m *Metrics) ObserveJob(job string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SchedulerJobRuns.WithLabelValues(job, result).Inc()
	m.SchedulerJobTime.WithLabelValues(job).Observe(time.Since(start).Seconds())
}

var Module = fx.Module("observability.metrics",
	fx.Provide(New),
)
