package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paybroker",
		Subsystem: "reconcile",
		Name:      "transfers_created_total",
		Help:      "Total ledger transfers created by reconciliation.",
	})

	reconcileSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paybroker",
		Subsystem: "reconcile",
		Name:      "transfers_skipped_total",
		Help:      "Total processor transfers skipped because the ledger already had them.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paybroker",
		Subsystem: "reconcile",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paybroker",
		Subsystem: "reconcile",
		Name:      "errors_total",
		Help:      "Total reconciliation errors.",
	})

	reconcileMissingCoverage = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paybroker",
		Subsystem: "reconcile",
		Name:      "providers_missing_coverage_total",
		Help:      "Runs that found a backend without payout listing support.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileCreated,
		reconcileSkipped,
		reconcileDuration,
		reconcileErrors,
		reconcileMissingCoverage,
	)
}
