package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	issuesFound = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "issues_total",
		Help:      "Discrepancies found, by classification.",
	}, []string{"classification"})

	fixesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "fixes_total",
		Help:      "Corrective actions applied.",
	})

	checkErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Checks skipped or failed due to errors.",
	})

	accountsWithIssues = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "accounts_with_issues",
		Help:      "Accounts with discrepancies in the last sweep.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation sweeps in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)

func init() {
	prometheus.MustRegister(
		issuesFound,
		fixesApplied,
		checkErrors,
		accountsWithIssues,
		runDuration,
	)
}
