package dispute

import "github.com/prometheus/client_golang/prometheus"

var (
	casesOpened = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "dispute",
		Name:      "cases_opened_total",
		Help:      "Dispute cases opened, by category.",
	}, []string{"category"})

	casesResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "dispute",
		Name:      "cases_resolved_total",
		Help:      "Dispute cases resolved, by outcome.",
	}, []string{"outcome"})

	escalations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "dispute",
		Name:      "escalations_total",
		Help:      "Dispute escalations.",
	})
)

func init() {
	prometheus.MustRegister(casesOpened, casesResolved, escalations)
}
