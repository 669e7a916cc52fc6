package antifraud

import "github.com/prometheus/client_golang/prometheus"

var evaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "antifraud",
	Name:      "evaluations_total",
	Help:      "Anti-fraud evaluations by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(evaluations)
}
