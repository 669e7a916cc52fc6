package escrow

import "github.com/prometheus/client_golang/prometheus"

var escrowOps = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "escrow",
	Name:      "operations_total",
	Help:      "Escrow operations by operation and outcome.",
}, []string{"operation", "outcome"})

func init() {
	prometheus.MustRegister(escrowOps)
}
