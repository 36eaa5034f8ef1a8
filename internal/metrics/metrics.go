// Package metrics exposes the prometheus counters an operator scrapes
// to watch accept/reject/relay rates without tailing logs.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Accepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mailingset",
		Name:      "rcpt_accepted_total",
		Help:      "RCPT TO commands accepted after parse, resolve, and evaluate succeeded.",
	})

	Rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailingset",
		Name:      "rcpt_rejected_total",
		Help:      "RCPT TO commands rejected, labeled by the error kind.",
	}, []string{"reason"})

	RelayDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mailingset",
		Name:      "relay_delivered_total",
		Help:      "Relay jobs (one per accepted recipient expression) whose every outbound message, archive copy included, the relay client accepted.",
	})

	RelayFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mailingset",
		Name:      "relay_failed_total",
		Help:      "Relay jobs in which the relay client reported at least one outbound message as failed.",
	})
)

// Register adds every collector to the given registry. Called once at
// startup; a package-level MustRegister would make the metrics
// untestable in isolation.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{Accepted, Rejected, RelayDelivered, RelayFailed} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
