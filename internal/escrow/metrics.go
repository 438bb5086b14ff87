package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultix",
		Subsystem: "escrow",
		Name:      "operations_total",
		Help:      "Total escrow workflow operations by type.",
	}, []string{"operation"})

	releasesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultix",
		Subsystem: "escrow",
		Name:      "releases_total",
		Help:      "Total escrow releases by trigger (manual or auto).",
	}, []string{"trigger"})

	disputesFiledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vaultix",
		Subsystem: "escrow",
		Name:      "disputes_filed_total",
		Help:      "Total disputes filed.",
	})

	disputesResolvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultix",
		Subsystem: "escrow",
		Name:      "disputes_resolved_total",
		Help:      "Total disputes resolved by outcome.",
	}, []string{"outcome"})

	expirationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultix",
		Subsystem: "escrow",
		Name:      "expirations_total",
		Help:      "Total expiry sweep actions by kind.",
	}, []string{"action"})

	sweepFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vaultix",
		Subsystem: "escrow",
		Name:      "sweep_failures_total",
		Help:      "Total per-escrow failures during scheduler sweeps.",
	})

	ledgerRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vaultix",
		Subsystem: "escrow",
		Name:      "ledger_retries_total",
		Help:      "Total failed ledger settlement attempts (including retried ones).",
	})
)

func init() {
	prometheus.MustRegister(
		operationsTotal,
		releasesTotal,
		disputesFiledTotal,
		disputesResolvedTotal,
		expirationsTotal,
		sweepFailuresTotal,
		ledgerRetriesTotal,
	)
}
