package transactions

import (
	"github.com/prometheus/client_golang/prometheus"
)

// engineMetrics are the engine's prometheus collectors. Registration is
// optional: when no registerer is configured the counters still exist,
// they are simply never scraped. A configured registerer gets them through
// MustRegister, which panics if collectors of these names are already
// registered there.
type engineMetrics struct {
	transactionsTotal *prometheus.CounterVec
	attemptsTotal     *prometheus.CounterVec
	cleanupAttempts   *prometheus.CounterVec
	atrsScanned       prometheus.Counter
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		transactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txn_transactions_total",
			Help: "Transactions finished, by outcome.",
		}, []string{"outcome"}),
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txn_attempts_total",
			Help: "Transaction attempts finished, by final state.",
		}, []string{"state"}),
		cleanupAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txn_cleanup_attempts_total",
			Help: "Cleanup attempts processed, by outcome.",
		}, []string{"outcome"}),
		atrsScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txn_lost_cleanup_atrs_scanned_total",
			Help: "ATR documents scanned by the lost-attempt cleaner.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transactionsTotal, m.attemptsTotal, m.cleanupAttempts, m.atrsScanned)
	}
	return m
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
