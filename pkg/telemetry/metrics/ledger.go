package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"cynsta/spendguard/pkg/config"
)

// LedgerMetrics tracks reservation outcomes and run lifecycle.
type LedgerMetrics struct {
	reservations *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	reserved     prometheus.Counter
	stranded     *prometheus.CounterVec
}

// NewLedgerMetrics creates and registers ledger metrics.
func NewLedgerMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *LedgerMetrics {
	m := &LedgerMetrics{
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "ledger",
			Name:      "reservations_total",
			Help:      "Reservation attempts by result",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "ledger",
			Name:      "run_transitions_total",
			Help:      "Run state transitions by target state",
		}, []string{"state"}),
		reserved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "ledger",
			Name:      "reserved_subunits_total",
			Help:      "Currency subunits placed on hold by reservations",
		}),
		stranded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "ledger",
			Name:      "expired_leases_total",
			Help:      "Runs found past their lease by the sweeper, by action taken",
		}, []string{"action"}),
	}
	registry.MustRegister(m.reservations, m.transitions, m.reserved, m.stranded)
	return m
}

// RecordReservation records a reservation attempt and, on success, the
// amount held.
func (c *Collector) RecordReservation(result string, amount int64) {
	if !c.enabled() {
		return
	}
	c.ledger.reservations.WithLabelValues(result).Inc()
	if result == "reserved" && amount > 0 {
		c.ledger.reserved.Add(float64(amount))
	}
}

// RecordRunTransition records a run entering state.
func (c *Collector) RecordRunTransition(state string) {
	if !c.enabled() {
		return
	}
	c.ledger.transitions.WithLabelValues(state).Inc()
}

// RecordExpiredLease records the sweeper finding an expired run. action is
// "released" or "reported".
func (c *Collector) RecordExpiredLease(action string) {
	if !c.enabled() {
		return
	}
	c.ledger.stranded.WithLabelValues(action).Inc()
}
