package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"cynsta/spendguard/pkg/config"
)

// SettlementMetrics tracks realized spend.
//
// Metrics:
//   - spendguard_settlement_realized_subunits_total: realized cost by provider and model
//   - spendguard_settlement_cost_subunits: realized cost distribution per run
//   - spendguard_settlement_overruns_total: settlements above their reservation
//   - spendguard_settlement_overrun_subunits_total: total excess over reservations
//   - spendguard_settlement_evidence_failures_total: evidence records not delivered
type SettlementMetrics struct {
	realized         *prometheus.CounterVec
	perRun           *prometheus.HistogramVec
	overruns         *prometheus.CounterVec
	overrunAmount    prometheus.Counter
	evidenceFailures prometheus.Counter
}

// NewSettlementMetrics creates and registers settlement metrics.
func NewSettlementMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *SettlementMetrics {
	m := &SettlementMetrics{
		realized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "settlement",
			Name:      "realized_subunits_total",
			Help:      "Realized cost in currency subunits by provider and model",
		}, []string{"provider", "model"}),
		perRun: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: "settlement",
			Name:      "cost_subunits",
			Help:      "Realized cost per run in currency subunits",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"provider"}),
		overruns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "settlement",
			Name:      "overruns_total",
			Help:      "Settlements whose realized cost exceeded the reservation",
		}, []string{"provider", "model"}),
		overrunAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "settlement",
			Name:      "overrun_subunits_total",
			Help:      "Total realized cost above reservations in currency subunits",
		}),
		evidenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "settlement",
			Name:      "evidence_failures_total",
			Help:      "Settlement evidence records that could not be delivered",
		}),
	}
	registry.MustRegister(m.realized, m.perRun, m.overruns, m.overrunAmount, m.evidenceFailures)
	return m
}

// RecordSettlement records a committed settlement. overrun is the amount by
// which realized exceeded the reservation, or zero.
func (c *Collector) RecordSettlement(provider, model string, realized, overrun int64) {
	if !c.enabled() {
		return
	}
	model = c.model(provider, model)
	c.settlement.realized.WithLabelValues(provider, model).Add(float64(realized))
	c.settlement.perRun.WithLabelValues(provider).Observe(float64(realized))
	if overrun > 0 {
		c.settlement.overruns.WithLabelValues(provider, model).Inc()
		c.settlement.overrunAmount.Add(float64(overrun))
	}
}

// RecordEvidenceFailure records an evidence record that was dropped.
func (c *Collector) RecordEvidenceFailure() {
	if !c.enabled() {
		return
	}
	c.settlement.evidenceFailures.Inc()
}
