package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"cynsta/spendguard/pkg/config"
)

// PreflightMetrics tracks admission decisions.
type PreflightMetrics struct {
	decisions *prometheus.CounterVec
	clamped   *prometheus.CounterVec
}

// NewPreflightMetrics creates and registers preflight metrics.
func NewPreflightMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *PreflightMetrics {
	m := &PreflightMetrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "preflight",
			Name:      "decisions_total",
			Help:      "Preflight decisions by provider, model and outcome",
		}, []string{"provider", "model", "outcome"}),
		clamped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "preflight",
			Name:      "clamped_total",
			Help:      "Approved calls whose max output tokens were reduced to fit the budget",
		}, []string{"provider", "model"}),
	}
	registry.MustRegister(m.decisions, m.clamped)
	return m
}

// RecordPreflight records a preflight outcome ("approved" or a rejection
// reason such as "insufficient_budget").
func (c *Collector) RecordPreflight(provider, model, outcome string, clamped bool) {
	if !c.enabled() {
		return
	}
	model = c.model(provider, model)
	c.preflight.decisions.WithLabelValues(provider, model, outcome).Inc()
	if clamped {
		c.preflight.clamped.WithLabelValues(provider, model).Inc()
	}
}
