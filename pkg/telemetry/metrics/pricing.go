package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"cynsta/spendguard/pkg/config"
)

// PricingMetrics tracks price table health.
//
// Metrics:
//   - spendguard_pricing_loads_total: load attempts by source and result
//   - spendguard_pricing_table_info: 1 for the currently loaded version
//   - spendguard_pricing_gaps_total: settlements blocked by a missing rate
type PricingMetrics struct {
	loads *prometheus.CounterVec
	info  *prometheus.GaugeVec
	gaps  *prometheus.CounterVec
}

// NewPricingMetrics creates and registers pricing metrics.
func NewPricingMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *PricingMetrics {
	m := &PricingMetrics{
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "pricing",
			Name:      "loads_total",
			Help:      "Price table load attempts by source and result",
		}, []string{"source", "result"}),
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "pricing",
			Name:      "table_info",
			Help:      "Currently loaded price table version (value is always 1)",
		}, []string{"version"}),
		gaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "pricing",
			Name:      "gaps_total",
			Help:      "Settlements that could not price a usage dimension",
		}, []string{"provider", "model", "dimension"}),
	}
	registry.MustRegister(m.loads, m.info, m.gaps)
	return m
}

// RecordPricingLoad records a table load attempt. version is ignored on
// failure.
func (c *Collector) RecordPricingLoad(source, version string, ok bool) {
	if !c.enabled() {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	c.pricing.loads.WithLabelValues(source, result).Inc()
	if ok {
		c.pricing.info.Reset()
		c.pricing.info.WithLabelValues(version).Set(1)
	}
}

// RecordPricingGap records a settlement blocked by a missing rate.
func (c *Collector) RecordPricingGap(provider, model, dimension string) {
	if !c.enabled() {
		return
	}
	c.pricing.gaps.WithLabelValues(provider, c.model(provider, model), dimension).Inc()
}
