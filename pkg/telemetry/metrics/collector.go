package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"cynsta/spendguard/pkg/config"
)

// Collector owns every SpendGuard metric and the registry they live in.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	pricing    *PricingMetrics
	preflight  *PreflightMetrics
	ledger     *LedgerMetrics
	settlement *SettlementMetrics

	limiter *CardinalityLimiter
}

// NewCollector creates a collector and registers its metrics with registry.
// A nil registry gets a fresh one.
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = config.DefaultMetricsNamespace
	}

	return &Collector{
		config:     cfg,
		registry:   registry,
		pricing:    NewPricingMetrics(cfg, registry),
		preflight:  NewPreflightMetrics(cfg, registry),
		ledger:     NewLedgerMetrics(cfg, registry),
		settlement: NewSettlementMetrics(cfg, registry),
		limiter:    NewCardinalityLimiter(5000),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled
}

// model folds rarely seen models into "other" once the label budget is spent.
func (c *Collector) model(provider, model string) string {
	if c.limiter.Allow(provider + "/" + model) {
		return model
	}
	return "other"
}

// CardinalityLimiter caps the number of distinct label sets recorded.
type CardinalityLimiter struct {
	max     int
	current map[string]struct{}
	mu      sync.Mutex
}

// NewCardinalityLimiter creates a limiter allowing max distinct label sets.
func NewCardinalityLimiter(max int) *CardinalityLimiter {
	return &CardinalityLimiter{
		max:     max,
		current: make(map[string]struct{}),
	}
}

// Allow reports whether labelSet is known or still fits under the cap.
func (l *CardinalityLimiter) Allow(labelSet string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.current[labelSet]; ok {
		return true
	}
	if len(l.current) >= l.max {
		return false
	}
	l.current[labelSet] = struct{}{}
	return true
}
