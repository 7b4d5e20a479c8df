// Package metrics exposes Prometheus metrics for budget enforcement.
//
// # Metrics Categories
//
//   - Pricing: table loads, loaded version, pricing gaps
//   - Preflight: approvals, rejections by reason, output clamping
//   - Ledger: reservation outcomes, run state transitions, stranded leases
//   - Settlement: realized cost, reconciliation overruns, evidence drops
//
// # Usage
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	collector.RecordPreflight("openai", "gpt-4o", "approved", true)
//	http.Handle("/metrics", collector.Handler())
//
// Every Record method is safe to call on a nil *Collector, so components can
// run without metrics wired.
package metrics
