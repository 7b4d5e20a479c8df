// Package config loads and validates SpendGuard configuration.
//
// Configuration is read from a YAML file, filled with defaults, overridden by
// SPENDGUARD_* environment variables, and validated as a whole:
//
//	cfg, err := config.LoadConfigWithEnvOverrides("spendguard.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Sections
//
//   - pricing: price table source (file or signed remote), refresh, staleness
//   - ledger: storage backend, reservation lease, concurrency policy, sweeper
//   - preflight: engine-wide minimum and default output allowances
//   - tokens: character-based input token estimation
//   - evidence: audit sink storage and retention
//   - telemetry: logging, metrics, tracing
//
// Environment variables follow SPENDGUARD_SECTION_FIELD, for example
// SPENDGUARD_LEDGER_BACKEND=redis or SPENDGUARD_PRICING_URL=https://...
package config
