// Package health serves liveness and readiness probes for spendguard serve.
//
// Readiness runs every registered check concurrently under a per-check
// timeout. The engine registers checks for the price registry (a verified,
// non-stale table is loaded), the ledger store (reachable) and the evidence
// recorder (queue not saturated):
//
//	checker := health.New(2 * time.Second)
//	checker.Register("pricing", health.PricingCheck(registry))
//	checker.Register("ledger", health.LedgerCheck(store))
//	health.Mount(mux, checker, version.Info())
//
// A failing pricing check means preflight is rejecting every call with
// pricing unavailable, so /readyz reports 503 until a table loads.
package health
