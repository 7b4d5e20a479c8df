// Package pricing loads, verifies, and serves the versioned rate table used to
// price LLM calls.
//
// # Overview
//
// A price table maps (provider, model) pairs to per-unit rates for every
// billable usage dimension. Rates are expressed in micro-subunits: one
// millionth of the smallest currency subunit (for USD, one millionth of a
// cent). Keeping rates at this precision lets callers sum many small line
// items without rounding until the very end.
//
// Tables come from one of two sources:
//
//   - FileSource: a local YAML or JSON file, optionally a signed envelope
//   - RemoteSource: an HTTP(S) endpoint serving a signed envelope
//
// A signed envelope carries the table JSON as a base64 payload together with
// an Ed25519 signature over the payload bytes and the declared schema version.
// Loading fails closed: a bad signature, a schema mismatch, or an invalid
// table fails the whole load with ErrPricingUnavailable.
//
// # Registry
//
// The Registry holds the current verified table behind an atomic pointer so
// readers never observe a partially replaced table:
//
//	reg := pricing.NewRegistry(source, pricing.RegistryOptions{})
//	if err := reg.Refresh(ctx); err != nil {
//	    return err // refuse to start without verified pricing
//	}
//	table, err := reg.Current()
//
// A failed refresh keeps the last verified table. Watcher reloads local files
// on change and Refresher reloads on a cron schedule.
package pricing
