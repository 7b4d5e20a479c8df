// Package settlement turns a finished call's provider usage into a realized
// charge.
//
// Each non-zero usage dimension is priced in micro-subunits at the tier the
// call's actual prompt size reached. The line items are summed and the total
// is rounded up to whole subunits exactly once, then committed through the
// ledger together with the usage ledger entry. A realized cost above the
// reservation is still charged; Settle returns the entry alongside an
// *OverrunError so callers can alert on it.
//
// Usage that cannot be priced (no rate for a dimension that occurred, or no
// verified price table) is never guessed at: the run stays executing with
// the usage attached for an operator to reconcile with Resettle once pricing
// is fixed.
package settlement
