// Package engine drives one upstream LLM call through its enforcement
// lifecycle.
//
// A run moves through four steps:
//
//	adm, err := eng.Admit(ctx, agentID, "openai", call)    // normalize, preflight, clamp
//	if !adm.Decision.Approved { ... }                       // rejected, nothing reserved
//	err = eng.Dispatch(ctx, adm)                            // reserved -> executing
//	resp, err := upstream(ctx, adm.Body)                    // no ledger lock held here
//	entry, err := eng.Complete(ctx, adm, resp)              // usage -> settlement
//
// If the upstream call fails before it produced usage, Abort releases the
// reservation. Execute runs the whole sequence around a caller-supplied
// function and releases on every failure path, including cancellation.
package engine
