// Package preflight decides whether an LLM call may start and how much of
// the agent's budget it must hold.
//
// The estimator prices the call's estimated input at its worst-case input
// rate, requires the remaining budget to also cover a minimum viable output
// allowance, and clamps the requested max output tokens to what the rest of
// the budget can pay for. Approved calls are reserved in the ledger before
// Estimate returns; rejected calls are recorded as terminal rejected runs.
//
// Basic usage:
//
//	est := preflight.New(prices, ledger, preflight.OptionsFromConfig(&cfg.Preflight))
//	decision, err := est.Estimate(ctx, agentID, call)
//	if err != nil {
//	    // pricing unavailable or no price for the model
//	}
//	if !decision.Approved {
//	    // decision.Reason is "insufficient_budget" or "run_already_active"
//	}
package preflight
