package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cynsta/spendguard/pkg/ledger"
	"cynsta/spendguard/pkg/preflight"
	"cynsta/spendguard/pkg/providers"
)

// CallFunc sends a clamped request body upstream and returns the response.
type CallFunc func(ctx context.Context, body json.RawMessage) (providers.RawResponse, error)

// Result is the outcome of Execute.
type Result struct {
	Decision *preflight.Decision
	Response *providers.RawResponse

	// Entry is the committed ledger entry. Nil when the call was rejected,
	// failed before producing usage, or was held for reconciliation.
	Entry *ledger.Entry
}

// Execute runs the full lifecycle for one call. A rejected call returns a
// Result with an unapproved Decision and a nil error; fn is not invoked. If
// fn fails, or panics, the reservation is released and fn's error returned.
// Settlement errors, including overruns, are returned alongside the Result.
func (e *Engine) Execute(ctx context.Context, agentID, provider string, call providers.RawCall, fn CallFunc) (*Result, error) {
	adm, err := e.Admit(ctx, agentID, provider, call)
	if err != nil {
		return nil, err
	}
	res := &Result{Decision: adm.Decision}
	if !adm.Decision.Approved {
		return res, nil
	}

	if err := e.Dispatch(ctx, adm); err != nil {
		_ = e.Abort(ctx, adm, err)
		return res, err
	}

	resp, err := e.invoke(ctx, fn, adm.Body)
	if err != nil {
		if rerr := e.Abort(ctx, adm, err); rerr != nil {
			return res, errors.Join(err, rerr)
		}
		return res, err
	}
	res.Response = &resp

	// Usage exists now; settle even if the caller has gone away.
	res.Entry, err = e.Complete(context.WithoutCancel(ctx), adm, resp)
	return res, err
}

func (e *Engine) invoke(ctx context.Context, fn CallFunc, body json.RawMessage) (resp providers.RawResponse, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("upstream call panicked: %v", p)
		}
	}()
	if err := ctx.Err(); err != nil {
		return providers.RawResponse{}, err
	}
	return fn(ctx, body)
}
