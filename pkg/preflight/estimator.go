package preflight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cynsta/spendguard/pkg/config"
	"cynsta/spendguard/pkg/ledger"
	"cynsta/spendguard/pkg/pricing"
	"cynsta/spendguard/pkg/providers"
	"cynsta/spendguard/pkg/telemetry/metrics"
)

// Rejection reasons.
const (
	ReasonInsufficientBudget = "insufficient_budget"
	ReasonRunAlreadyActive   = "run_already_active"
)

// Options configures an Estimator.
type Options struct {
	// MinOutputTokens applies to models whose price entry sets none.
	MinOutputTokens int64

	// DefaultMaxOutputTokens applies when neither the request nor the price
	// entry caps output.
	DefaultMaxOutputTokens int64

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// OptionsFromConfig maps preflight configuration to Options.
func OptionsFromConfig(cfg *config.PreflightConfig) Options {
	return Options{
		MinOutputTokens:        cfg.MinOutputTokens,
		DefaultMaxOutputTokens: cfg.DefaultMaxOutputTokens,
	}
}

// Quote is the worst-case pricing of a call against a remaining budget.
// Micro amounts are in micro-subunits; Reserve and Remaining in subunits.
type Quote struct {
	PriceTableVersion string `json:"price_table_version"`
	Tier              string `json:"tier"`

	InputTokens           int64 `json:"input_tokens"`
	RequestedOutputTokens int64 `json:"requested_output_tokens"`
	MinOutputTokens       int64 `json:"min_output_tokens"`

	InputRateMicros  int64 `json:"input_rate_micros"`
	OutputRateMicros int64 `json:"output_rate_micros"`
	InputMicros      int64 `json:"input_micros"`
	MinOutputMicros  int64 `json:"min_output_micros"`

	// ClampedMaxOutputTokens is the output allowance the budget can cover,
	// at most RequestedOutputTokens. Zero when the quote does not fit.
	ClampedMaxOutputTokens int64 `json:"clamped_max_output_tokens"`
	WorstCaseMicros        int64 `json:"worst_case_micros"`
	Reserve                int64 `json:"reserve"`
	Remaining              int64 `json:"remaining"`
}

// Fits reports whether the remaining budget covers the input and the minimum
// output allowance.
func (q *Quote) Fits() bool {
	return q.Remaining*pricing.MicrosPerSubunit-q.InputMicros >= q.MinOutputMicros
}

// Clamped reports whether the output allowance was reduced below the request.
func (q *Quote) Clamped() bool {
	return q.ClampedMaxOutputTokens < q.RequestedOutputTokens
}

// Decision is the outcome of Estimate.
type Decision struct {
	Approved               bool          `json:"approved"`
	ClampedMaxOutputTokens int64         `json:"clamped_max_output_tokens,omitempty"`
	Reason                 string        `json:"reason,omitempty"`
	Token                  *ledger.Token `json:"token,omitempty"`

	// RunID identifies the reserved run, or the rejected run recorded for
	// audit.
	RunID string `json:"run_id"`
	Quote Quote  `json:"quote"`
}

// Estimator prices calls and reserves budget for the ones that fit.
type Estimator struct {
	prices *pricing.Registry
	ledger *ledger.Ledger
	opts   Options
	logger *slog.Logger
}

// New creates an estimator.
func New(prices *pricing.Registry, l *ledger.Ledger, opts Options) *Estimator {
	if opts.MinOutputTokens <= 0 {
		opts.MinOutputTokens = config.DefaultPreflightMinOutputTokens
	}
	if opts.DefaultMaxOutputTokens <= 0 {
		opts.DefaultMaxOutputTokens = config.DefaultPreflightDefaultMaxOutputTokens
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{
		prices: prices,
		ledger: l,
		opts:   opts,
		logger: logger.With("component", "preflight"),
	}
}

// Estimate decides whether call may start for agentID. An approved call has
// its worst-case cost reserved and the returned Decision carries the token.
// A rejection is a Decision with Approved false, not an error. Errors mean
// the system cannot price or record the call: pricing unavailable, a pricing
// gap for the model, an unknown agent, or a storage failure. Under the wait
// reserve policy an active run is waited out before the call is quoted.
func (e *Estimator) Estimate(ctx context.Context, agentID string, call *providers.NormalizedCall) (*Decision, error) {
	if call == nil {
		return nil, errors.New("preflight: nil call")
	}

	remaining, blocking, err := e.ledger.AwaitHeadroom(ctx, agentID)
	if err != nil {
		return nil, err
	}

	quote, err := e.Quote(call, remaining)
	if err != nil {
		if errors.Is(err, pricing.ErrPricingGap) {
			var gap *pricing.GapError
			if errors.As(err, &gap) {
				e.opts.Metrics.RecordPricingGap(call.Provider, call.Model, string(gap.Dimension))
			}
		}
		return nil, err
	}

	if !quote.Fits() {
		reason := ReasonInsufficientBudget
		if blocking != nil {
			reason = ReasonRunAlreadyActive
		}
		return e.reject(ctx, agentID, call, quote, reason)
	}

	tok, err := e.ledger.Reserve(ctx, ledger.ReserveRequest{
		AgentID:                agentID,
		Amount:                 quote.Reserve,
		Provider:               call.Provider,
		Model:                  call.Model,
		ClampedMaxOutputTokens: quote.ClampedMaxOutputTokens,
	})
	switch {
	case errors.Is(err, ledger.ErrInsufficientBudget):
		// The budget moved between the quote and the reservation.
		return e.reject(ctx, agentID, call, quote, ReasonInsufficientBudget)
	case errors.Is(err, ledger.ErrRunAlreadyActive):
		return e.reject(ctx, agentID, call, quote, ReasonRunAlreadyActive)
	case err != nil:
		return nil, err
	}

	e.opts.Metrics.RecordPreflight(call.Provider, call.Model, "approved", quote.Clamped())
	e.logger.Debug("Preflight approved",
		"agent_id", agentID,
		"run_id", tok.RunID,
		"provider", call.Provider,
		"model", call.Model,
		"tier", quote.Tier,
		"reserve", quote.Reserve,
		"requested_output_tokens", quote.RequestedOutputTokens,
		"clamped_max_output_tokens", quote.ClampedMaxOutputTokens,
	)

	return &Decision{
		Approved:               true,
		ClampedMaxOutputTokens: quote.ClampedMaxOutputTokens,
		Token:                  tok,
		RunID:                  tok.RunID,
		Quote:                  *quote,
	}, nil
}

func (e *Estimator) reject(ctx context.Context, agentID string, call *providers.NormalizedCall, quote *Quote, reason string) (*Decision, error) {
	run, err := e.ledger.RecordRejection(ctx, agentID, call.Provider, call.Model, reason)
	if err != nil {
		return nil, fmt.Errorf("record rejection: %w", err)
	}

	e.opts.Metrics.RecordPreflight(call.Provider, call.Model, reason, false)
	e.logger.Info("Preflight rejected",
		"agent_id", agentID,
		"run_id", run.ID,
		"provider", call.Provider,
		"model", call.Model,
		"reason", reason,
		"remaining", quote.Remaining,
		"input_micros", quote.InputMicros,
		"min_output_micros", quote.MinOutputMicros,
	)

	q := *quote
	q.ClampedMaxOutputTokens = 0
	q.WorstCaseMicros = 0
	q.Reserve = 0
	return &Decision{Reason: reason, RunID: run.ID, Quote: q}, nil
}

// Quote prices call against remaining subunits without touching the ledger.
func (e *Estimator) Quote(call *providers.NormalizedCall, remaining int64) (*Quote, error) {
	table, err := e.prices.Current()
	if err != nil {
		return nil, err
	}
	price, err := table.Lookup(call.Provider, call.Model)
	if err != nil {
		return nil, err
	}

	requested := call.RequestedMaxOutputTokens
	if requested <= 0 {
		requested = price.DefaultMaxOutputTokens
	}
	if requested <= 0 {
		requested = e.opts.DefaultMaxOutputTokens
	}
	minOut := price.MinOutputTokens
	if minOut <= 0 {
		minOut = e.opts.MinOutputTokens
	}
	minOut = min(minOut, requested)

	input := max(call.EstimatedInputTokens, 0)
	tier, rates := worstRates(price, input+requested)

	inRate, ok := rates.Get(pricing.DimInput)
	if !ok {
		return nil, &pricing.GapError{Provider: call.Provider, Model: call.Model, Dimension: pricing.DimInput}
	}
	if w, ok := rates.Get(pricing.DimCacheWrite); ok && w > inRate {
		inRate = w
	}
	outRate, ok := rates.Get(pricing.DimOutput)
	if !ok {
		return nil, &pricing.GapError{Provider: call.Provider, Model: call.Model, Dimension: pricing.DimOutput}
	}
	if r, ok := rates.Get(pricing.DimReasoning); ok && r > outRate {
		outRate = r
	}

	q := &Quote{
		PriceTableVersion:     table.Version,
		Tier:                  tier,
		InputTokens:           input,
		RequestedOutputTokens: requested,
		MinOutputTokens:       minOut,
		InputRateMicros:       inRate,
		OutputRateMicros:      outRate,
		InputMicros:           input * inRate,
		MinOutputMicros:       minOut * outRate,
		Remaining:             remaining,
	}
	if !q.Fits() {
		return q, nil
	}

	avail := remaining*pricing.MicrosPerSubunit - q.InputMicros
	affordable := requested
	if outRate > 0 {
		affordable = avail / outRate
	}
	q.ClampedMaxOutputTokens = min(requested, affordable)
	q.WorstCaseMicros = q.InputMicros + q.ClampedMaxOutputTokens*outRate
	q.Reserve = pricing.CeilSubunits(q.WorstCaseMicros)
	return q, nil
}

// worstRates returns the rates of the tier reached at tokens together with
// the highest rate per dimension across that tier, every lower tier and the
// base rates, so a tier that discounts some dimension never lowers the
// estimate.
func worstRates(price *pricing.ModelPrice, tokens int64) (string, pricing.Rates) {
	tier, reached := price.RatesAt(tokens)
	worst := make(pricing.Rates, len(reached))
	for d, v := range reached {
		worst[d] = v
	}
	merge := func(r pricing.Rates) {
		for d, v := range r {
			if cur, ok := worst[d]; !ok || v > cur {
				worst[d] = v
			}
		}
	}
	merge(price.Rates)
	for _, t := range price.Tiers {
		if t.AtOrAboveTokens <= tokens {
			merge(t.Rates)
		}
	}
	return tier, worst
}
