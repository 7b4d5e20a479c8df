package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cynsta/spendguard/pkg/evidence"
	"cynsta/spendguard/pkg/evidence/recorder"
	"cynsta/spendguard/pkg/ledger"
	"cynsta/spendguard/pkg/pricing"
	"cynsta/spendguard/pkg/telemetry/metrics"
)

// Options configures a Settler.
type Options struct {
	// Sink receives evidence for settlements and holds. Nil discards.
	Sink evidence.Sink

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Settler prices usage and commits settlements.
type Settler struct {
	prices  *pricing.Registry
	ledger  *ledger.Ledger
	sink    evidence.Sink
	logger  *slog.Logger
	metrics *metrics.Collector
}

// New creates a settler.
func New(prices *pricing.Registry, l *ledger.Ledger, opts Options) *Settler {
	sink := opts.Sink
	if sink == nil {
		sink = evidence.Discard
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Settler{
		prices:  prices,
		ledger:  l,
		sink:    sink,
		logger:  logger.With("component", "settlement"),
		metrics: opts.Metrics,
	}
}

// Settle prices usage for the token's run and commits the charge. A run
// still in reserved is moved to executing first, since usage proves the call
// happened.
//
// On success the committed entry is returned. If the realized cost exceeded
// the reservation the entry is returned together with an *OverrunError; the
// charge is committed either way. If usage cannot be priced the run is held
// for reconciliation and the pricing error is returned with a nil entry.
func (s *Settler) Settle(ctx context.Context, tok *ledger.Token, usage *ledger.Usage) (*ledger.Entry, error) {
	if tok == nil {
		return nil, fmt.Errorf("%w: nil reservation token", ledger.ErrRunNotFound)
	}
	if usage == nil {
		return nil, errors.New("settle: usage is required")
	}
	u := clampUsage(*usage)

	run, err := s.ledger.GetRun(ctx, tok.RunID)
	if err != nil {
		return nil, err
	}
	if run.AgentID != tok.AgentID {
		return nil, fmt.Errorf("%w: run %s does not belong to agent %s", ledger.ErrRunNotFound, tok.RunID, tok.AgentID)
	}
	if run.State == ledger.StateReserved {
		if run, err = s.ledger.MarkExecuting(ctx, tok); err != nil {
			return nil, err
		}
	}

	table, err := s.prices.Current()
	if err != nil {
		return nil, s.hold(ctx, tok, run, u, "", err)
	}
	price, err := table.Lookup(run.Provider, run.Model)
	if err != nil {
		return nil, s.hold(ctx, tok, run, u, table.Version, err)
	}
	b, err := BuildBreakdown(price, u)
	if err != nil {
		return nil, s.hold(ctx, tok, run, u, table.Version, err)
	}

	entry := &ledger.Entry{
		Provider:          run.Provider,
		Model:             run.Model,
		Usage:             u,
		Tier:              b.Tier,
		Breakdown:         b.Items,
		TotalMicros:       b.TotalMicros,
		PriceTableVersion: table.Version,
	}
	res, err := s.ledger.Settle(ctx, tok, b.Cost, entry)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordSettlement(run.Provider, run.Model, b.Cost, res.Overrun)
	s.emit(ctx, recorder.FromEntry(res.Entry))
	s.logger.Info("Run settled",
		"agent_id", tok.AgentID,
		"run_id", tok.RunID,
		"provider", run.Provider,
		"model", run.Model,
		"tier", b.Tier,
		"reserved", res.Run.Reserved,
		"realized", b.Cost,
		"total_micros", b.TotalMicros,
	)

	if res.Overrun > 0 {
		return res.Entry, &OverrunError{
			RunID:    tok.RunID,
			AgentID:  tok.AgentID,
			Reserved: res.Run.Reserved,
			Realized: b.Cost,
		}
	}
	return res.Entry, nil
}

// Resettle settles a run held for reconciliation. A non-nil usage replaces
// the usage stored on the run; it is required when the provider reported
// none, and ErrUsageUnknown is returned without it. Call Resettle after the
// price table gained the missing rate.
func (s *Settler) Resettle(ctx context.Context, runID string, usage *ledger.Usage) (*ledger.Entry, error) {
	run, err := s.ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State != ledger.StateExecuting || !run.Held {
		return nil, &ledger.TransitionError{RunID: run.ID, From: run.State, To: ledger.StateSettled}
	}
	if usage == nil {
		usage = run.PendingUsage
	}
	if usage == nil {
		return nil, fmt.Errorf("%w: run %s held without provider usage; supply it to settle", ErrUsageUnknown, run.ID)
	}
	return s.Settle(ctx, ledger.TokenFor(run), usage)
}

// Held lists runs waiting for reconciliation.
func (s *Settler) Held(ctx context.Context, agentID string) ([]ledger.Run, error) {
	runs, err := s.ledger.ListRuns(ctx, ledger.RunFilter{
		AgentID: agentID,
		States:  []ledger.RunState{ledger.StateExecuting},
	})
	if err != nil {
		return nil, err
	}
	held := runs[:0]
	for _, r := range runs {
		if r.Held {
			held = append(held, r)
		}
	}
	return held, nil
}

// hold parks the run with its usage and returns cause.
func (s *Settler) hold(ctx context.Context, tok *ledger.Token, run *ledger.Run, u ledger.Usage, version string, cause error) error {
	var gap *pricing.GapError
	if errors.As(cause, &gap) {
		s.metrics.RecordPricingGap(run.Provider, run.Model, string(gap.Dimension))
	}

	held, err := s.ledger.HoldForReconciliation(ctx, tok, &u, cause.Error())
	if err != nil {
		s.logger.Error("Failed to hold run for reconciliation",
			"agent_id", tok.AgentID,
			"run_id", tok.RunID,
			"cause", cause,
			"error", err,
		)
		return errors.Join(cause, err)
	}

	s.logger.Error("Usage could not be priced, run held for reconciliation",
		"agent_id", tok.AgentID,
		"run_id", tok.RunID,
		"provider", run.Provider,
		"model", run.Model,
		"reserved", held.Reserved,
		"error", cause,
	)
	s.emit(ctx, recorder.FromHold(held, u, version, cause.Error()))
	return cause
}

func (s *Settler) emit(ctx context.Context, r *evidence.Record) {
	if err := s.sink.Emit(ctx, r); err != nil {
		s.metrics.RecordEvidenceFailure()
		s.logger.Warn("Evidence not delivered",
			"run_id", r.RunID,
			"kind", r.Kind,
			"error", err,
		)
	}
}

func clampUsage(u ledger.Usage) ledger.Usage {
	for _, f := range []*int64{
		&u.InputTokens, &u.OutputTokens, &u.CachedInputTokens, &u.CacheWriteTokens,
		&u.ReasoningTokens, &u.ToolCalls, &u.GroundingCalls,
	} {
		if *f < 0 {
			*f = 0
		}
	}
	return u
}
