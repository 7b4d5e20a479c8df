package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"cynsta/spendguard/pkg/config"
	"cynsta/spendguard/pkg/telemetry/metrics"
)

// Policy decides how Reserve treats an agent that already has an active run.
type Policy int

const (
	// FailFast returns ErrRunAlreadyActive immediately.
	FailFast Policy = iota

	// Wait polls until the active run finishes or Options.Wait elapses,
	// then fails with ErrRunAlreadyActive.
	Wait
)

// Options configures a Ledger.
type Options struct {
	// LeaseTTL is how long a reservation stays valid. A reserved run past
	// its lease is released by the next Reserve or by the sweeper.
	LeaseTTL time.Duration

	Policy Policy

	// Wait bounds the Wait policy.
	Wait time.Duration

	// PollInterval is how often the Wait policy retries. Default: 20ms
	PollInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Collector

	// Now and NewID override the clock and run id generator in tests.
	Now   func() time.Time
	NewID func() string
}

// OptionsFromConfig maps ledger configuration to Options.
func OptionsFromConfig(cfg *config.LedgerConfig) Options {
	opts := Options{
		LeaseTTL: cfg.LeaseTTL,
		Wait:     cfg.ReserveWait,
	}
	if cfg.ReservePolicy == "wait" {
		opts.Policy = Wait
	}
	return opts
}

// Ledger serializes budget mutations per agent and commits them through a
// Store.
type Ledger struct {
	store  Store
	locks  *KeyedMutex
	opts   Options
	logger *slog.Logger
}

// New creates a ledger over store.
func New(store Store, opts Options) *Ledger {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = config.DefaultLedgerLeaseTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  store,
		locks:  NewKeyedMutex(),
		opts:   opts,
		logger: logger.With("component", "ledger"),
	}
}

// Store returns the underlying store.
func (l *Ledger) Store() Store {
	return l.store
}

// ReserveRequest describes funds to hold for a new run.
type ReserveRequest struct {
	AgentID                string
	Amount                 int64
	Provider               string
	Model                  string
	ClampedMaxOutputTokens int64
}

// Reserve atomically checks the one-active-run rule and the budget, then
// holds Amount for a new run. It fails with a *BudgetError matching
// ErrRunAlreadyActive or ErrInsufficientBudget, with no side effects.
func (l *Ledger) Reserve(ctx context.Context, req ReserveRequest) (*Token, error) {
	if req.Amount < 0 {
		return nil, fmt.Errorf("%w: reservation %d", ErrInvalidAmount, req.Amount)
	}

	tok, err := l.reserveOnce(ctx, req)
	if l.opts.Policy != Wait || !errors.Is(err, ErrRunAlreadyActive) {
		l.recordReserve(tok, err)
		return tok, err
	}

	deadline := time.NewTimer(l.opts.Wait)
	defer deadline.Stop()
	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for errors.Is(err, ErrRunAlreadyActive) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			l.recordReserve(nil, err)
			return nil, err
		case <-ticker.C:
			tok, err = l.reserveOnce(ctx, req)
		}
	}
	l.recordReserve(tok, err)
	return tok, err
}

func (l *Ledger) recordReserve(tok *Token, err error) {
	switch {
	case err == nil:
		l.opts.Metrics.RecordReservation("reserved", tok.Amount)
		l.opts.Metrics.RecordRunTransition(string(StateReserved))
	case errors.Is(err, ErrRunAlreadyActive):
		l.opts.Metrics.RecordReservation("run_already_active", 0)
	case errors.Is(err, ErrInsufficientBudget):
		l.opts.Metrics.RecordReservation("insufficient_budget", 0)
	default:
		l.opts.Metrics.RecordReservation("error", 0)
	}
}

func (l *Ledger) reserveOnce(ctx context.Context, req ReserveRequest) (*Token, error) {
	unlock, err := l.locks.Lock(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := l.opts.Now()
	var tok *Token
	err = l.store.Update(ctx, req.AgentID, func(tx *Tx) error {
		if a := tx.Active; a != nil {
			if a.State != StateReserved || !expired(a, now) {
				return &BudgetError{Err: ErrRunAlreadyActive, AgentID: req.AgentID, ActiveRunID: a.ID}
			}
			// A reservation whose caller never came back: free its hold.
			releaseRun(tx, a, now, "lease_expired")
			l.logger.Warn("Released expired reservation",
				"agent_id", req.AgentID,
				"run_id", a.ID,
				"amount", a.Reserved,
			)
		}

		b := &tx.Budget
		if b.Spent+b.Reserved+req.Amount > b.HardLimit {
			return &BudgetError{
				Err:       ErrInsufficientBudget,
				AgentID:   req.AgentID,
				Requested: req.Amount,
				Remaining: b.Remaining(),
			}
		}

		run := &Run{
			ID:                     l.opts.NewID(),
			AgentID:                req.AgentID,
			State:                  StateCreated,
			Provider:               req.Provider,
			Model:                  req.Model,
			ClampedMaxOutputTokens: req.ClampedMaxOutputTokens,
			CreatedAt:              now,
		}
		run.State = StateReserved
		run.Reserved = req.Amount
		run.UpdatedAt = now
		run.ExpiresAt = now.Add(l.opts.LeaseTTL)

		b.Reserved += req.Amount
		b.UpdatedAt = now
		tx.PutRun(run)

		tok = TokenFor(run)
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("Reserved budget",
		"agent_id", req.AgentID,
		"run_id", tok.RunID,
		"amount", tok.Amount,
	)
	return tok, nil
}

// MarkExecuting moves a reserved run to executing once the call has been
// dispatched.
func (l *Ledger) MarkExecuting(ctx context.Context, tok *Token) (*Run, error) {
	var out *Run
	err := l.withActive(ctx, tok, StateExecuting, func(tx *Tx, run *Run, now time.Time) error {
		if run.State != StateReserved {
			return &TransitionError{RunID: run.ID, From: run.State, To: StateExecuting}
		}
		run.State = StateExecuting
		run.UpdatedAt = now
		tx.PutRun(run)
		out = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.opts.Metrics.RecordRunTransition(string(StateExecuting))
	return out, nil
}

// Release returns a run's reservation to the budget without charging
// anything. Use it when the upstream call failed before producing usage.
func (l *Ledger) Release(ctx context.Context, tok *Token, reason string) (*Run, error) {
	var out *Run
	err := l.withActive(ctx, tok, StateReleased, func(tx *Tx, run *Run, now time.Time) error {
		out = releaseRun(tx, run, now, reason)
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.opts.Metrics.RecordRunTransition(string(StateReleased))
	l.logger.Info("Released reservation",
		"agent_id", tok.AgentID,
		"run_id", tok.RunID,
		"amount", out.Reserved,
		"reason", reason,
	)
	return out, nil
}

// SettleResult is the outcome of a committed settlement.
type SettleResult struct {
	Run     *Run
	Entry   *Entry
	Budget  Budget
	Overrun int64
}

// Settle converts an executing run's reservation into a realized charge and
// appends entry, all in one transaction. Realized cost above the
// reservation is still charged in full and reported through
// SettleResult.Overrun.
func (l *Ledger) Settle(ctx context.Context, tok *Token, realized int64, entry *Entry) (*SettleResult, error) {
	if realized < 0 {
		return nil, fmt.Errorf("%w: realized cost %d", ErrInvalidAmount, realized)
	}
	if entry == nil {
		return nil, fmt.Errorf("settle %s: entry is required", tok.RunID)
	}

	var res *SettleResult
	err := l.withActive(ctx, tok, StateSettled, func(tx *Tx, run *Run, now time.Time) error {
		if run.State != StateExecuting {
			return &TransitionError{RunID: run.ID, From: run.State, To: StateSettled}
		}

		b := &tx.Budget
		b.Reserved -= run.Reserved
		b.Spent += realized
		b.UpdatedAt = now

		run.State = StateSettled
		run.RealizedCost = realized
		run.Held = false
		run.PendingUsage = nil
		run.Reason = ""
		run.UpdatedAt = now
		tx.PutRun(run)

		e := *entry
		e.RunID = run.ID
		e.AgentID = run.AgentID
		e.RealizedCost = realized
		e.Reserved = run.Reserved
		e.Overrun = 0
		if realized > run.Reserved {
			e.Overrun = realized - run.Reserved
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if err := tx.AppendEntry(&e); err != nil {
			return err
		}

		res = &SettleResult{Run: run, Entry: &e, Budget: *b, Overrun: e.Overrun}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.opts.Metrics.RecordRunTransition(string(StateSettled))
	if res.Overrun > 0 {
		l.logger.Warn("Settlement exceeded reservation",
			"agent_id", tok.AgentID,
			"run_id", tok.RunID,
			"reserved", res.Run.Reserved,
			"realized", realized,
			"overrun", res.Overrun,
		)
	}
	return res, nil
}

// HoldForReconciliation leaves an executing run open with the usage that
// could not be priced, so an operator can settle it once pricing is fixed.
// A nil usage records that the provider reported none; such a run keeps its
// reservation until an operator settles it with known usage or releases it.
// A reserved run is moved to executing since the provider call happened.
func (l *Ledger) HoldForReconciliation(ctx context.Context, tok *Token, usage *Usage, reason string) (*Run, error) {
	var out *Run
	err := l.withActive(ctx, tok, StateExecuting, func(tx *Tx, run *Run, now time.Time) error {
		run.State = StateExecuting
		run.Held = true
		run.PendingUsage = nil
		if usage != nil {
			u := *usage
			run.PendingUsage = &u
		}
		run.Reason = reason
		run.UpdatedAt = now
		tx.PutRun(run)
		out = run
		return nil
	})
	return out, err
}

// RecordRejection stores a terminal rejected run for audit. The budget is
// not touched.
func (l *Ledger) RecordRejection(ctx context.Context, agentID, provider, model, reason string) (*Run, error) {
	unlock, err := l.locks.Lock(ctx, agentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := l.opts.Now()
	run := &Run{
		ID:        l.opts.NewID(),
		AgentID:   agentID,
		State:     StateRejected,
		Provider:  provider,
		Model:     model,
		Reason:    reason,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = l.store.Update(ctx, agentID, func(tx *Tx) error {
		tx.PutRun(run)
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.opts.Metrics.RecordRunTransition(string(StateRejected))
	return run, nil
}

// withActive locks the token's agent and runs fn against its active run,
// which must be the token's run. Otherwise the error explains where the run
// actually is.
func (l *Ledger) withActive(ctx context.Context, tok *Token, to RunState, fn func(tx *Tx, run *Run, now time.Time) error) error {
	if tok == nil || tok.RunID == "" || tok.AgentID == "" {
		return fmt.Errorf("%w: empty reservation token", ErrRunNotFound)
	}

	unlock, err := l.locks.Lock(ctx, tok.AgentID)
	if err != nil {
		return err
	}
	defer unlock()

	now := l.opts.Now()
	err = l.store.Update(ctx, tok.AgentID, func(tx *Tx) error {
		if tx.Active == nil || tx.Active.ID != tok.RunID {
			return errRunNotActive
		}
		run := *tx.Active
		return fn(tx, &run, now)
	})
	if !errors.Is(err, errRunNotActive) {
		return err
	}

	run, gerr := l.store.GetRun(ctx, tok.RunID)
	if gerr != nil {
		return gerr
	}
	if run.AgentID != tok.AgentID {
		return fmt.Errorf("%w: run %s does not belong to agent %s", ErrRunNotFound, tok.RunID, tok.AgentID)
	}
	return &TransitionError{RunID: run.ID, From: run.State, To: to}
}

func releaseRun(tx *Tx, run *Run, now time.Time, reason string) *Run {
	r := *run
	tx.Budget.Reserved -= r.Reserved
	tx.Budget.UpdatedAt = now
	r.State = StateReleased
	r.Held = false
	r.PendingUsage = nil
	r.Reason = reason
	r.UpdatedAt = now
	tx.PutRun(&r)
	return &r
}

func expired(r *Run, now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}
