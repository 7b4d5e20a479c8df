package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"

	"cynsta/spendguard/pkg/ledger"
	"cynsta/spendguard/pkg/ledger/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLedger(t *testing.T, opts ledger.Options) *ledger.Ledger {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return ledger.New(store, opts)
}

func newAgent(t *testing.T, l *ledger.Ledger, limit int64) string {
	t.Helper()
	a, _, err := l.CreateAgent(context.Background(), "test", limit)
	require.NoError(t, err)
	return a.ID
}

func budget(t *testing.T, l *ledger.Ledger, agentID string) ledger.Budget {
	t.Helper()
	st, err := l.Status(context.Background(), agentID)
	require.NoError(t, err)
	return st.Budget
}

func TestReserve(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.Options{})
	agent := newAgent(t, l, 1000)

	tok, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 400, Provider: "openai", Model: "gpt-4o"})
	require.NoError(t, err)
	require.Equal(t, int64(400), tok.Amount)
	require.False(t, tok.ExpiresAt.IsZero())

	b := budget(t, l, agent)
	require.Equal(t, int64(400), b.Reserved)
	require.Equal(t, int64(600), b.Remaining())

	run, err := l.GetRun(ctx, tok.RunID)
	require.NoError(t, err)
	require.Equal(t, ledger.StateReserved, run.State)
	require.Equal(t, "gpt-4o", run.Model)
}

func TestReserve_ExactRemainingFits(t *testing.T) {
	l := newLedger(t, ledger.Options{})
	agent := newAgent(t, l, 1000)

	_, err := l.Reserve(context.Background(), ledger.ReserveRequest{AgentID: agent, Amount: 1000})
	require.NoError(t, err)
	require.Zero(t, budget(t, l, agent).Remaining())
}

func TestReserve_InsufficientBudget(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.Options{})
	agent := newAgent(t, l, 100)

	_, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 101})
	require.ErrorIs(t, err, ledger.ErrInsufficientBudget)

	var be *ledger.BudgetError
	require.True(t, errors.As(err, &be))
	require.Equal(t, int64(101), be.Requested)
	require.Equal(t, int64(100), be.Remaining)
	require.Equal(t, "insufficient_budget", be.Reason())

	require.Zero(t, budget(t, l, agent).Reserved)
	runs, err := l.ListRuns(ctx, ledger.RunFilter{AgentID: agent})
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestReserve_NegativeAmount(t *testing.T) {
	l := newLedger(t, ledger.Options{})
	agent := newAgent(t, l, 100)

	_, err := l.Reserve(context.Background(), ledger.ReserveRequest{AgentID: agent, Amount: -1})
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestReserve_UnknownAgent(t *testing.T) {
	l := newLedger(t, ledger.Options{})
	_, err := l.Reserve(context.Background(), ledger.ReserveRequest{AgentID: "ghost", Amount: 1})
	require.ErrorIs(t, err, ledger.ErrAgentNotFound)
}

func TestReserve_RunAlreadyActive(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.Options{})
	agent := newAgent(t, l, 1000)

	first, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 10})
	require.NoError(t, err)

	_, err = l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 10})
	require.ErrorIs(t, err, ledger.ErrRunAlreadyActive)

	var be *ledger.BudgetError
	require.True(t, errors.As(err, &be))
	require.Equal(t, first.RunID, be.ActiveRunID)
	require.Equal(t, "run_already_active", be.Reason())
	require.Equal(t, int64(10), budget(t, l, agent).Reserved)
}

func TestReserve_WaitPolicy(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.Options{Policy: ledger.Wait, Wait: 2 * time.Second, PollInterval: 5 * time.Millisecond})
	agent := newAgent(t, l, 1000)

	first, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 10})
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = l.Release(ctx, first, "done")
	}()

	second, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 20})
	require.NoError(t, err)
	require.NotEqual(t, first.RunID, second.RunID)
	require.Equal(t, int64(20), budget(t, l, agent).Reserved)
}

func TestReserve_WaitPolicyTimesOut(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.Options{Policy: ledger.Wait, Wait: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	agent := newAgent(t, l, 1000)

	_, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 10})
	require.NoError(t, err)

	start := time.Now()
	_, err = l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 10})
	require.ErrorIs(t, err, ledger.ErrRunAlreadyActive)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestAwaitHeadroom(t *testing.T) {
	ctx := context.Background()

	t.Run("wait policy sees the run finish", func(t *testing.T) {
		l := newLedger(t, ledger.Options{Policy: ledger.Wait, Wait: 2 * time.Second, PollInterval: 5 * time.Millisecond})
		agent := newAgent(t, l, 1000)
		first, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 400})
		require.NoError(t, err)

		go func() {
			time.Sleep(30 * time.Millisecond)
			_, _ = l.Release(ctx, first, "done")
		}()

		remaining, blocking, err := l.AwaitHeadroom(ctx, agent)
		require.NoError(t, err)
		require.Nil(t, blocking)
		require.Equal(t, int64(1000), remaining)
	})

	t.Run("wait policy times out", func(t *testing.T) {
		l := newLedger(t, ledger.Options{Policy: ledger.Wait, Wait: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond})
		agent := newAgent(t, l, 1000)
		first, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 400})
		require.NoError(t, err)

		start := time.Now()
		remaining, blocking, err := l.AwaitHeadroom(ctx, agent)
		require.NoError(t, err)
		require.NotNil(t, blocking)
		require.Equal(t, first.RunID, blocking.ID)
		require.Equal(t, int64(600), remaining)
		require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	})

	t.Run("fail fast returns at once", func(t *testing.T) {
		l := newLedger(t, ledger.Options{Wait: time.Hour})
		agent := newAgent(t, l, 1000)
		_, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 400})
		require.NoError(t, err)

		_, blocking, err := l.AwaitHeadroom(ctx, agent)
		require.NoError(t, err)
		require.NotNil(t, blocking)
	})
}

func TestReserve_ReleasesExpiredReservation(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newLedger(t, ledger.Options{LeaseTTL: time.Minute, Now: clock.Now})
	agent := newAgent(t, l, 100)

	stale, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 80})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	fresh, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 90})
	require.NoError(t, err)
	require.Equal(t, int64(90), budget(t, l, agent).Reserved)

	old, err := l.GetRun(ctx, stale.RunID)
	require.NoError(t, err)
	require.Equal(t, ledger.StateReleased, old.State)
	require.Equal(t, "lease_expired", old.Reason)

	// The stale token no longer controls anything.
	_, err = l.MarkExecuting(ctx, stale)
	var te *ledger.TransitionError
	require.True(t, errors.As(err, &te))
	require.Equal(t, ledger.StateReleased, te.From)

	_, err = l.MarkExecuting(ctx, fresh)
	require.NoError(t, err)
}

func TestReserve_ExecutingRunIsNotReclaimed(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newLedger(t, ledger.Options{LeaseTTL: time.Minute, Now: clock.Now})
	agent := newAgent(t, l, 100)

	tok, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 10})
	require.NoError(t, err)
	_, err = l.MarkExecuting(ctx, tok)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 10})
	require.ErrorIs(t, err, ledger.ErrRunAlreadyActive)
}

func TestSettle(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.Options{})
	agent := newAgent(t, l, 1000)

	tok, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 300})
	require.NoError(t, err)
	_, err = l.MarkExecuting(ctx, tok)
	require.NoError(t, err)

	res, err := l.Settle(ctx, tok, 120, &ledger.Entry{Provider: "openai", Model: "gpt-4o", Usage: ledger.Usage{InputTokens: 10}})
	require.NoError(t, err)
	require.Zero(t, res.Overrun)
	require.Equal(t, ledger.StateSettled, res.Run.State)
	require.Equal(t, int64(120), res.Budget.Spent)
	require.Zero(t, res.Budget.Reserved)
	require.Equal(t, int64(880), res.Budget.Remaining())

	e, err := l.GetEntry(ctx, tok.RunID)
	require.NoError(t, err)
	require.Equal(t, agent, e.AgentID)
	require.Equal(t, int64(300), e.Reserved)
	require.Equal(t, int64(120), e.RealizedCost)

	// The slot is free again.
	_, err = l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 880})
	require.NoError(t, err)
}

func TestSettle_Overrun(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.Options{})
	agent := newAgent(t, l, 1000)

	tok, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 100})
	require.NoError(t, err)
	_, err = l.MarkExecuting(ctx, tok)
	require.NoError(t, err)

	res, err := l.Settle(ctx, tok, 150, &ledger.Entry{})
	require.NoError(t, err)
	require.Equal(t, int64(50), res.Overrun)
	require.Equal(t, int64(150), res.Budget.Spent)
	require.Equal(t, int64(50), res.Entry.Overrun)
}

func TestSettle_RequiresExecuting(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.Options{})
	agent := newAgent(t, l, 1000)

	tok, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 100})
	require.NoError(t, err)

	_, err = l.Settle(ctx, tok, 10, &ledger.Entry{})
	require.ErrorIs(t, err, ledger.ErrInvalidTransition)
	require.Equal(t, int64(100), budget(t, l, agent).Reserved)
}

func TestSettle_Twice(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.Options{})
	agent := newAgent(t, l, 1000)

	tok, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 100})
	require.NoError(t, err)
	_, err = l.MarkExecuting(ctx, tok)
	require.NoError(t, err)
	_, err = l.Settle(ctx, tok, 10, &ledger.Entry{})
	require.NoError(t, err)

	_, err = l.Settle(ctx, tok, 10, &ledger.Entry{})
	var te *ledger.TransitionError
	require.True(t, errors.As(err, &te))
	require.Equal(t, ledger.StateSettled, te.From)
	require.Equal(t, int64(10), budget(t, l, agent).Spent)
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.Options{})
	agent := newAgent(t, l, 1000)

	tok, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 100})
	require.NoError(t, err)
	_, err = l.MarkExecuting(ctx, tok)
	require.NoError(t, err)

	run, err := l.Release(ctx, tok, "upstream_error")
	require.NoError(t, err)
	require.Equal(t, ledger.StateReleased, run.State)

	b := budget(t, l, agent)
	require.Zero(t, b.Reserved)
	require.Zero(t, b.Spent)

	_, err = l.Release(ctx, tok, "again")
	require.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestRelease_UnknownRun(t *testing.T) {
	l := newLedger(t, ledger.Options{})
	agent := newAgent(t, l, 1000)

	_, err := l.Release(context.Background(), &ledger.Token{RunID: "nope", AgentID: agent}, "x")
	require.ErrorIs(t, err, ledger.ErrRunNotFound)
}

func TestHoldForReconciliation(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.Options{})
	agent := newAgent(t, l, 1000)

	tok, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 100})
	require.NoError(t, err)

	run, err := l.HoldForReconciliation(ctx, tok, &ledger.Usage{InputTokens: 50}, "pricing_gap")
	require.NoError(t, err)
	require.Equal(t, ledger.StateExecuting, run.State)
	require.True(t, run.Held)
	require.Equal(t, int64(50), run.PendingUsage.InputTokens)

	st, err := l.Status(ctx, agent)
	require.NoError(t, err)
	require.Equal(t, tok.RunID, st.Active.ID)
	require.Equal(t, int64(100), st.Budget.Reserved)

	res, err := l.Settle(ctx, tok, 30, &ledger.Entry{})
	require.NoError(t, err)
	require.Nil(t, res.Run.PendingUsage)
	require.False(t, res.Run.Held)
	require.Empty(t, res.Run.Reason)
}

func TestHoldForReconciliation_UnknownUsage(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.Options{})
	agent := newAgent(t, l, 1000)

	tok, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 100})
	require.NoError(t, err)

	run, err := l.HoldForReconciliation(ctx, tok, nil, "usage_unknown: no usage block")
	require.NoError(t, err)
	require.True(t, run.Held)
	require.Nil(t, run.PendingUsage)

	got, err := l.GetRun(ctx, tok.RunID)
	require.NoError(t, err)
	require.True(t, got.Held)
	require.Nil(t, got.PendingUsage)

	released, err := l.ForceRelease(ctx, tok.RunID, "operator")
	require.NoError(t, err)
	require.False(t, released.Held)
	require.Equal(t, ledger.StateReleased, released.State)
}

func TestRecordRejection(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.Options{})
	agent := newAgent(t, l, 1000)

	run, err := l.RecordRejection(ctx, agent, "openai", "gpt-4o", "insufficient_budget")
	require.NoError(t, err)
	require.Equal(t, ledger.StateRejected, run.State)

	st, err := l.Status(ctx, agent)
	require.NoError(t, err)
	require.Nil(t, st.Active)
	require.Zero(t, st.Budget.Reserved)
}

func TestBudgetAdmin(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.Options{})
	agent := newAgent(t, l, 100)

	b, err := l.TopUp(ctx, agent, 50)
	require.NoError(t, err)
	require.Equal(t, int64(150), b.HardLimit)

	_, err = l.TopUp(ctx, agent, 0)
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = l.TopUp(ctx, agent, math.MaxInt64)
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)
	require.Equal(t, int64(150), budget(t, l, agent).HardLimit)

	_, err = l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 120})
	require.NoError(t, err)

	_, err = l.SetHardLimit(ctx, agent, 119)
	require.ErrorIs(t, err, ledger.ErrLimitBelowCommitted)

	b, err = l.SetHardLimit(ctx, agent, 120)
	require.NoError(t, err)
	require.Zero(t, b.Remaining())

	require.ErrorIs(t, l.DeleteAgent(ctx, agent), ledger.ErrRunAlreadyActive)
}

func TestAgentAdmin(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.Options{})

	a, b, err := l.CreateAgent(ctx, "  ", 10)
	require.NoError(t, err)
	require.Equal(t, a.ID, a.Name)
	require.Equal(t, int64(10), b.HardLimit)

	_, _, err = l.CreateAgent(ctx, "neg", -1)
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	require.NoError(t, l.RenameAgent(ctx, a.ID, "research"))
	require.Error(t, l.RenameAgent(ctx, a.ID, ""))

	got, err := l.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "research", got.Name)

	agents, err := l.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)

	require.NoError(t, l.DeleteAgent(ctx, a.ID))
	_, err = l.GetAgent(ctx, a.ID)
	require.ErrorIs(t, err, ledger.ErrAgentNotFound)
}

func TestForceRelease(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.Options{})
	agent := newAgent(t, l, 100)

	tok, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 40})
	require.NoError(t, err)
	_, err = l.MarkExecuting(ctx, tok)
	require.NoError(t, err)

	run, err := l.ForceRelease(ctx, tok.RunID, "")
	require.NoError(t, err)
	require.Equal(t, "manual", run.Reason)
	require.Zero(t, budget(t, l, agent).Reserved)
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newLedger(t, ledger.Options{LeaseTTL: time.Minute, Now: clock.Now})

	idle := newAgent(t, l, 100)
	busy := newAgent(t, l, 100)

	_, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: idle, Amount: 30})
	require.NoError(t, err)
	tok, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: busy, Amount: 30})
	require.NoError(t, err)
	_, err = l.MarkExecuting(ctx, tok)
	require.NoError(t, err)

	res, err := l.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, ledger.SweepResult{}, res)

	clock.Advance(5 * time.Minute)

	res, err = l.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Released)
	require.Equal(t, 1, res.Reported)

	require.Zero(t, budget(t, l, idle).Reserved)
	require.Equal(t, int64(30), budget(t, l, busy).Reserved)
}

func TestNewSweeper_InvalidSchedule(t *testing.T) {
	l := newLedger(t, ledger.Options{})
	_, err := ledger.NewSweeper(l, "not a schedule")
	require.Error(t, err)

	s, err := ledger.NewSweeper(l, "@every 1h")
	require.NoError(t, err)
	require.NoError(t, s.Start())
	s.Stop()
}

func TestReserve_ConcurrentSingleAgent(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.Options{})
	agent := newAgent(t, l, 1_000_000)

	var ok, busy atomic.Int32
	var g errgroup.Group
	for i := 0; i < 64; i++ {
		g.Go(func() error {
			_, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent, Amount: 10})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ledger.ErrRunAlreadyActive):
				busy.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), ok.Load())
	require.Equal(t, int32(63), busy.Load())
	require.Equal(t, int64(10), budget(t, l, agent).Reserved)
}

func TestLifecycle_ConcurrentAgentsNeverOverspend(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.Options{})

	const agents = 8
	ids := make([]string, agents)
	for i := range ids {
		ids[i] = newAgent(t, l, 500)
	}

	var g errgroup.Group
	for _, id := range ids {
		for w := 0; w < 4; w++ {
			g.Go(func() error {
				for i := 0; i < 25; i++ {
					tok, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: id, Amount: 7})
					if errors.Is(err, ledger.ErrRunAlreadyActive) || errors.Is(err, ledger.ErrInsufficientBudget) {
						continue
					}
					if err != nil {
						return err
					}
					if _, err := l.MarkExecuting(ctx, tok); err != nil {
						return err
					}
					if _, err := l.Settle(ctx, tok, 5, &ledger.Entry{}); err != nil {
						return fmt.Errorf("settle %s: %w", tok.RunID, err)
					}
				}
				return nil
			})
		}
	}
	require.NoError(t, g.Wait())

	for _, id := range ids {
		b := budget(t, l, id)
		require.LessOrEqual(t, b.Spent+b.Reserved, b.HardLimit)
		require.Zero(t, b.Reserved)

		entries, err := l.ListEntries(ctx, ledger.EntryFilter{AgentID: id})
		require.NoError(t, err)
		require.Equal(t, int64(len(entries))*5, b.Spent)
	}
}

// With realized cost bounded by the reservation, no sequence of operations
// can push spent+reserved past the hard limit, and reserved always equals
// the active run's hold.
func TestLedger_BudgetConservation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		clock := newFakeClock()
		store := storage.NewMemoryStore()
		l := ledger.New(store, ledger.Options{LeaseTTL: time.Minute, Now: clock.Now})

		limit := rapid.Int64Range(0, 10_000).Draw(rt, "limit")
		agent, _, err := l.CreateAgent(ctx, "prop", limit)
		if err != nil {
			rt.Fatal(err)
		}

		var tok *ledger.Token
		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 6).Draw(rt, "op") {
			case 0:
				amount := rapid.Int64Range(0, 5_000).Draw(rt, "amount")
				if t, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: agent.ID, Amount: amount}); err == nil {
					tok = t
				}
			case 1:
				if tok != nil {
					_, _ = l.MarkExecuting(ctx, tok)
				}
			case 2:
				if tok != nil {
					realized := rapid.Int64Range(0, tok.Amount).Draw(rt, "realized")
					_, _ = l.Settle(ctx, tok, realized, &ledger.Entry{})
				}
			case 3:
				if tok != nil {
					_, _ = l.Release(ctx, tok, "prop")
				}
			case 4:
				clock.Advance(time.Duration(rapid.IntRange(0, 120).Draw(rt, "secs")) * time.Second)
				_, _ = l.SweepExpired(ctx)
			case 5:
				_, _ = l.TopUp(ctx, agent.ID, rapid.Int64Range(1, 1_000).Draw(rt, "topup"))
			case 6:
				_, _ = l.SetHardLimit(ctx, agent.ID, rapid.Int64Range(0, 20_000).Draw(rt, "newlimit"))
			}

			st, err := l.Status(ctx, agent.ID)
			if err != nil {
				rt.Fatal(err)
			}
			b := st.Budget
			if b.Spent+b.Reserved > b.HardLimit {
				rt.Fatalf("overspent: limit=%d spent=%d reserved=%d", b.HardLimit, b.Spent, b.Reserved)
			}
			var held int64
			if st.Active != nil {
				held = st.Active.Reserved
			}
			if b.Reserved != held {
				rt.Fatalf("reserved %d does not match active hold %d", b.Reserved, held)
			}
		}
	})
}
