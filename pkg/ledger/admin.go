package ledger

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// CreateAgent registers a new agent with a budget of hardLimit subunits.
// An empty name defaults to the agent id.
func (l *Ledger) CreateAgent(ctx context.Context, name string, hardLimit int64) (*Agent, *Budget, error) {
	if hardLimit < 0 {
		return nil, nil, fmt.Errorf("%w: hard limit %d", ErrInvalidAmount, hardLimit)
	}

	now := l.opts.Now()
	id := l.opts.NewID()
	name = strings.TrimSpace(name)
	if name == "" {
		name = id
	}

	agent := Agent{ID: id, Name: name, CreatedAt: now}
	budget := Budget{AgentID: id, HardLimit: hardLimit, UpdatedAt: now}
	if err := l.store.CreateAgent(ctx, agent, budget); err != nil {
		return nil, nil, err
	}

	l.logger.Info("Agent created", "agent_id", id, "name", name, "hard_limit", hardLimit)
	return &agent, &budget, nil
}

// GetAgent returns an agent by id.
func (l *Ledger) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return l.store.GetAgent(ctx, id)
}

// ListAgents returns every agent ordered by creation time.
func (l *Ledger) ListAgents(ctx context.Context) ([]Agent, error) {
	return l.store.ListAgents(ctx)
}

// RenameAgent changes an agent's display name.
func (l *Ledger) RenameAgent(ctx context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("agent name cannot be empty")
	}
	return l.store.RenameAgent(ctx, id, name)
}

// DeleteAgent removes an agent. It is refused while a run is active.
func (l *Ledger) DeleteAgent(ctx context.Context, id string) error {
	unlock, err := l.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := l.store.DeleteAgent(ctx, id); err != nil {
		return err
	}
	l.logger.Info("Agent deleted", "agent_id", id)
	return nil
}

// Status is an agent's budget together with the run currently holding it.
type Status struct {
	Agent  Agent
	Budget Budget
	Active *Run
}

// Status returns the agent, its budget and its active run (nil if none).
func (l *Ledger) Status(ctx context.Context, agentID string) (*Status, error) {
	agent, err := l.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	budget, active, err := l.store.Snapshot(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return &Status{Agent: *agent, Budget: *budget, Active: active}, nil
}

// TopUp increases the hard limit by amount. It may run alongside any run
// state and never lowers the limit.
func (l *Ledger) TopUp(ctx context.Context, agentID string, amount int64) (*Budget, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: top-up must be positive, got %d", ErrInvalidAmount, amount)
	}
	return l.mutateBudget(ctx, agentID, func(b *Budget) error {
		if amount > math.MaxInt64-b.HardLimit {
			return fmt.Errorf("%w: top-up %d overflows hard limit %d", ErrInvalidAmount, amount, b.HardLimit)
		}
		b.HardLimit += amount
		return nil
	})
}

// SetHardLimit replaces the hard limit. The new limit must still cover
// spent plus reserved.
func (l *Ledger) SetHardLimit(ctx context.Context, agentID string, limit int64) (*Budget, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: hard limit %d", ErrInvalidAmount, limit)
	}
	return l.mutateBudget(ctx, agentID, func(b *Budget) error {
		if limit < b.Spent+b.Reserved {
			return fmt.Errorf("%w: limit %d, spent %d, reserved %d",
				ErrLimitBelowCommitted, limit, b.Spent, b.Reserved)
		}
		b.HardLimit = limit
		return nil
	})
}

func (l *Ledger) mutateBudget(ctx context.Context, agentID string, fn func(b *Budget) error) (*Budget, error) {
	unlock, err := l.locks.Lock(ctx, agentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out Budget
	err = l.store.Update(ctx, agentID, func(tx *Tx) error {
		if err := fn(&tx.Budget); err != nil {
			return err
		}
		tx.Budget.UpdatedAt = l.opts.Now()
		out = tx.Budget
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("Budget updated",
		"agent_id", agentID,
		"hard_limit", out.HardLimit,
		"spent", out.Spent,
		"reserved", out.Reserved,
	)
	return &out, nil
}

// GetRun returns a run by id.
func (l *Ledger) GetRun(ctx context.Context, id string) (*Run, error) {
	return l.store.GetRun(ctx, id)
}

// ListRuns returns runs matching filter, newest first.
func (l *Ledger) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	return l.store.ListRuns(ctx, filter)
}

// GetEntry returns the ledger entry of a settled run.
func (l *Ledger) GetEntry(ctx context.Context, runID string) (*Entry, error) {
	return l.store.GetEntry(ctx, runID)
}

// ListEntries returns ledger entries matching filter, newest first.
func (l *Ledger) ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	return l.store.ListEntries(ctx, filter)
}

// ForceRelease releases an active run by id without charging it. It is the
// operator escape hatch for runs stuck in executing.
func (l *Ledger) ForceRelease(ctx context.Context, runID, reason string) (*Run, error) {
	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "manual"
	}
	return l.Release(ctx, TokenFor(run), reason)
}

// Headroom returns the budget Reserve would see for agentID right now: an
// expired reservation counts as already released. blocking is the active run
// that would make Reserve fail with ErrRunAlreadyActive, or nil.
func (l *Ledger) Headroom(ctx context.Context, agentID string) (remaining int64, blocking *Run, err error) {
	budget, active, err := l.store.Snapshot(ctx, agentID)
	if err != nil {
		return 0, nil, err
	}
	b := *budget
	if active != nil {
		if active.State == StateReserved && expired(active, l.opts.Now()) {
			b.Reserved -= active.Reserved
		} else {
			blocking = active
		}
	}
	return b.Remaining(), blocking, nil
}

// AwaitHeadroom is Headroom under the reserve policy. With Wait it polls
// until no run blocks agentID or Options.Wait elapses, and reports the
// headroom at that point; blocking is still set when the wait timed out.
// With FailFast it is Headroom.
func (l *Ledger) AwaitHeadroom(ctx context.Context, agentID string) (remaining int64, blocking *Run, err error) {
	remaining, blocking, err = l.Headroom(ctx, agentID)
	if err != nil || blocking == nil || l.opts.Policy != Wait {
		return remaining, blocking, err
	}

	deadline := time.NewTimer(l.opts.Wait)
	defer deadline.Stop()
	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for blocking != nil {
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-deadline.C:
			return remaining, blocking, nil
		case <-ticker.C:
			remaining, blocking, err = l.Headroom(ctx, agentID)
			if err != nil {
				return 0, nil, err
			}
		}
	}
	return remaining, nil, nil
}
