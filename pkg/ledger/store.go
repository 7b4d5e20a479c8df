package ledger

import (
	"context"
	"fmt"
	"time"
)

// Store is the persistence boundary. Update is the only way to mutate a
// budget and its runs; it must apply all of a transaction's changes
// atomically or none of them.
type Store interface {
	// CreateAgent inserts an agent together with its initial budget.
	CreateAgent(ctx context.Context, agent Agent, budget Budget) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]Agent, error)
	RenameAgent(ctx context.Context, id, name string) error

	// DeleteAgent removes an agent and its history. It fails with
	// ErrRunAlreadyActive while the agent has an active run.
	DeleteAgent(ctx context.Context, id string) error

	// Snapshot returns the agent's budget and active run (nil if none).
	Snapshot(ctx context.Context, agentID string) (*Budget, *Run, error)

	// Update runs fn against the agent's current state and commits the
	// budget, every run passed to Tx.PutRun, and the entry passed to
	// Tx.AppendEntry in one transaction. If fn returns an error nothing is
	// written.
	Update(ctx context.Context, agentID string, fn func(tx *Tx) error) error

	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	// ListExpired returns active runs whose lease ended before now.
	ListExpired(ctx context.Context, now time.Time) ([]Run, error)

	GetEntry(ctx context.Context, runID string) (*Entry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error)

	Close() error
}

// Tx is the mutable view of one agent handed to Store.Update callbacks.
// Budget and Active are private copies; changes only persist through a
// successful Update.
type Tx struct {
	Budget Budget
	Active *Run

	puts  []*Run
	entry *Entry
}

// NewTx creates a transaction view. Store implementations call it.
func NewTx(budget Budget, active *Run) *Tx {
	return &Tx{Budget: budget, Active: active}
}

// PutRun stages a run insert or update.
func (tx *Tx) PutRun(r *Run) {
	for i, existing := range tx.puts {
		if existing.ID == r.ID {
			tx.puts[i] = r
			return
		}
	}
	tx.puts = append(tx.puts, r)
}

// AppendEntry stages the usage ledger entry. At most one per transaction.
func (tx *Tx) AppendEntry(e *Entry) error {
	if tx.entry != nil {
		return fmt.Errorf("%w: transaction already appends run %s", ErrEntryExists, tx.entry.RunID)
	}
	tx.entry = e
	return nil
}

// Runs returns the staged runs in staging order.
func (tx *Tx) Runs() []*Run {
	return tx.puts
}

// Entry returns the staged entry, or nil.
func (tx *Tx) Entry() *Entry {
	return tx.entry
}

// ActiveAfter returns the run holding the active slot once the staged
// changes apply, or nil. It fails if the staged changes would leave two
// active runs.
func (tx *Tx) ActiveAfter() (*Run, error) {
	active := tx.Active
	for _, r := range tx.puts {
		switch {
		case r.State.Active():
			if active != nil && active.ID != r.ID {
				return nil, fmt.Errorf("ledger invariant violated for agent %s: run %s staged next to active run %s",
					tx.Budget.AgentID, r.ID, active.ID)
			}
			active = r
		case active != nil && active.ID == r.ID:
			active = nil
		}
	}
	return active, nil
}

// CheckInvariants validates the staged state before commit. Store
// implementations call it after fn returns.
func (tx *Tx) CheckInvariants() error {
	b := tx.Budget
	if b.Spent < 0 || b.Reserved < 0 || b.HardLimit < 0 {
		return fmt.Errorf("ledger invariant violated for agent %s: negative balance (limit=%d spent=%d reserved=%d)",
			b.AgentID, b.HardLimit, b.Spent, b.Reserved)
	}
	_, err := tx.ActiveAfter()
	return err
}
