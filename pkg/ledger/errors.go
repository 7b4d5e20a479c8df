package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientBudget indicates spent + reserved + amount would exceed
	// the hard limit.
	ErrInsufficientBudget = errors.New("insufficient budget")

	// ErrRunAlreadyActive indicates the agent already has a reserved or
	// executing run.
	ErrRunAlreadyActive = errors.New("run already active")

	// ErrReconciliationOverrun indicates realized cost exceeded the
	// reservation. The settlement is committed; the condition is reported.
	ErrReconciliationOverrun = errors.New("reconciliation overrun")

	ErrAgentNotFound       = errors.New("agent not found")
	ErrAgentExists         = errors.New("agent already exists")
	ErrRunNotFound         = errors.New("run not found")
	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrEntryExists         = errors.New("ledger entry already exists")
	ErrInvalidTransition   = errors.New("invalid run state transition")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrLimitBelowCommitted = errors.New("hard limit below spent plus reserved")

	// errRunNotActive is returned from inside a transaction when the token's
	// run is not the agent's active run; the ledger turns it into a
	// TransitionError or ErrRunNotFound after reading the run.
	errRunNotActive = errors.New("run not active")
)

// BudgetError is a structured rejection. It matches ErrInsufficientBudget or
// ErrRunAlreadyActive through errors.Is.
type BudgetError struct {
	Err         error
	AgentID     string
	Requested   int64
	Remaining   int64
	ActiveRunID string
}

func (e *BudgetError) Error() string {
	if errors.Is(e.Err, ErrRunAlreadyActive) {
		return fmt.Sprintf("agent %s: %v (run %s)", e.AgentID, e.Err, e.ActiveRunID)
	}
	return fmt.Sprintf("agent %s: %v: requested %d, remaining %d",
		e.AgentID, e.Err, e.Requested, e.Remaining)
}

func (e *BudgetError) Unwrap() error {
	return e.Err
}

// Reason returns the rejection reason code.
func (e *BudgetError) Reason() string {
	if errors.Is(e.Err, ErrRunAlreadyActive) {
		return "run_already_active"
	}
	return "insufficient_budget"
}

// TransitionError reports an illegal run state change.
type TransitionError struct {
	RunID string
	From  RunState
	To    RunState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("run %s: cannot move from %s to %s", e.RunID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
