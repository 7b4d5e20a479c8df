package settlement

import (
	"errors"
	"fmt"

	"cynsta/spendguard/pkg/ledger"
)

// ErrUsageUnknown is returned when re-settling a held run whose provider
// reported no usage and none was supplied.
var ErrUsageUnknown = errors.New("usage unknown")

// OverrunError reports a committed settlement whose realized cost exceeded
// its reservation. It matches ledger.ErrReconciliationOverrun.
type OverrunError struct {
	RunID    string
	AgentID  string
	Reserved int64
	Realized int64
}

// Overrun is the amount charged beyond the reservation.
func (e *OverrunError) Overrun() int64 {
	return e.Realized - e.Reserved
}

func (e *OverrunError) Error() string {
	return fmt.Sprintf("run %s settled at %d against a reservation of %d (overrun %d)",
		e.RunID, e.Realized, e.Reserved, e.Overrun())
}

func (e *OverrunError) Unwrap() error {
	return ledger.ErrReconciliationOverrun
}
