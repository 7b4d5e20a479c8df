package recorder

import (
	"cynsta/spendguard/pkg/evidence"
	"cynsta/spendguard/pkg/ledger"
)

// FromEntry builds the settlement record mirroring a usage ledger entry.
func FromEntry(e *ledger.Entry) *evidence.Record {
	r := &evidence.Record{
		Kind:              evidence.KindSettlement,
		RunID:             e.RunID,
		AgentID:           e.AgentID,
		Provider:          e.Provider,
		Model:             e.Model,
		Tier:              e.Tier,
		PriceTableVersion: e.PriceTableVersion,
		Usage:             e.Usage,
		Breakdown:         append([]ledger.LineItem(nil), e.Breakdown...),
		TotalMicros:       e.TotalMicros,
		RealizedCost:      e.RealizedCost,
		Reserved:          e.Reserved,
		Overrun:           e.Overrun,
		OccurredAt:        e.CreatedAt,
	}
	if h, err := HashEntry(e); err == nil {
		r.EntryHash = h
	}
	return r
}

// FromHold records usage left unpriced on an open run.
func FromHold(run *ledger.Run, usage ledger.Usage, priceTableVersion, reason string) *evidence.Record {
	return &evidence.Record{
		Kind:              evidence.KindHold,
		RunID:             run.ID,
		AgentID:           run.AgentID,
		Provider:          run.Provider,
		Model:             run.Model,
		PriceTableVersion: priceTableVersion,
		Usage:             usage,
		Reserved:          run.Reserved,
		Reason:            reason,
		OccurredAt:        run.UpdatedAt,
	}
}

// FromRun records a terminal run that moved no money: a rejection or a
// release.
func FromRun(run *ledger.Run) *evidence.Record {
	kind := evidence.KindRelease
	if run.State == ledger.StateRejected {
		kind = evidence.KindRejection
	}
	return &evidence.Record{
		Kind:       kind,
		RunID:      run.ID,
		AgentID:    run.AgentID,
		Provider:   run.Provider,
		Model:      run.Model,
		Reserved:   run.Reserved,
		Reason:     run.Reason,
		OccurredAt: run.UpdatedAt,
	}
}
