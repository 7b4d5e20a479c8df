package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepResult summarizes one sweep.
type SweepResult struct {
	Released int
	Reported int
}

// SweepExpired releases reserved runs whose lease has ended. Executing runs
// past their lease are only reported: a provider call may have produced
// usage that still needs settling.
func (l *Ledger) SweepExpired(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	runs, err := l.store.ListExpired(ctx, l.opts.Now())
	if err != nil {
		return res, fmt.Errorf("failed to list expired runs: %w", err)
	}

	for i := range runs {
		run := &runs[i]
		if run.State == StateExecuting {
			res.Reported++
			l.opts.Metrics.RecordExpiredLease("reported")
			l.logger.Warn("Executing run past its lease",
				"agent_id", run.AgentID,
				"run_id", run.ID,
				"expires_at", run.ExpiresAt,
				"reason", run.Reason,
			)
			continue
		}

		released, err := l.releaseIfExpired(ctx, run)
		if err != nil {
			l.logger.Error("Failed to release expired reservation",
				"agent_id", run.AgentID,
				"run_id", run.ID,
				"error", err,
			)
			continue
		}
		if released {
			res.Released++
			l.opts.Metrics.RecordExpiredLease("released")
			l.opts.Metrics.RecordRunTransition(string(StateReleased))
		}
	}

	return res, nil
}

func (l *Ledger) releaseIfExpired(ctx context.Context, run *Run) (bool, error) {
	unlock, err := l.locks.Lock(ctx, run.AgentID)
	if err != nil {
		return false, err
	}
	defer unlock()

	now := l.opts.Now()
	released := false
	err = l.store.Update(ctx, run.AgentID, func(tx *Tx) error {
		a := tx.Active
		// Re-check under the lock: the run may have moved on since listing.
		if a == nil || a.ID != run.ID || a.State != StateReserved || !expired(a, now) {
			return nil
		}
		releaseRun(tx, a, now, "lease_expired")
		released = true
		return nil
	})
	if errors.Is(err, ErrAgentNotFound) {
		return false, nil
	}
	return released, err
}

// Sweeper runs SweepExpired on a cron schedule.
type Sweeper struct {
	ledger   *Ledger
	cron     *cron.Cron
	schedule string
}

// NewSweeper validates schedule and prepares a sweeper.
func NewSweeper(l *Ledger, schedule string) (*Sweeper, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return &Sweeper{ledger: l, cron: cron.New(), schedule: schedule}, nil
}

// Start schedules sweeps.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	s.cron.Start()
	s.ledger.logger.Info("Lease sweeper started", "schedule", s.schedule)
	return nil
}

// Stop stops the schedule and waits for a running sweep.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := s.ledger.SweepExpired(ctx)
	if err != nil {
		s.ledger.logger.Error("Lease sweep failed", "error", err)
		return
	}
	if res.Released > 0 || res.Reported > 0 {
		s.ledger.logger.Info("Lease sweep finished",
			"released", res.Released,
			"reported", res.Reported,
		)
	}
}
