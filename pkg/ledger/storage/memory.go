package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cynsta/spendguard/pkg/ledger"
)

// MemoryStore implements ledger.Store with in-memory maps. All data is lost
// when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	agents  map[string]ledger.Agent
	budgets map[string]ledger.Budget
	active  map[string]string // agent id -> active run id
	runs    map[string]ledger.Run
	entries map[string]ledger.Entry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:  make(map[string]ledger.Agent),
		budgets: make(map[string]ledger.Budget),
		active:  make(map[string]string),
		runs:    make(map[string]ledger.Run),
		entries: make(map[string]ledger.Entry),
	}
}

// CreateAgent inserts an agent and its budget.
func (s *MemoryStore) CreateAgent(ctx context.Context, agent ledger.Agent, budget ledger.Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agent.ID]; ok {
		return fmt.Errorf("%w: %s", ledger.ErrAgentExists, agent.ID)
	}
	s.agents[agent.ID] = agent
	s.budgets[agent.ID] = budget
	return nil
}

// GetAgent returns an agent.
func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*ledger.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAgentNotFound, id)
	}
	return &a, nil
}

// ListAgents returns all agents ordered by creation time.
func (s *MemoryStore) ListAgents(ctx context.Context) ([]ledger.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ledger.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// RenameAgent updates an agent's name.
func (s *MemoryStore) RenameAgent(ctx context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrAgentNotFound, id)
	}
	a.Name = name
	s.agents[id] = a
	return nil
}

// DeleteAgent removes an agent with its runs and entries.
func (s *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[id]; !ok {
		return fmt.Errorf("%w: %s", ledger.ErrAgentNotFound, id)
	}
	if runID, ok := s.active[id]; ok {
		return fmt.Errorf("%w: run %s", ledger.ErrRunAlreadyActive, runID)
	}

	delete(s.agents, id)
	delete(s.budgets, id)
	for rid, r := range s.runs {
		if r.AgentID == id {
			delete(s.runs, rid)
		}
	}
	for rid, e := range s.entries {
		if e.AgentID == id {
			delete(s.entries, rid)
		}
	}
	return nil
}

// Snapshot returns the budget and active run.
func (s *MemoryStore) Snapshot(ctx context.Context, agentID string) (*ledger.Budget, *ledger.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.budgets[agentID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ledger.ErrAgentNotFound, agentID)
	}
	return &b, s.activeRun(agentID), nil
}

func (s *MemoryStore) activeRun(agentID string) *ledger.Run {
	runID, ok := s.active[agentID]
	if !ok {
		return nil
	}
	r := s.runs[runID]
	return &r
}

// Update applies fn under the store's write lock.
func (s *MemoryStore) Update(ctx context.Context, agentID string, fn func(tx *ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.budgets[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrAgentNotFound, agentID)
	}

	tx := ledger.NewTx(b, s.activeRun(agentID))
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.CheckInvariants(); err != nil {
		return err
	}

	if e := tx.Entry(); e != nil {
		if _, exists := s.entries[e.RunID]; exists {
			return fmt.Errorf("%w: run %s", ledger.ErrEntryExists, e.RunID)
		}
	}

	s.budgets[agentID] = tx.Budget
	for _, r := range tx.Runs() {
		s.runs[r.ID] = *r
		if r.State.Active() {
			s.active[agentID] = r.ID
		} else if s.active[agentID] == r.ID {
			delete(s.active, agentID)
		}
	}
	if e := tx.Entry(); e != nil {
		s.entries[e.RunID] = *e
	}
	return nil
}

// GetRun returns a run.
func (s *MemoryStore) GetRun(ctx context.Context, id string) (*ledger.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrRunNotFound, id)
	}
	return &r, nil
}

// ListRuns returns matching runs, newest first.
func (s *MemoryStore) ListRuns(ctx context.Context, filter ledger.RunFilter) ([]ledger.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Run
	for _, r := range s.runs {
		if filter.Matches(&r) {
			out = append(out, r)
		}
	}
	sortRunsNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListExpired returns active runs whose lease ended before now.
func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]ledger.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Run
	for _, runID := range s.active {
		r := s.runs[runID]
		if !r.ExpiresAt.IsZero() && r.ExpiresAt.Before(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// GetEntry returns a run's ledger entry.
func (s *MemoryStore) GetEntry(ctx context.Context, runID string) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, runID)
	}
	return &e, nil
}

// ListEntries returns matching entries, newest first.
func (s *MemoryStore) ListEntries(ctx context.Context, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Entry
	for _, e := range s.entries {
		if filter.Matches(&e) {
			out = append(out, e)
		}
	}
	sortEntriesNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

var _ ledger.Store = (*MemoryStore)(nil)
