package storage

import (
	"cmp"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cynsta/spendguard/pkg/evidence"
)

// MemoryStorage keeps evidence in memory. Records are lost on exit.
type MemoryStorage struct {
	mu      sync.RWMutex
	records map[string]*evidence.Record
}

// NewMemoryStorage creates an empty in-memory backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{records: make(map[string]*evidence.Record)}
}

// Store saves a copy of record.
func (s *MemoryStorage) Store(ctx context.Context, record *evidence.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.ID]; ok {
		return evidence.NewStorageError("memory", "store",
			fmt.Errorf("%w: %s", evidence.ErrDuplicateRecord, record.ID))
	}
	s.records[record.ID] = clone(record)
	return nil
}

// Query returns copies of the matching records.
func (s *MemoryStorage) Query(ctx context.Context, query *evidence.Query) ([]*evidence.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectLocked(query), nil
}

// QueryStream streams a snapshot of the matching records.
func (s *MemoryStorage) QueryStream(ctx context.Context, query *evidence.Query) (<-chan *evidence.Record, <-chan error, error) {
	s.mu.RLock()
	records := s.selectLocked(query)
	s.mu.RUnlock()

	recordsCh := make(chan *evidence.Record, 100)
	errCh := make(chan error, 1)
	go func() {
		defer close(recordsCh)
		defer close(errCh)
		for _, r := range records {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case recordsCh <- r:
			}
		}
	}()
	return recordsCh, errCh, nil
}

// Count returns the number of matching records.
func (s *MemoryStorage) Count(ctx context.Context, query *evidence.Query) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, r := range s.records {
		if query.Matches(r) {
			n++
		}
	}
	return n, nil
}

// Delete removes matching records.
func (s *MemoryStorage) Delete(ctx context.Context, query *evidence.Query) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, r := range s.records {
		if query.Matches(r) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (s *MemoryStorage) Close() error {
	return nil
}

func (s *MemoryStorage) selectLocked(query *evidence.Query) []*evidence.Record {
	out := []*evidence.Record{}
	for _, r := range s.records {
		if query.Matches(r) {
			out = append(out, clone(r))
		}
	}

	sortBy, desc := "occurred_at", true
	offset, limit := 0, 0
	if query != nil {
		if _, ok := sortColumns[query.SortBy]; ok {
			sortBy = query.SortBy
		}
		desc = !strings.EqualFold(query.SortOrder, "asc")
		offset, limit = query.Offset, query.Limit
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if desc {
			a, b = b, a
		}
		if c := compare(a, b, sortBy); c != 0 {
			return c < 0
		}
		return a.ID < b.ID
	})

	if offset >= len(out) {
		return []*evidence.Record{}
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

func compare(a, b *evidence.Record, field string) int {
	switch field {
	case "recorded_time":
		return a.RecordedTime.Compare(b.RecordedTime)
	case "realized_cost":
		return cmp.Compare(a.RealizedCost, b.RealizedCost)
	case "overrun":
		return cmp.Compare(a.Overrun, b.Overrun)
	default:
		return a.OccurredAt.Compare(b.OccurredAt)
	}
}

func clone(r *evidence.Record) *evidence.Record {
	c := *r
	if r.Breakdown != nil {
		c.Breakdown = append(c.Breakdown[:0:0], r.Breakdown...)
	}
	return &c
}
