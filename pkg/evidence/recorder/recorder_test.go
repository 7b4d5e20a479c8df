package recorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"cynsta/spendguard/pkg/config"
	"cynsta/spendguard/pkg/evidence"
	"cynsta/spendguard/pkg/evidence/storage"
	"cynsta/spendguard/pkg/ledger"
	"cynsta/spendguard/pkg/telemetry/metrics"
)

func testEntry() *ledger.Entry {
	return &ledger.Entry{
		RunID:    "run-1",
		AgentID:  "agent-1",
		Provider: "anthropic",
		Model:    "claude-sonnet-4",
		Usage:    ledger.Usage{InputTokens: 1000, OutputTokens: 200, CachedInputTokens: 500},
		Tier:     "base",
		Breakdown: []ledger.LineItem{
			{Dimension: "input_tokens", Quantity: 1000, RateMicros: 3000, AmountMicros: 3_000_000},
			{Dimension: "cached_input_tokens", Quantity: 500, RateMicros: 300, AmountMicros: 150_000},
			{Dimension: "output_tokens", Quantity: 200, RateMicros: 15000, AmountMicros: 3_000_000},
		},
		TotalMicros:       6_150_000,
		RealizedCost:      7,
		Reserved:          10,
		PriceTableVersion: "2026-03-01",
		CreatedAt:         time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRecorder_WritesEmittedRecords(t *testing.T) {
	store := storage.NewMemoryStorage()
	rec := New(store, &Config{Enabled: true, AsyncBuffer: 10})

	for i := 0; i < 5; i++ {
		e := testEntry()
		e.RunID = e.RunID + string(rune('a'+i))
		if err := rec.Emit(context.Background(), FromEntry(e)); err != nil {
			t.Fatalf("Emit() error = %v", err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	records, err := store.Query(context.Background(), &evidence.Query{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("stored %d records, want 5", len(records))
	}
	for _, r := range records {
		if r.ID == "" {
			t.Error("record ID not assigned")
		}
		if r.RecordedTime.IsZero() {
			t.Error("RecordedTime not set")
		}
		if r.Kind != evidence.KindSettlement {
			t.Errorf("Kind = %s, want settlement", r.Kind)
		}
	}
}

func TestRecorder_Disabled(t *testing.T) {
	store := storage.NewMemoryStorage()
	rec := New(store, &Config{Enabled: false})

	if err := rec.Emit(context.Background(), FromEntry(testEntry())); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	rec.Close()

	if n, _ := store.Count(context.Background(), nil); n != 0 {
		t.Errorf("disabled recorder stored %d records", n)
	}
}

func TestRecorder_EmitAfterClose(t *testing.T) {
	rec := New(storage.NewMemoryStorage(), nil)
	rec.Close()
	rec.Close()

	err := rec.Emit(context.Background(), FromEntry(testEntry()))
	if !errors.Is(err, evidence.ErrRecorderClosed) {
		t.Fatalf("Emit() after Close error = %v, want ErrRecorderClosed", err)
	}
}

// blockingStorage holds every Store until release is closed.
type blockingStorage struct {
	*storage.MemoryStorage
	release chan struct{}
	once    sync.Once
}

func (s *blockingStorage) Store(ctx context.Context, r *evidence.Record) error {
	<-s.release
	return s.MemoryStorage.Store(ctx, r)
}

func assertFailures(t *testing.T, m *metrics.Collector, want int) {
	t.Helper()
	expected := fmt.Sprintf(`
# HELP spendguard_settlement_evidence_failures_total Settlement evidence records that could not be delivered
# TYPE spendguard_settlement_evidence_failures_total counter
spendguard_settlement_evidence_failures_total %d
`, want)
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "spendguard_settlement_evidence_failures_total"); err != nil {
		t.Error(err)
	}
}

func TestRecorder_QueueFull(t *testing.T) {
	store := &blockingStorage{MemoryStorage: storage.NewMemoryStorage(), release: make(chan struct{})}
	m := metrics.NewCollector(&config.MetricsConfig{Enabled: true}, nil)
	rec := New(store, &Config{Enabled: true, AsyncBuffer: 1, WriteTimeout: 50 * time.Millisecond, Metrics: m})
	defer rec.Close()
	defer store.once.Do(func() { close(store.release) })

	var full error
	for i := 0; i < 4 && full == nil; i++ {
		full = rec.Emit(context.Background(), FromEntry(testEntry()))
	}
	if !errors.Is(full, evidence.ErrQueueFull) {
		t.Fatalf("Emit() on full queue error = %v, want ErrQueueFull", full)
	}

	assertFailures(t, m, 1)
}

type failingStorage struct {
	*storage.MemoryStorage
}

func (failingStorage) Store(context.Context, *evidence.Record) error {
	return errors.New("disk full")
}

func TestRecorder_StorageFailureIsCounted(t *testing.T) {
	m := metrics.NewCollector(&config.MetricsConfig{Enabled: true}, nil)
	rec := New(failingStorage{storage.NewMemoryStorage()}, &Config{Enabled: true, Metrics: m})

	if err := rec.Emit(context.Background(), FromEntry(testEntry())); err != nil {
		t.Fatalf("Emit() error = %v, want nil (failures are asynchronous)", err)
	}
	rec.Close()

	assertFailures(t, m, 1)
}

func TestFromEntry(t *testing.T) {
	e := testEntry()
	r := FromEntry(e)

	if r.RunID != e.RunID || r.AgentID != e.AgentID || r.RealizedCost != 7 || r.TotalMicros != e.TotalMicros {
		t.Errorf("FromEntry() = %+v", r)
	}
	if len(r.Breakdown) != 3 {
		t.Fatalf("Breakdown has %d items, want 3", len(r.Breakdown))
	}
	if !VerifyEntry(e, r.EntryHash) {
		t.Error("EntryHash does not verify against the entry")
	}

	e.RealizedCost++
	if VerifyEntry(e, r.EntryHash) {
		t.Error("EntryHash verified against a modified entry")
	}
}

func TestFromRun(t *testing.T) {
	tests := []struct {
		state ledger.RunState
		want  evidence.Kind
	}{
		{ledger.StateRejected, evidence.KindRejection},
		{ledger.StateReleased, evidence.KindRelease},
	}
	for _, tt := range tests {
		r := FromRun(&ledger.Run{ID: "r", AgentID: "a", State: tt.state, Reason: "x"})
		if r.Kind != tt.want {
			t.Errorf("FromRun(%s).Kind = %s, want %s", tt.state, r.Kind, tt.want)
		}
	}
}

func TestFromHold(t *testing.T) {
	run := &ledger.Run{ID: "r", AgentID: "a", Provider: "gemini", Model: "m", Reserved: 12}
	r := FromHold(run, ledger.Usage{GroundingCalls: 2}, "v1", "no grounding_calls rate")
	if r.Kind != evidence.KindHold || r.Usage.GroundingCalls != 2 || r.Reserved != 12 || r.PriceTableVersion != "v1" {
		t.Errorf("FromHold() = %+v", r)
	}
}
