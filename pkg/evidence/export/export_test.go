package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"cynsta/spendguard/pkg/evidence"
	"cynsta/spendguard/pkg/ledger"
)

func sample() []*evidence.Record {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	return []*evidence.Record{
		{
			ID: "r1", Kind: evidence.KindSettlement, RunID: "run-1", AgentID: "a1",
			Provider: "openai", Model: "gpt-4o", Tier: "base",
			Usage: ledger.Usage{InputTokens: 10, OutputTokens: 20, ToolCalls: 1},
			Breakdown: []ledger.LineItem{
				{Dimension: "input_tokens", Quantity: 10, RateMicros: 2500, AmountMicros: 25000},
			},
			TotalMicros: 25000, RealizedCost: 1, Reserved: 3, OccurredAt: at,
		},
		{
			ID: "r2", Kind: evidence.KindRejection, RunID: "run-2", AgentID: "a1",
			Provider: "openai", Model: "gpt-4o", Reason: "insufficient_budget", OccurredAt: at,
		},
	}
}

func TestJSONExporter(t *testing.T) {
	for _, pretty := range []bool{false, true} {
		var buf bytes.Buffer
		if err := NewJSONExporter(pretty).Export(context.Background(), sample(), &buf); err != nil {
			t.Fatalf("Export() error = %v", err)
		}
		var got []evidence.Record
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("output is not a JSON array: %v\n%s", err, buf.String())
		}
		if len(got) != 2 || got[0].Breakdown[0].AmountMicros != 25000 {
			t.Errorf("decoded %+v", got)
		}
	}
}

func TestJSONExporter_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := NewJSONExporter(false).Export(context.Background(), nil, &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("empty export = %q, want []", buf.String())
	}
}

func TestJSONExporter_Stream(t *testing.T) {
	ch := make(chan *evidence.Record, 2)
	for _, r := range sample() {
		ch <- r
	}
	close(ch)

	var buf bytes.Buffer
	if err := NewJSONExporter(true).ExportStream(context.Background(), ch, &buf); err != nil {
		t.Fatalf("ExportStream() error = %v", err)
	}
	var got []evidence.Record
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("stream output is not a JSON array: %v\n%s", err, buf.String())
	}
	if len(got) != 2 {
		t.Errorf("decoded %d records, want 2", len(got))
	}
}

func TestCSVExporter(t *testing.T) {
	var buf bytes.Buffer
	if err := NewCSVExporter(true).Export(context.Background(), sample(), &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("output is not valid CSV: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header + 2", len(rows))
	}
	if len(rows[0]) != len(Header) || rows[0][0] != "id" {
		t.Errorf("header = %v", rows[0])
	}

	col := func(name string) int {
		for i, h := range Header {
			if h == name {
				return i
			}
		}
		t.Fatalf("no column %s", name)
		return -1
	}
	if got := rows[1][col("tool_calls")]; got != "1" {
		t.Errorf("tool_calls = %q, want 1", got)
	}
	if got := rows[1][col("occurred_at")]; got != "2026-03-01T09:30:00Z" {
		t.Errorf("occurred_at = %q", got)
	}
	if got := rows[2][col("reason")]; got != "insufficient_budget" {
		t.Errorf("reason = %q", got)
	}
	if got := rows[2][col("billing_breakdown")]; got != "" {
		t.Errorf("rejection breakdown = %q, want empty", got)
	}
}

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "csv", ""} {
		if _, err := New(format); err != nil {
			t.Errorf("New(%q) error = %v", format, err)
		}
	}
	if _, err := New("xml"); err == nil {
		t.Error("New(xml) should fail")
	}
}
