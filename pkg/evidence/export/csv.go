package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"cynsta/spendguard/pkg/evidence"
)

// CSVExporter writes one row per record.
type CSVExporter struct {
	IncludeHeader bool
}

// NewCSVExporter creates a CSV exporter.
func NewCSVExporter(includeHeader bool) *CSVExporter {
	return &CSVExporter{IncludeHeader: includeHeader}
}

// Header is the CSV column order.
var Header = []string{
	"id", "kind", "run_id", "agent_id", "provider", "model",
	"tier", "price_table_version",
	"input_tokens", "cached_input_tokens", "cache_write_tokens",
	"output_tokens", "reasoning_tokens", "tool_calls", "grounding_calls",
	"billing_breakdown", "total_micros", "realized_cost", "reserved", "overrun",
	"reason", "entry_hash", "occurred_at", "recorded_time",
}

// Export writes records as CSV.
func (e *CSVExporter) Export(ctx context.Context, records []*evidence.Record, w io.Writer) error {
	ch := make(chan *evidence.Record, len(records))
	for _, r := range records {
		ch <- r
	}
	close(ch)
	return e.ExportStream(ctx, ch, w)
}

// ExportStream writes records from ch as CSV until ch closes, flushing every
// 100 rows.
func (e *CSVExporter) ExportStream(ctx context.Context, ch <-chan *evidence.Record, w io.Writer) error {
	cw := csv.NewWriter(w)
	written := 0
	fail := func(err error) error {
		return &evidence.ExportError{Format: "csv", Written: written, Err: err}
	}

	if e.IncludeHeader {
		if err := cw.Write(Header); err != nil {
			return fail(err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		case record, ok := <-ch:
			if !ok {
				cw.Flush()
				if err := cw.Error(); err != nil {
					return fail(err)
				}
				return nil
			}
			row, err := toRow(record)
			if err != nil {
				return fail(err)
			}
			if err := cw.Write(row); err != nil {
				return fail(err)
			}
			written++
			if written%100 == 0 {
				cw.Flush()
				if err := cw.Error(); err != nil {
					return fail(err)
				}
			}
		}
	}
}

func toRow(r *evidence.Record) ([]string, error) {
	breakdown := ""
	if len(r.Breakdown) > 0 {
		data, err := json.Marshal(r.Breakdown)
		if err != nil {
			return nil, err
		}
		breakdown = string(data)
	}

	i := func(v int64) string { return strconv.FormatInt(v, 10) }
	u := r.Usage
	return []string{
		r.ID, string(r.Kind), r.RunID, r.AgentID, r.Provider, r.Model,
		r.Tier, r.PriceTableVersion,
		i(u.InputTokens), i(u.CachedInputTokens), i(u.CacheWriteTokens),
		i(u.OutputTokens), i(u.ReasoningTokens), i(u.ToolCalls), i(u.GroundingCalls),
		breakdown, i(r.TotalMicros), i(r.RealizedCost), i(r.Reserved), i(r.Overrun),
		r.Reason, r.EntryHash, formatTime(r.OccurredAt), formatTime(r.RecordedTime),
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
