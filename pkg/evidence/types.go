package evidence

import (
	"context"
	"io"
	"time"

	"cynsta/spendguard/pkg/ledger"
)

// Kind classifies what an evidence record attests to.
type Kind string

const (
	// KindSettlement is a committed settlement with its ledger entry.
	KindSettlement Kind = "settlement"

	// KindHold is usage that could not be priced; the run stays open for
	// reconciliation.
	KindHold Kind = "hold"

	// KindRejection is a preflight rejection.
	KindRejection Kind = "rejection"

	// KindRelease is a reservation returned without a charge.
	KindRelease Kind = "release"
)

// Record is the immutable audit trail of one budget decision. Settlement
// records carry the priced breakdown exactly as written to the usage ledger
// plus a SHA-256 of the entry so the two can be checked against each other.
type Record struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	RunID    string `json:"run_id"`
	AgentID  string `json:"agent_id"`
	Provider string `json:"provider"`
	Model    string `json:"model"`

	Tier              string            `json:"tier,omitempty"`
	PriceTableVersion string            `json:"price_table_version,omitempty"`
	Usage             ledger.Usage      `json:"usage"`
	Breakdown         []ledger.LineItem `json:"billing_breakdown,omitempty"`

	TotalMicros  int64 `json:"total_micros"`
	RealizedCost int64 `json:"realized_cost"`
	Reserved     int64 `json:"reserved"`
	Overrun      int64 `json:"overrun,omitempty"`

	Reason    string `json:"reason,omitempty"`
	EntryHash string `json:"entry_hash,omitempty"`

	OccurredAt   time.Time `json:"occurred_at"`
	RecordedTime time.Time `json:"recorded_time"`
}

// Query filters evidence records. Zero fields match everything.
type Query struct {
	StartTime *time.Time `json:"start_time,omitempty"` // inclusive, on OccurredAt
	EndTime   *time.Time `json:"end_time,omitempty"`   // inclusive, on OccurredAt

	AgentID  string `json:"agent_id,omitempty"`
	RunID    string `json:"run_id,omitempty"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Kind     Kind   `json:"kind,omitempty"`

	MinCost *int64 `json:"min_cost,omitempty"`
	MaxCost *int64 `json:"max_cost,omitempty"`

	// OverrunOnly keeps settlements whose realized cost exceeded the
	// reservation.
	OverrunOnly bool `json:"overrun_only,omitempty"`

	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`

	SortBy    string `json:"sort_by,omitempty"`    // "occurred_at", "recorded_time", "realized_cost", "overrun"
	SortOrder string `json:"sort_order,omitempty"` // "asc", "desc"
}

// Matches reports whether r passes the query's filters, ignoring paging.
func (q *Query) Matches(r *Record) bool {
	if q == nil {
		return true
	}
	if q.StartTime != nil && r.OccurredAt.Before(*q.StartTime) {
		return false
	}
	if q.EndTime != nil && r.OccurredAt.After(*q.EndTime) {
		return false
	}
	if q.AgentID != "" && r.AgentID != q.AgentID {
		return false
	}
	if q.RunID != "" && r.RunID != q.RunID {
		return false
	}
	if q.Provider != "" && r.Provider != q.Provider {
		return false
	}
	if q.Model != "" && r.Model != q.Model {
		return false
	}
	if q.Kind != "" && r.Kind != q.Kind {
		return false
	}
	if q.MinCost != nil && r.RealizedCost < *q.MinCost {
		return false
	}
	if q.MaxCost != nil && r.RealizedCost > *q.MaxCost {
		return false
	}
	if q.OverrunOnly && r.Overrun <= 0 {
		return false
	}
	return true
}

// Sink receives evidence records. Emit must not block the caller for long;
// delivery failures are the caller's to log, never to act on.
type Sink interface {
	Emit(ctx context.Context, record *Record) error
}

// Storage persists evidence records. Implementations must be safe for
// concurrent use.
type Storage interface {
	// Store persists a record. Storing an existing ID fails.
	Store(ctx context.Context, record *Record) error

	// Query returns matching records, empty when none match.
	Query(ctx context.Context, query *Query) ([]*Record, error)

	// QueryStream streams matching records. Both channels are closed when
	// the query finishes; errCh carries at most one error.
	QueryStream(ctx context.Context, query *Query) (<-chan *Record, <-chan error, error)

	Count(ctx context.Context, query *Query) (int64, error)

	// Delete removes matching records and returns how many were removed.
	Delete(ctx context.Context, query *Query) (int64, error)

	Close() error
}

// Exporter writes records in a serialization format.
type Exporter interface {
	Export(ctx context.Context, records []*Record, w io.Writer) error
}

// Discard is a Sink that drops every record.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(context.Context, *Record) error { return nil }
