package query

import (
	"cynsta/spendguard/pkg/evidence"
)

const (
	// DefaultLimit applies when a query sets no limit.
	DefaultLimit = 100

	// MaxLimit is the largest page a single query may request.
	MaxLimit = 10000
)

// SortFields lists the accepted SortBy values.
var SortFields = map[string]bool{
	"occurred_at":   true,
	"recorded_time": true,
	"realized_cost": true,
	"overrun":       true,
}

var kinds = map[evidence.Kind]bool{
	evidence.KindSettlement: true,
	evidence.KindHold:       true,
	evidence.KindRejection:  true,
	evidence.KindRelease:    true,
}

// Validate checks q and returns a *evidence.QueryError for the first bad
// field.
func Validate(q *evidence.Query) error {
	switch {
	case q.Limit < 0:
		return &evidence.QueryError{Field: "limit", Reason: "must be >= 0"}
	case q.Limit > MaxLimit:
		return &evidence.QueryError{Field: "limit", Reason: "exceeds maximum page size"}
	case q.Offset < 0:
		return &evidence.QueryError{Field: "offset", Reason: "must be >= 0"}
	case q.SortBy != "" && !SortFields[q.SortBy]:
		return &evidence.QueryError{Field: "sort_by", Reason: "unknown field " + q.SortBy}
	case q.SortOrder != "" && q.SortOrder != "asc" && q.SortOrder != "desc":
		return &evidence.QueryError{Field: "sort_order", Reason: "must be asc or desc"}
	case q.Kind != "" && !kinds[q.Kind]:
		return &evidence.QueryError{Field: "kind", Reason: "unknown kind " + string(q.Kind)}
	case q.StartTime != nil && q.EndTime != nil && q.StartTime.After(*q.EndTime):
		return &evidence.QueryError{Field: "start_time", Reason: "must not be after end_time"}
	case q.MinCost != nil && *q.MinCost < 0:
		return &evidence.QueryError{Field: "min_cost", Reason: "must be >= 0"}
	case q.MinCost != nil && q.MaxCost != nil && *q.MinCost > *q.MaxCost:
		return &evidence.QueryError{Field: "min_cost", Reason: "must not exceed max_cost"}
	}
	return nil
}

// ApplyDefaults fills an unset limit and sort.
func ApplyDefaults(q *evidence.Query) {
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	if q.SortBy == "" {
		q.SortBy = "occurred_at"
	}
	if q.SortOrder == "" {
		q.SortOrder = "desc"
	}
}
