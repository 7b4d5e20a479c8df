package ledger

import "time"

// RunState is a run lifecycle state.
type RunState string

const (
	StateCreated   RunState = "created"
	StateReserved  RunState = "reserved"
	StateExecuting RunState = "executing"
	StateSettled   RunState = "settled"
	StateReleased  RunState = "released"
	StateRejected  RunState = "rejected"
)

// Active reports whether the run holds the agent's exclusion slot.
func (s RunState) Active() bool {
	return s == StateReserved || s == StateExecuting
}

// Terminal reports whether no further transition is possible.
func (s RunState) Terminal() bool {
	return s == StateSettled || s == StateReleased || s == StateRejected
}

// Agent is a budget-holding identity. Only Name is mutable.
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Budget is an agent's spend state in currency subunits.
type Budget struct {
	AgentID   string    `json:"agent_id"`
	HardLimit int64     `json:"hard_limit"`
	Spent     int64     `json:"spent"`
	Reserved  int64     `json:"reserved"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Remaining is hard_limit - spent - reserved, floored at zero.
func (b Budget) Remaining() int64 {
	r := b.HardLimit - b.Spent - b.Reserved
	if r < 0 {
		return 0
	}
	return r
}

// Run is one enforcement lifecycle wrapping a single upstream call.
//
// A held run is executing and waiting for reconciliation. PendingUsage is
// the provider usage it will be settled with; it is nil when the response
// carried no readable usage and an operator must supply it.
type Run struct {
	ID                     string    `json:"id"`
	AgentID                string    `json:"agent_id"`
	State                  RunState  `json:"state"`
	Provider               string    `json:"provider,omitempty"`
	Model                  string    `json:"model,omitempty"`
	Reserved               int64     `json:"reserved"`
	ClampedMaxOutputTokens int64     `json:"clamped_max_output_tokens,omitempty"`
	RealizedCost           int64     `json:"realized_cost"`
	Reason                 string    `json:"reason,omitempty"`
	Held                   bool      `json:"held,omitempty"`
	PendingUsage           *Usage    `json:"pending_usage,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
	ExpiresAt              time.Time `json:"expires_at,omitempty"`
}

// Token is the caller's handle on a reservation.
type Token struct {
	RunID     string    `json:"run_id"`
	AgentID   string    `json:"agent_id"`
	Amount    int64     `json:"amount"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenFor returns a token for an existing run.
func TokenFor(r *Run) *Token {
	return &Token{RunID: r.ID, AgentID: r.AgentID, Amount: r.Reserved, ExpiresAt: r.ExpiresAt}
}

// Usage is provider usage normalized to billable dimensions. InputTokens
// excludes cached and cache-write tokens; OutputTokens excludes reasoning
// tokens.
type Usage struct {
	InputTokens       int64 `json:"input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens,omitempty"`
	CacheWriteTokens  int64 `json:"cache_write_tokens,omitempty"`
	ReasoningTokens   int64 `json:"reasoning_tokens,omitempty"`
	ToolCalls         int64 `json:"tool_calls,omitempty"`
	GroundingCalls    int64 `json:"grounding_calls,omitempty"`
}

// PromptTokens is every token the provider read, cached or not.
func (u Usage) PromptTokens() int64 {
	return u.InputTokens + u.CachedInputTokens + u.CacheWriteTokens
}

// Quantity returns the count for a dimension name.
func (u Usage) Quantity(dimension string) int64 {
	switch dimension {
	case "input_tokens":
		return u.InputTokens
	case "output_tokens":
		return u.OutputTokens
	case "cached_input_tokens":
		return u.CachedInputTokens
	case "cache_write_tokens":
		return u.CacheWriteTokens
	case "reasoning_tokens":
		return u.ReasoningTokens
	case "tool_calls":
		return u.ToolCalls
	case "grounding_calls":
		return u.GroundingCalls
	}
	return 0
}

// LineItem is one priced dimension of a settlement, in micro-subunits.
type LineItem struct {
	Dimension    string `json:"dimension"`
	Quantity     int64  `json:"quantity"`
	RateMicros   int64  `json:"rate_micros"`
	AmountMicros int64  `json:"amount_micros"`
}

// Entry is the immutable usage ledger record of a settled run.
type Entry struct {
	RunID             string     `json:"run_id"`
	AgentID           string     `json:"agent_id"`
	Provider          string     `json:"provider"`
	Model             string     `json:"model"`
	Usage             Usage      `json:"usage"`
	Tier              string     `json:"tier"`
	Breakdown         []LineItem `json:"billing_breakdown"`
	TotalMicros       int64      `json:"total_micros"`
	RealizedCost      int64      `json:"realized_cost"`
	Reserved          int64      `json:"reserved"`
	Overrun           int64      `json:"overrun,omitempty"`
	PriceTableVersion string     `json:"price_table_version"`
	CreatedAt         time.Time  `json:"created_at"`
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	AgentID string
	States  []RunState
	Limit   int
}

// Matches reports whether r passes the filter (ignoring Limit).
func (f RunFilter) Matches(r *Run) bool {
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if r.State == s {
			return true
		}
	}
	return false
}

// EntryFilter narrows ListEntries. Zero fields match everything.
type EntryFilter struct {
	AgentID string
	Since   time.Time
	Limit   int
}

// Matches reports whether e passes the filter (ignoring Limit).
func (f EntryFilter) Matches(e *Entry) bool {
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}
