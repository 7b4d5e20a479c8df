package logging

import (
	"context"
	"log/slog"
)

type contextKey int

const (
	agentIDKey contextKey = iota
	runIDKey
	requestIDKey
)

// WithAgentID attaches an agent ID to ctx for log records.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// AgentID returns the agent ID on ctx, or "".
func AgentID(ctx context.Context) string {
	s, _ := ctx.Value(agentIDKey).(string)
	return s
}

// WithRunID attaches a run ID to ctx for log records.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID returns the run ID on ctx, or "".
func RunID(ctx context.Context) string {
	s, _ := ctx.Value(runIDKey).(string)
	return s
}

// WithRequestID attaches a caller-supplied request ID to ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request ID on ctx, or "".
func RequestID(ctx context.Context) string {
	s, _ := ctx.Value(requestIDKey).(string)
	return s
}

// contextHandler adds identifiers from the record's context. Attributes
// already set on the record by the caller are not duplicated.
type contextHandler struct {
	slog.Handler
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx == nil {
		return h.Handler.Handle(ctx, r)
	}

	present := map[string]bool{}
	r.Attrs(func(a slog.Attr) bool {
		present[a.Key] = true
		return true
	})

	for _, f := range []struct {
		key, val string
	}{
		{"agent_id", AgentID(ctx)},
		{"run_id", RunID(ctx)},
		{"request_id", RequestID(ctx)},
	} {
		if f.val != "" && !present[f.key] {
			r.AddAttrs(slog.String(f.key, f.val))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}
