package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"cynsta/spendguard/pkg/evidence"
	"cynsta/spendguard/pkg/evidence/recorder"
	"cynsta/spendguard/pkg/ledger"
	"cynsta/spendguard/pkg/preflight"
	"cynsta/spendguard/pkg/pricing"
	"cynsta/spendguard/pkg/providers"
	"cynsta/spendguard/pkg/settlement"
	"cynsta/spendguard/pkg/telemetry/logging"
	"cynsta/spendguard/pkg/telemetry/metrics"
	"cynsta/spendguard/pkg/telemetry/tracing"
)

// ReasonUsageUnknown prefixes the hold reason of a run whose response
// carried no readable usage.
const ReasonUsageUnknown = "usage_unknown"

// ErrNotApproved is returned when dispatching an admission that preflight
// rejected.
var ErrNotApproved = errors.New("call not approved")

// Options configures an Engine.
type Options struct {
	Preflight preflight.Options

	// Sink receives evidence for every terminal run. Nil discards.
	Sink evidence.Sink

	Logger  *slog.Logger
	Metrics *metrics.Collector
	Tracer  *tracing.Tracer
}

// Engine ties adapters, preflight, the ledger and settlement together.
type Engine struct {
	adapters  *providers.Registry
	ledger    *ledger.Ledger
	estimator *preflight.Estimator
	settler   *settlement.Settler
	sink      evidence.Sink
	logger    *slog.Logger
	metrics   *metrics.Collector
	tracer    *tracing.Tracer
}

// New creates an engine.
func New(adapters *providers.Registry, prices *pricing.Registry, l *ledger.Ledger, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = evidence.Discard
	}
	po := opts.Preflight
	if po.Logger == nil {
		po.Logger = logger
	}
	if po.Metrics == nil {
		po.Metrics = opts.Metrics
	}

	return &Engine{
		adapters:  adapters,
		ledger:    l,
		estimator: preflight.New(prices, l, po),
		settler: settlement.New(prices, l, settlement.Options{
			Sink:    sink,
			Logger:  logger,
			Metrics: opts.Metrics,
		}),
		sink:    sink,
		logger:  logger.With("component", "engine"),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
}

// Settler returns the engine's settler, for reconciling held runs.
func (e *Engine) Settler() *settlement.Settler {
	return e.settler
}

// Admission is the outcome of Admit.
type Admission struct {
	AgentID  string
	Provider string

	Decision *preflight.Decision
	Call     *providers.NormalizedCall
	Raw      providers.RawCall

	// Body is the request body with the clamped output cap applied. Nil
	// when the call was rejected.
	Body json.RawMessage
}

// Token returns the reservation token, or nil for a rejection.
func (a *Admission) Token() *ledger.Token {
	if a == nil || a.Decision == nil {
		return nil
	}
	return a.Decision.Token
}

// Admit normalizes call, runs preflight and, when approved, rewrites the
// body with the clamped output cap. A rejection is an Admission whose
// Decision is not approved. Errors mean the call could not be evaluated:
// unknown provider, unsupported content, unavailable pricing or storage
// failure. Nothing is reserved when Admit returns an error.
func (e *Engine) Admit(ctx context.Context, agentID, provider string, call providers.RawCall) (adm *Admission, err error) {
	ctx = logging.WithAgentID(ctx, agentID)
	ctx, span := e.tracer.Start(ctx, tracing.SpanPreflight,
		trace.WithAttributes(tracing.CallAttrs(agentID, provider, call.Model)...))
	defer func() { tracing.End(span, err) }()

	adapter, err := e.adapters.Get(provider)
	if err != nil {
		return nil, err
	}
	norm, err := adapter.NormalizeRequest(call)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(tracing.AttrModel.String(norm.Model))

	d, err := e.estimator.Estimate(ctx, agentID, norm)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		tracing.AttrApproved.Bool(d.Approved),
		tracing.AttrRunID.String(d.RunID),
		tracing.AttrReserved.Int64(d.Quote.Reserve),
	)

	adm = &Admission{
		AgentID:  agentID,
		Provider: provider,
		Decision: d,
		Call:     norm,
		Raw:      call,
	}
	if !d.Approved {
		span.SetAttributes(tracing.AttrReason.String(d.Reason))
		e.emitRun(ctx, d.RunID)
		e.logger.InfoContext(ctx, "Call rejected",
			"run_id", d.RunID,
			"provider", provider,
			"model", norm.Model,
			"reason", d.Reason,
			"remaining", d.Quote.Remaining,
		)
		return adm, nil
	}

	span.SetAttributes(tracing.AttrClampedOutput.Int64(d.ClampedMaxOutputTokens))
	body, err := adapter.ApplyOutputLimit(call, d.ClampedMaxOutputTokens)
	if err != nil {
		e.release(ctx, d.Token, fmt.Sprintf("apply output limit: %v", err))
		return nil, err
	}
	adm.Body = body
	return adm, nil
}

// Dispatch marks the admitted run as executing. Call it immediately before
// sending the request upstream.
func (e *Engine) Dispatch(ctx context.Context, adm *Admission) error {
	tok := adm.Token()
	if tok == nil {
		return ErrNotApproved
	}
	_, span := e.tracer.Start(ctx, tracing.SpanDispatch,
		trace.WithAttributes(tracing.AttrRunID.String(tok.RunID)))
	_, err := e.ledger.MarkExecuting(ctx, tok)
	tracing.End(span, err)
	return err
}

// Complete extracts usage from resp and settles the run. See
// settlement.Settler.Settle for the meaning of a returned entry with an
// error. A response without readable usage holds the run for
// reconciliation with its reservation still counted.
func (e *Engine) Complete(ctx context.Context, adm *Admission, resp providers.RawResponse) (entry *ledger.Entry, err error) {
	tok := adm.Token()
	if tok == nil {
		return nil, ErrNotApproved
	}
	ctx = logging.WithRunID(logging.WithAgentID(ctx, adm.AgentID), tok.RunID)
	ctx, span := e.tracer.Start(ctx, tracing.SpanSettle,
		trace.WithAttributes(tracing.AttrRunID.String(tok.RunID)))
	defer func() {
		if entry != nil {
			span.SetAttributes(
				tracing.AttrRealized.Int64(entry.RealizedCost),
				tracing.AttrOverrun.Int64(entry.Overrun),
				tracing.AttrTier.String(entry.Tier),
				tracing.AttrPriceVersion.String(entry.PriceTableVersion),
			)
		}
		tracing.End(span, err)
	}()

	adapter, err := e.adapters.Get(adm.Provider)
	if err != nil {
		return nil, err
	}
	usage, err := adapter.ExtractUsage(resp)
	if err != nil {
		reason := fmt.Sprintf("%s: %v", ReasonUsageUnknown, err)
		held, herr := e.ledger.HoldForReconciliation(ctx, tok, nil, reason)
		if herr != nil {
			return nil, errors.Join(err, herr)
		}
		e.logger.ErrorContext(ctx, "Response usage unreadable, run held for reconciliation", "error", err)
		e.emit(ctx, recorder.FromHold(held, ledger.Usage{}, "", reason))
		return nil, err
	}
	span.SetAttributes(
		tracing.AttrInputTokens.Int64(usage.InputTokens),
		tracing.AttrOutputTokens.Int64(usage.OutputTokens),
		tracing.AttrReasoningTokens.Int64(usage.ReasoningTokens),
	)

	return e.settler.Settle(ctx, tok, usage)
}

// Abort releases the admitted run's reservation. It uses a context detached
// from ctx's cancellation so a cancelled caller still returns its budget.
func (e *Engine) Abort(ctx context.Context, adm *Admission, cause error) error {
	tok := adm.Token()
	if tok == nil {
		return nil
	}
	reason := "aborted"
	if cause != nil {
		reason = cause.Error()
	}
	return e.release(logging.WithAgentID(ctx, adm.AgentID), tok, reason)
}

func (e *Engine) release(ctx context.Context, tok *ledger.Token, reason string) error {
	ctx = context.WithoutCancel(ctx)
	ctx, span := e.tracer.Start(ctx, tracing.SpanRelease,
		trace.WithAttributes(tracing.AttrRunID.String(tok.RunID)))

	run, err := e.ledger.Release(ctx, tok, reason)
	tracing.End(span, err)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to release reservation",
			"run_id", tok.RunID,
			"reason", reason,
			"error", err,
		)
		return err
	}
	e.emit(ctx, recorder.FromRun(run))
	return nil
}

func (e *Engine) emitRun(ctx context.Context, runID string) {
	if runID == "" {
		return
	}
	run, err := e.ledger.GetRun(ctx, runID)
	if err != nil {
		e.logger.WarnContext(ctx, "Rejected run not found for evidence", "run_id", runID, "error", err)
		return
	}
	e.emit(ctx, recorder.FromRun(run))
}

func (e *Engine) emit(ctx context.Context, r *evidence.Record) {
	if err := e.sink.Emit(ctx, r); err != nil {
		e.metrics.RecordEvidenceFailure()
		e.logger.WarnContext(ctx, "Evidence not delivered",
			"run_id", r.RunID,
			"kind", r.Kind,
			"error", err,
		)
	}
}
