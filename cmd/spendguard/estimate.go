package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"cynsta/spendguard/pkg/cli"
	"cynsta/spendguard/pkg/preflight"
	"cynsta/spendguard/pkg/providerfactory"
	"cynsta/spendguard/pkg/providers"
	"cynsta/spendguard/pkg/telemetry/tracing"
)

var estimateFlags struct {
	agentID  string
	budget   string
	provider string
	endpoint string
	model    string
	body     string
}

// defaultEndpoints is the endpoint assumed per provider when --endpoint is
// not given.
var defaultEndpoints = map[string]providers.Endpoint{
	"openai":    providers.EndpointChatCompletions,
	"grok":      providers.EndpointChatCompletions,
	"anthropic": providers.EndpointMessages,
	"gemini":    providers.EndpointGenerateContent,
}

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Quote a request body without reserving anything",
	Long: `Run preflight pricing on a request body and print the quote.

Nothing is reserved and no run is recorded. The quote is computed against
the agent's current headroom (--agent) or a hypothetical budget (--budget).

Examples:
  # Would this request fit agent 6f1c...'s budget right now?
  spendguard estimate --agent 6f1c... --provider openai --body request.json

  # Gemini carries the model in the URL, so name it explicitly
  spendguard estimate --budget 2.00 --provider gemini --model gemini-2.5-pro --body request.json`,
	Args: cobra.NoArgs,
	RunE: runEstimate,
}

func init() {
	rootCmd.AddCommand(estimateCmd)

	f := estimateCmd.Flags()
	f.StringVar(&estimateFlags.agentID, "agent", "", "price against this agent's headroom")
	f.StringVar(&estimateFlags.budget, "budget", "", "price against a hypothetical remaining budget")
	f.StringVar(&estimateFlags.provider, "provider", "", "provider adapter (openai, anthropic, gemini, grok)")
	f.StringVar(&estimateFlags.endpoint, "endpoint", "", "provider endpoint (default depends on provider)")
	f.StringVar(&estimateFlags.model, "model", "", "model override (required for gemini)")
	f.StringVar(&estimateFlags.body, "body", "", "request body JSON file")
	_ = estimateCmd.MarkFlagRequired("provider")
	_ = estimateCmd.MarkFlagRequired("body")
	estimateCmd.MarkFlagsMutuallyExclusive("agent", "budget")
	estimateCmd.MarkFlagsOneRequired("agent", "budget")
}

type estimateView struct {
	Fits     bool             `json:"fits"`
	Clamped  bool             `json:"clamped"`
	Reserve  string           `json:"reserve"`
	Headroom string           `json:"headroom"`
	Blocked  string           `json:"blocked_by,omitempty"`
	Quote    *preflight.Quote `json:"quote"`
}

func runEstimate(cmd *cobra.Command, args []string) error {
	// #nosec G304 - user-specified input path is expected for a CLI tool
	body, err := os.ReadFile(estimateFlags.body)
	if err != nil {
		return cli.NewConfigError("body", err.Error())
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	tracer, err := tracing.New(&a.cfg.Telemetry.Tracing)
	if err != nil {
		return cli.NewCommandError("estimate", err)
	}
	defer tracer.Shutdown(ctx)

	ctx, span := tracer.Start(ctx, tracing.SpanPreflight,
		trace.WithAttributes(tracing.CallAttrs(estimateFlags.agentID, estimateFlags.provider, estimateFlags.model)...))
	defer func() { tracing.End(span, err) }()

	adapter, err := providerfactory.NewRegistry(&a.cfg.Tokens).Get(estimateFlags.provider)
	if err != nil {
		return cli.NewCommandError("estimate", err)
	}
	endpoint := providers.Endpoint(estimateFlags.endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoints[estimateFlags.provider]
	}
	call, err := adapter.NormalizeRequest(providers.RawCall{
		Endpoint: endpoint,
		Model:    estimateFlags.model,
		Body:     body,
	})
	if err != nil {
		return cli.NewCommandError("estimate", err)
	}

	prices, err := a.openPrices(ctx)
	if err != nil {
		return cli.NewCommandError("estimate", err)
	}
	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}

	view := estimateView{}
	var remaining int64
	if estimateFlags.agentID != "" {
		headroom, blocking, herr := l.Headroom(ctx, estimateFlags.agentID)
		if herr != nil {
			err = herr
			return cli.NewCommandError("estimate", err)
		}
		remaining = headroom
		if blocking != nil {
			view.Blocked = blocking.ID
		}
	} else {
		remaining, err = cli.ParseAmount(estimateFlags.budget)
		if err != nil {
			return cli.NewConfigError("budget", err.Error())
		}
	}

	opts := preflight.OptionsFromConfig(&a.cfg.Preflight)
	opts.Logger = a.logger
	q, err := preflight.New(prices, l, opts).Quote(call, remaining)
	if err != nil {
		return cli.NewCommandError("estimate", err)
	}

	view.Fits = q.Fits() && view.Blocked == ""
	view.Clamped = q.Clamped()
	view.Reserve = cli.FormatSubunits(q.Reserve)
	view.Headroom = cli.FormatSubunits(remaining)
	view.Quote = q
	span.SetAttributes(
		tracing.AttrApproved.Bool(view.Fits),
		tracing.AttrClampedOutput.Int64(q.ClampedMaxOutputTokens),
		tracing.AttrTier.String(q.Tier),
		tracing.AttrPriceVersion.String(q.PriceTableVersion),
	)

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	if p.JSON() {
		return p.Object(view)
	}

	verdict := "✓ Fits"
	switch {
	case view.Blocked != "":
		verdict = fmt.Sprintf("✗ Blocked by active run %s", view.Blocked)
	case !q.Fits():
		verdict = "✗ Does not fit: input plus the minimum output exceeds the budget"
	case q.Clamped():
		verdict = fmt.Sprintf("✓ Fits with output clamped to %d tokens", q.ClampedMaxOutputTokens)
	}
	p.Message("%s", verdict)
	p.Message("")
	return p.Object(struct {
		Model           string
		Tier            string
		PriceTable      string
		InputTokens     int64
		RequestedOutput int64
		ClampedOutput   int64
		WorstCase       string
		Reserve         string
		Headroom        string
	}{
		Model:           call.Provider + "/" + call.Model,
		Tier:            q.Tier,
		PriceTable:      q.PriceTableVersion,
		InputTokens:     q.InputTokens,
		RequestedOutput: q.RequestedOutputTokens,
		ClampedOutput:   q.ClampedMaxOutputTokens,
		WorstCase:       fmt.Sprintf("%d µ", q.WorstCaseMicros),
		Reserve:         view.Reserve,
		Headroom:        view.Headroom,
	})
}
