package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cynsta/spendguard/pkg/cli"
	"cynsta/spendguard/pkg/engine"
	"cynsta/spendguard/pkg/ledger"
	"cynsta/spendguard/pkg/preflight"
	"cynsta/spendguard/pkg/providerfactory"
	"cynsta/spendguard/pkg/providers"
	"cynsta/spendguard/pkg/settlement"
	"cynsta/spendguard/pkg/telemetry/tracing"
)

// maxResponseBytes bounds how much of an upstream response is read.
const maxResponseBytes = 32 << 20

var callFlags struct {
	agentID  string
	provider string
	endpoint string
	model    string
	body     string
	url      string
	headers  []string
	timeout  time.Duration
}

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Send one request upstream under budget enforcement",
	Long: `Admit, send and settle a single provider request.

The request is priced and reserved against the agent's budget first. When
approved, the body is sent to --url with the output cap clamped to what the
budget allows, and the response's usage is settled into the ledger. A
request that fails upstream releases its reservation. A response without
readable usage is held for reconciliation (see 'spendguard run resettle').

Header values are expanded from the environment, so keys never appear on
the command line.

Examples:
  spendguard call --agent 6f1c... --provider openai \
    --url https://api.openai.com/v1/chat/completions \
    --header 'Authorization: Bearer $OPENAI_API_KEY' --body request.json`,
	Args: cobra.NoArgs,
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)

	f := callCmd.Flags()
	f.StringVar(&callFlags.agentID, "agent", "", "agent ID to charge")
	f.StringVar(&callFlags.provider, "provider", "", "provider adapter (openai, anthropic, gemini, grok)")
	f.StringVar(&callFlags.endpoint, "endpoint", "", "provider endpoint (default depends on provider)")
	f.StringVar(&callFlags.model, "model", "", "model override (required for gemini)")
	f.StringVar(&callFlags.body, "body", "", "request body JSON file")
	f.StringVar(&callFlags.url, "url", "", "upstream URL")
	f.StringArrayVarP(&callFlags.headers, "header", "H", nil, "request header 'Name: value' (repeatable, $VARS expanded)")
	f.DurationVar(&callFlags.timeout, "timeout", 5*time.Minute, "upstream request timeout")
	for _, name := range []string{"agent", "provider", "body", "url"} {
		_ = callCmd.MarkFlagRequired(name)
	}
}

type callView struct {
	Decision *preflight.Decision `json:"decision"`
	Status   string              `json:"status"`
	Entry    *ledger.Entry       `json:"entry,omitempty"`
	Response json.RawMessage     `json:"response,omitempty"`
}

// parseHeaders turns 'Name: value' flags into a header set.
func parseHeaders(raw []string) (http.Header, error) {
	h := http.Header{"Content-Type": []string{"application/json"}}
	for _, line := range raw {
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q (expected 'Name: value')", line)
		}
		h.Set(name, os.ExpandEnv(strings.TrimSpace(value)))
	}
	return h, nil
}

// httpCall posts the clamped body to url. Non-2xx responses are errors so
// the reservation is released.
func httpCall(client *http.Client, url string, endpoint providers.Endpoint, header http.Header) engine.CallFunc {
	return func(ctx context.Context, body json.RawMessage) (providers.RawResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return providers.RawResponse{}, err
		}
		req.Header = header.Clone()

		resp, err := client.Do(req)
		if err != nil {
			return providers.RawResponse{}, fmt.Errorf("upstream request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return providers.RawResponse{}, fmt.Errorf("failed to read upstream response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return providers.RawResponse{}, fmt.Errorf("upstream returned %s: %s", resp.Status, truncate(data, 512))
		}
		return providers.RawResponse{Endpoint: endpoint, Body: data}, nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func runCall(cmd *cobra.Command, args []string) error {
	header, err := parseHeaders(callFlags.headers)
	if err != nil {
		return cli.NewConfigError("header", err.Error())
	}
	// #nosec G304 - user-specified input path is expected for a CLI tool
	body, err := os.ReadFile(callFlags.body)
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
		return cli.NewCommandError("call", err)
	}
	defer tracer.Shutdown(context.WithoutCancel(ctx))

	prices, err := a.openPrices(ctx)
	if err != nil {
		return cli.NewCommandError("call", err)
	}
	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	sink, err := a.sink()
	if err != nil {
		return err
	}

	opts := preflight.OptionsFromConfig(&a.cfg.Preflight)
	eng := engine.New(providerfactory.NewRegistry(&a.cfg.Tokens), prices, l, engine.Options{
		Preflight: opts,
		Sink:      sink,
		Logger:    a.logger,
		Metrics:   a.metrics,
		Tracer:    tracer,
	})

	endpoint := providers.Endpoint(callFlags.endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoints[callFlags.provider]
	}
	client := &http.Client{Timeout: callFlags.timeout}
	res, err := eng.Execute(ctx, callFlags.agentID, callFlags.provider, providers.RawCall{
		Endpoint: endpoint,
		Model:    callFlags.model,
		Body:     body,
	}, httpCall(client, callFlags.url, endpoint, header))

	var overrun *settlement.OverrunError
	switch {
	case res == nil:
		return cli.NewCommandError("call", err)
	case err != nil && !errors.As(err, &overrun):
		if res.Response != nil && res.Entry == nil {
			return cli.NewCommandError("call", fmt.Errorf("run %s held for reconciliation: %w", res.Decision.RunID, err))
		}
		return cli.NewCommandError("call", err)
	}

	view := callView{Decision: res.Decision, Entry: res.Entry, Status: "settled"}
	if res.Response != nil {
		view.Response = res.Response.Body
	}
	if !res.Decision.Approved {
		view.Status = "rejected"
	} else if overrun != nil {
		view.Status = "overrun"
	}

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	if p.JSON() {
		if err := p.Object(view); err != nil {
			return err
		}
	} else {
		switch view.Status {
		case "rejected":
			p.Message("✗ Rejected: %s (run %s, reserve %s, headroom %s)", res.Decision.Reason, res.Decision.RunID,
				cli.FormatSubunits(res.Decision.Quote.Reserve), cli.FormatSubunits(res.Decision.Quote.Remaining))
		case "overrun":
			p.Message("⚠ Settled with overrun of %s", cli.FormatSubunits(overrun.Overrun()))
		default:
			p.Message("✓ Settled")
		}
		if res.Entry != nil {
			p.Message("")
			if err := printEntry(p, res.Entry); err != nil {
				return err
			}
		}
	}

	if !res.Decision.Approved {
		reason := ledger.ErrInsufficientBudget
		if res.Decision.Reason == preflight.ReasonRunAlreadyActive {
			reason = ledger.ErrRunAlreadyActive
		}
		return cli.NewCommandError("call", fmt.Errorf("%w: run %s", reason, res.Decision.RunID))
	}
	return nil
}
