package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"cynsta/spendguard/pkg/cli"
	"cynsta/spendguard/pkg/ledger"
	"cynsta/spendguard/pkg/settlement"
)

var runFlags struct {
	agentID string
	states  []string
	held    bool
	limit   int
	reason  string
	usage   ledger.Usage
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Inspect and repair enforcement runs",
	Long: `Inspect enforcement runs and repair ones that did not finish cleanly.

A run wraps one upstream call: reserved, executing, then settled, released
or rejected. Runs whose usage could not be priced stay executing with their
usage held until they are re-settled against a price table that covers them.

Examples:
  # Runs still waiting for a price
  spendguard run list --held

  # Re-settle a held run after the price table was fixed
  spendguard run resettle 0b7e...

  # Settle a run whose response carried no usage, from the provider's console
  spendguard run resettle 0b7e... --input 1200 --output 350

  # Free the budget held by a stuck run without charging it
  spendguard run release 0b7e... --reason "upstream never answered"`,
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunList,
}

var runGetCmd = &cobra.Command{
	Use:   "get RUN_ID",
	Short: "Show a run and its ledger entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunGet,
}

var runReleaseCmd = &cobra.Command{
	Use:   "release RUN_ID",
	Short: "Release an active run without charging it",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunRelease,
}

var runResettleCmd = &cobra.Command{
	Use:   "resettle RUN_ID",
	Short: "Settle a held run against the current price table",
	Long: `Settle a held run against the current price table.

The usage stored on the run is used unless usage flags are given. A run held
because the provider reported no usage cannot be settled without them; to
free its budget without charging it, use 'spendguard run release'.`,
	Args: cobra.ExactArgs(1),
	RunE: runRunResettle,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.AddCommand(runListCmd, runGetCmd, runReleaseCmd, runResettleCmd)

	runListCmd.Flags().StringVar(&runFlags.agentID, "agent", "", "filter by agent ID")
	runListCmd.Flags().StringSliceVar(&runFlags.states, "state", nil, "filter by state (repeatable)")
	runListCmd.Flags().BoolVar(&runFlags.held, "held", false, "only runs held for reconciliation")
	runListCmd.Flags().IntVar(&runFlags.limit, "limit", 50, "max results")

	runReleaseCmd.Flags().StringVar(&runFlags.reason, "reason", "manual", "release reason recorded on the run")

	f := runResettleCmd.Flags()
	f.Int64Var(&runFlags.usage.InputTokens, "input", 0, "uncached input tokens")
	f.Int64Var(&runFlags.usage.CachedInputTokens, "cached", 0, "cached input tokens")
	f.Int64Var(&runFlags.usage.CacheWriteTokens, "cache-write", 0, "cache write tokens")
	f.Int64Var(&runFlags.usage.OutputTokens, "output", 0, "output tokens, excluding reasoning")
	f.Int64Var(&runFlags.usage.ReasoningTokens, "reasoning", 0, "reasoning tokens")
	f.Int64Var(&runFlags.usage.ToolCalls, "tool-calls", 0, "tool calls")
	f.Int64Var(&runFlags.usage.GroundingCalls, "grounding-calls", 0, "grounding calls")
}

// usageOverride returns the usage given on the command line, or nil when no
// usage flag was set.
func usageOverride() *ledger.Usage {
	if runFlags.usage == (ledger.Usage{}) {
		return nil
	}
	u := runFlags.usage
	return &u
}

type runView struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	State     string    `json:"state"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	Reserved  string    `json:"reserved"`
	Realized  string    `json:"realized_cost"`
	MaxOutput int64     `json:"clamped_max_output_tokens,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Held      bool      `json:"held"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func newRunView(r *ledger.Run) runView {
	return runView{
		ID:        r.ID,
		AgentID:   r.AgentID,
		State:     string(r.State),
		Provider:  r.Provider,
		Model:     r.Model,
		Reserved:  cli.FormatSubunits(r.Reserved),
		Realized:  cli.FormatSubunits(r.RealizedCost),
		MaxOutput: r.ClampedMaxOutputTokens,
		Reason:    r.Reason,
		Held:      r.Held,
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
	}
}

func runRunList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}

	filter := ledger.RunFilter{AgentID: runFlags.agentID, Limit: runFlags.limit}
	for _, s := range runFlags.states {
		filter.States = append(filter.States, ledger.RunState(s))
	}
	if runFlags.held {
		filter.States = []ledger.RunState{ledger.StateExecuting}
	}

	runs, err := l.ListRuns(ctx, filter)
	if err != nil {
		return cli.NewCommandError("run list", err)
	}

	views := make([]runView, 0, len(runs))
	rows := make([][]string, 0, len(runs))
	for i := range runs {
		if runFlags.held && !runs[i].Held {
			continue
		}
		v := newRunView(&runs[i])
		views = append(views, v)
		rows = append(rows, []string{
			v.ID, v.AgentID, v.State, v.Provider + "/" + v.Model,
			v.Reserved, v.Realized, v.CreatedAt.Format(time.RFC3339),
		})
	}

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	return p.Table([]string{"ID", "AGENT", "STATE", "MODEL", "RESERVED", "REALIZED", "CREATED"}, rows, views)
}

func runRunGet(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}

	run, err := l.GetRun(ctx, args[0])
	if err != nil {
		return cli.NewCommandError("run get", err)
	}

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}

	view := struct {
		Run   runView       `json:"run"`
		Entry *ledger.Entry `json:"entry,omitempty"`
	}{Run: newRunView(run)}

	if run.State == ledger.StateSettled {
		entry, err := l.GetEntry(ctx, run.ID)
		if err != nil && !errors.Is(err, ledger.ErrEntryNotFound) {
			return cli.NewCommandError("run get", err)
		}
		view.Entry = entry
	}

	if p.JSON() {
		return p.Object(view)
	}
	if err := p.Object(view.Run); err != nil {
		return err
	}
	if view.Entry != nil {
		p.Message("")
		return printEntry(p, view.Entry)
	}
	return nil
}

func runRunRelease(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}

	run, err := l.ForceRelease(ctx, args[0], runFlags.reason)
	if err != nil {
		return cli.NewCommandError("run release", err)
	}

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	p.Message("✓ Run %s released, %s returned to agent %s", run.ID, cli.FormatSubunits(run.Reserved), run.AgentID)
	if p.JSON() {
		return p.Object(newRunView(run))
	}
	return nil
}

func runRunResettle(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	prices, err := a.openPrices(ctx)
	if err != nil {
		return cli.NewCommandError("run resettle", err)
	}
	sink, err := a.sink()
	if err != nil {
		return err
	}

	settler := settlement.New(prices, l, settlement.Options{
		Sink:    sink,
		Logger:  a.logger,
		Metrics: a.metrics,
	})

	entry, err := settler.Resettle(ctx, args[0], usageOverride())
	var overrun *settlement.OverrunError
	if err != nil && !errors.As(err, &overrun) {
		return cli.NewCommandError("run resettle", err)
	}

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	if overrun != nil {
		p.Message("⚠️  Realized cost exceeded the reservation by %s", cli.FormatSubunits(overrun.Overrun()))
	}
	p.Message("✓ Run %s settled at %s", entry.RunID, cli.FormatSubunits(entry.RealizedCost))
	return printEntry(p, entry)
}

// printEntry prints a ledger entry with its billing breakdown.
func printEntry(p *cli.Printer, e *ledger.Entry) error {
	if p.JSON() {
		return p.Object(e)
	}

	summary := struct {
		RunID        string
		Model        string
		Tier         string
		PriceTable   string
		RealizedCost string
		Reserved     string
		Overrun      string
	}{
		RunID:        e.RunID,
		Model:        e.Provider + "/" + e.Model,
		Tier:         e.Tier,
		PriceTable:   e.PriceTableVersion,
		RealizedCost: cli.FormatSubunits(e.RealizedCost),
		Reserved:     cli.FormatSubunits(e.Reserved),
		Overrun:      cli.FormatSubunits(e.Overrun),
	}
	if err := p.Object(summary); err != nil {
		return err
	}
	p.Message("")

	rows := make([][]string, 0, len(e.Breakdown))
	for _, li := range e.Breakdown {
		rows = append(rows, []string{
			li.Dimension,
			fmt.Sprint(li.Quantity),
			fmt.Sprint(li.RateMicros),
			fmt.Sprint(li.AmountMicros),
		})
	}
	rows = append(rows, []string{"total", "", "", fmt.Sprint(e.TotalMicros)})
	return p.Table([]string{"DIMENSION", "QUANTITY", "RATE (µ)", "AMOUNT (µ)"}, rows, e.Breakdown)
}
