package main

import (
	"time"

	"github.com/spf13/cobra"

	"cynsta/spendguard/pkg/cli"
	"cynsta/spendguard/pkg/ledger"
)

var entriesFlags struct {
	agentID string
	since   string
	limit   int
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Read the usage ledger",
	Long: `Read the append-only usage ledger.

Every settled run writes exactly one entry carrying its normalized usage,
the priced billing breakdown in micro-subunits, the price table version it
was priced against and the realized cost.

Examples:
  # Entries for one agent in the last day
  spendguard ledger entries --agent 6f1c... --since 24h`,
}

var ledgerEntriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "List ledger entries, newest first",
	Args:  cobra.NoArgs,
	RunE:  runLedgerEntries,
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerEntriesCmd)

	ledgerEntriesCmd.Flags().StringVar(&entriesFlags.agentID, "agent", "", "filter by agent ID")
	ledgerEntriesCmd.Flags().StringVar(&entriesFlags.since, "since", "", "RFC3339 time or duration back from now (e.g. 24h)")
	ledgerEntriesCmd.Flags().IntVar(&entriesFlags.limit, "limit", 50, "max results")
}

// parseSince accepts an RFC3339 timestamp or a duration before now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, cli.NewConfigError("since", "expected RFC3339 time or duration, got "+s)
	}
	return t, nil
}

func runLedgerEntries(cmd *cobra.Command, args []string) error {
	since, err := parseSince(entriesFlags.since, time.Now())
	if err != nil {
		return err
	}

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

	entries, err := l.ListEntries(ctx, ledger.EntryFilter{
		AgentID: entriesFlags.agentID,
		Since:   since,
		Limit:   entriesFlags.limit,
	})
	if err != nil {
		return cli.NewCommandError("ledger entries", err)
	}

	rows := make([][]string, 0, len(entries))
	var total int64
	for _, e := range entries {
		total += e.RealizedCost
		rows = append(rows, []string{
			e.CreatedAt.Format(time.RFC3339),
			e.RunID,
			e.AgentID,
			e.Provider + "/" + e.Model,
			e.Tier,
			cli.FormatSubunits(e.RealizedCost),
			cli.FormatSubunits(e.Overrun),
		})
	}

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	if err := p.Table([]string{"TIME", "RUN", "AGENT", "MODEL", "TIER", "COST", "OVERRUN"}, rows, entries); err != nil {
		return err
	}
	p.Message("\n%d entries, %s total", len(entries), cli.FormatSubunits(total))
	return nil
}
