package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cynsta/spendguard/pkg/cli"
	"cynsta/spendguard/pkg/evidence"
	"cynsta/spendguard/pkg/evidence/export"
	"cynsta/spendguard/pkg/evidence/query"
	"cynsta/spendguard/pkg/evidence/recorder"
	"cynsta/spendguard/pkg/evidence/retention"
)

var evidenceFlags struct {
	timeRange   string
	agentID     string
	runID       string
	provider    string
	model       string
	kind        string
	minCost     string
	maxCost     string
	overrunOnly bool
	limit       int
	offset      int
	sortBy      string
	sortOrder   string

	format string
	file   string
}

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Query the evidence store",
	Long: `Query, export and verify evidence records.

Every settlement, hold, rejection and release writes one evidence record.
Settlement records carry a hash of the ledger entry they describe, so the
evidence store and the usage ledger can be checked against each other.

Time Range Format:
  RFC3339 interval format: "start/end"
  Example: "2026-10-01T00:00:00Z/2026-10-19T00:00:00Z"

Examples:
  # Rejections for one agent
  spendguard evidence query --agent 6f1c... --kind rejection

  # Settlements that overran their reservation
  spendguard evidence query --overrun-only

  # Export a month as CSV
  spendguard evidence export --time-range "2026-09-01T00:00:00Z/2026-10-01T00:00:00Z" --format csv --file sept.csv`,
}

var evidenceQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query evidence records",
	Args:  cobra.NoArgs,
	RunE:  queryEvidence,
}

var evidenceExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export evidence records as JSON or CSV",
	Args:  cobra.NoArgs,
	RunE:  exportEvidence,
}

var evidenceVerifyCmd = &cobra.Command{
	Use:   "verify RUN_ID",
	Short: "Check a settlement record against its ledger entry",
	Args:  cobra.ExactArgs(1),
	RunE:  verifyEvidence,
}

var evidencePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the retention policy once",
	Args:  cobra.NoArgs,
	RunE:  pruneEvidence,
}

func init() {
	rootCmd.AddCommand(evidenceCmd)
	evidenceCmd.AddCommand(evidenceQueryCmd, evidenceExportCmd, evidenceVerifyCmd, evidencePruneCmd)

	for _, c := range []*cobra.Command{evidenceQueryCmd, evidenceExportCmd} {
		f := c.Flags()
		f.StringVar(&evidenceFlags.timeRange, "time-range", "", "time range (RFC3339 interval: start/end)")
		f.StringVar(&evidenceFlags.agentID, "agent", "", "filter by agent ID")
		f.StringVar(&evidenceFlags.runID, "run", "", "filter by run ID")
		f.StringVar(&evidenceFlags.provider, "provider", "", "filter by provider")
		f.StringVar(&evidenceFlags.model, "model", "", "filter by model")
		f.StringVar(&evidenceFlags.kind, "kind", "", "filter by kind (settlement, hold, rejection, release)")
		f.StringVar(&evidenceFlags.minCost, "min-cost", "", "minimum realized cost")
		f.StringVar(&evidenceFlags.maxCost, "max-cost", "", "maximum realized cost")
		f.BoolVar(&evidenceFlags.overrunOnly, "overrun-only", false, "only settlements that overran their reservation")
		f.IntVar(&evidenceFlags.offset, "offset", 0, "pagination offset")
		f.StringVar(&evidenceFlags.sortBy, "sort-by", "", "occurred_at, recorded_time, realized_cost or overrun")
		f.StringVar(&evidenceFlags.sortOrder, "sort-order", "", "asc or desc")
	}
	evidenceQueryCmd.Flags().IntVar(&evidenceFlags.limit, "limit", 100, "max results")
	evidenceExportCmd.Flags().IntVar(&evidenceFlags.limit, "limit", query.MaxLimit, "max results")
	evidenceExportCmd.Flags().StringVar(&evidenceFlags.format, "format", "json", "export format: json, csv")
	evidenceExportCmd.Flags().StringVar(&evidenceFlags.file, "file", "", "output file (default: stdout)")
}

// buildEvidenceQuery turns the filter flags into a validated query.
func buildEvidenceQuery() (*evidence.Query, error) {
	q := &evidence.Query{
		AgentID:     evidenceFlags.agentID,
		RunID:       evidenceFlags.runID,
		Provider:    evidenceFlags.provider,
		Model:       evidenceFlags.model,
		Kind:        evidence.Kind(evidenceFlags.kind),
		OverrunOnly: evidenceFlags.overrunOnly,
		Limit:       evidenceFlags.limit,
		Offset:      evidenceFlags.offset,
		SortBy:      evidenceFlags.sortBy,
		SortOrder:   evidenceFlags.sortOrder,
	}

	if evidenceFlags.timeRange != "" {
		start, end, ok := strings.Cut(evidenceFlags.timeRange, "/")
		if !ok {
			return nil, cli.NewConfigError("time-range", "invalid format (expected: start/end)")
		}
		startTime, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return nil, cli.NewConfigError("time-range", fmt.Sprintf("invalid start time: %v", err))
		}
		endTime, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return nil, cli.NewConfigError("time-range", fmt.Sprintf("invalid end time: %v", err))
		}
		q.StartTime, q.EndTime = &startTime, &endTime
	}

	if evidenceFlags.minCost != "" {
		v, err := cli.ParseAmount(evidenceFlags.minCost)
		if err != nil {
			return nil, cli.NewConfigError("min-cost", err.Error())
		}
		q.MinCost = &v
	}
	if evidenceFlags.maxCost != "" {
		v, err := cli.ParseAmount(evidenceFlags.maxCost)
		if err != nil {
			return nil, cli.NewConfigError("max-cost", err.Error())
		}
		q.MaxCost = &v
	}

	query.ApplyDefaults(q)
	if err := query.Validate(q); err != nil {
		return nil, cli.NewConfigError("", err.Error())
	}
	return q, nil
}

// openEvidenceStore opens the configured evidence store for reading.
func openEvidenceStore(a *app) (evidence.Storage, error) {
	st, err := a.openEvidence()
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, cli.NewConfigError("evidence.enabled", "evidence recording is disabled")
	}
	return st, nil
}

func queryEvidence(cmd *cobra.Command, args []string) error {
	q, err := buildEvidenceQuery()
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := openEvidenceStore(a)
	if err != nil {
		return err
	}

	records, err := st.Query(commandContext(cmd), q)
	if err != nil {
		return cli.NewCommandError("evidence query", err)
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.OccurredAt.Format(time.RFC3339),
			string(r.Kind),
			r.AgentID,
			r.RunID,
			r.Provider + "/" + r.Model,
			cli.FormatSubunits(r.Reserved),
			cli.FormatSubunits(r.RealizedCost),
			r.Reason,
		})
	}

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		p.Message("No records found.")
	}
	return p.Table([]string{"TIME", "KIND", "AGENT", "RUN", "MODEL", "RESERVED", "COST", "REASON"}, rows, records)
}

// streamExporter is implemented by exporters that can write records as they
// arrive.
type streamExporter interface {
	ExportStream(ctx context.Context, ch <-chan *evidence.Record, w io.Writer) error
}

func exportEvidence(cmd *cobra.Command, args []string) error {
	q, err := buildEvidenceQuery()
	if err != nil {
		return err
	}
	exp, err := export.New(evidenceFlags.format)
	if err != nil {
		return cli.NewConfigError("format", err.Error())
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := openEvidenceStore(a)
	if err != nil {
		return err
	}

	out := stdout(cmd)
	if evidenceFlags.file != "" {
		// #nosec G304 - user-specified output path is expected for a CLI tool
		f, err := os.Create(evidenceFlags.file)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	ctx := commandContext(cmd)
	if se, ok := exp.(streamExporter); ok {
		ch, errCh, err := st.QueryStream(ctx, q)
		if err != nil {
			return cli.NewCommandError("evidence export", err)
		}
		if err := se.ExportStream(ctx, ch, out); err != nil {
			return cli.NewCommandError("evidence export", err)
		}
		if err := <-errCh; err != nil {
			return cli.NewCommandError("evidence export", err)
		}
		return nil
	}

	records, err := st.Query(ctx, q)
	if err != nil {
		return cli.NewCommandError("evidence export", err)
	}
	return exp.Export(ctx, records, out)
}

// errEvidenceMismatch marks a settlement record that does not match its
// ledger entry.
var errEvidenceMismatch = errors.New("evidence does not match ledger entry")

func verifyEvidence(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	st, err := openEvidenceStore(a)
	if err != nil {
		return err
	}
	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}

	records, err := st.Query(ctx, &evidence.Query{RunID: args[0], Kind: evidence.KindSettlement, Limit: 1})
	if err != nil {
		return cli.NewCommandError("evidence verify", err)
	}
	if len(records) == 0 {
		return cli.NewCommandError("evidence verify", fmt.Errorf("no settlement record for run %s", args[0]))
	}
	entry, err := l.GetEntry(ctx, args[0])
	if err != nil {
		return cli.NewCommandError("evidence verify", err)
	}

	if !recorder.VerifyEntry(entry, records[0].EntryHash) {
		return cli.NewCommandError("evidence verify", fmt.Errorf("%w: run %s", errEvidenceMismatch, args[0]))
	}

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	p.Message("✓ Settlement evidence for run %s matches its ledger entry (%s)", args[0], records[0].EntryHash)
	return nil
}

func pruneEvidence(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := openEvidenceStore(a)
	if err != nil {
		return err
	}

	rc := retention.ConfigFromEvidence(&a.cfg.Evidence)
	deleted, err := retention.NewPruner(st, rc).Prune(commandContext(cmd))
	if err != nil {
		return cli.NewCommandError("evidence prune", err)
	}

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	p.Message("✓ Pruned %d evidence records", deleted)
	return nil
}
