package main

import (
	"github.com/spf13/cobra"

	"cynsta/spendguard/pkg/cli"
	"cynsta/spendguard/pkg/ledger"
)

var budgetFlags struct {
	hardLimit string
	topUp     string
}

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Inspect and adjust agent budgets",
	Long: `Inspect and adjust agent budgets.

Remaining budget is hard limit minus spent minus reserved. A hard limit can
never be set below what is already spent plus reserved; top-ups only raise
it and may be applied while a run is in flight.

Examples:
  # Show the budget Reserve would see right now
  spendguard budget get 6f1c...

  # Add 10.00 to the hard limit
  spendguard budget set 6f1c... --topup 10.00

  # Replace the hard limit
  spendguard budget set 6f1c... --hard-limit 5000c`,
}

var budgetGetCmd = &cobra.Command{
	Use:   "get AGENT_ID",
	Short: "Show an agent's budget and headroom",
	Args:  cobra.ExactArgs(1),
	RunE:  runBudgetGet,
}

var budgetSetCmd = &cobra.Command{
	Use:   "set AGENT_ID",
	Short: "Set the hard limit or top up a budget",
	Args:  cobra.ExactArgs(1),
	RunE:  runBudgetSet,
}

func init() {
	rootCmd.AddCommand(budgetCmd)
	budgetCmd.AddCommand(budgetGetCmd, budgetSetCmd)

	budgetSetCmd.Flags().StringVar(&budgetFlags.hardLimit, "hard-limit", "", "new hard limit")
	budgetSetCmd.Flags().StringVar(&budgetFlags.topUp, "topup", "", "amount to add to the hard limit")
	budgetSetCmd.MarkFlagsMutuallyExclusive("hard-limit", "topup")
	budgetSetCmd.MarkFlagsOneRequired("hard-limit", "topup")
}

type budgetView struct {
	AgentID   string `json:"agent_id"`
	HardLimit string `json:"hard_limit"`
	Spent     string `json:"spent"`
	Reserved  string `json:"reserved"`
	Remaining string `json:"remaining"`

	// Headroom is what a reservation could take now; a lapsed lease counts
	// as released.
	Headroom string `json:"headroom"`

	BlockedBy string `json:"blocked_by,omitempty"`
}

func newBudgetView(b ledger.Budget, headroom int64, blocking *ledger.Run) budgetView {
	v := budgetView{
		AgentID:   b.AgentID,
		HardLimit: cli.FormatSubunits(b.HardLimit),
		Spent:     cli.FormatSubunits(b.Spent),
		Reserved:  cli.FormatSubunits(b.Reserved),
		Remaining: cli.FormatSubunits(b.Remaining()),
		Headroom:  cli.FormatSubunits(headroom),
	}
	if blocking != nil {
		v.BlockedBy = blocking.ID
	}
	return v
}

func runBudgetGet(cmd *cobra.Command, args []string) error {
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

	st, err := l.Status(ctx, args[0])
	if err != nil {
		return cli.NewCommandError("budget get", err)
	}
	headroom, blocking, err := l.Headroom(ctx, args[0])
	if err != nil {
		return cli.NewCommandError("budget get", err)
	}

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	return p.Object(newBudgetView(st.Budget, headroom, blocking))
}

func runBudgetSet(cmd *cobra.Command, args []string) error {
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

	var budget *ledger.Budget
	switch {
	case budgetFlags.topUp != "":
		amount, perr := cli.ParseAmount(budgetFlags.topUp)
		if perr != nil {
			return cli.NewConfigError("topup", perr.Error())
		}
		budget, err = l.TopUp(ctx, args[0], amount)
	case budgetFlags.hardLimit != "":
		limit, perr := cli.ParseAmount(budgetFlags.hardLimit)
		if perr != nil {
			return cli.NewConfigError("hard-limit", perr.Error())
		}
		budget, err = l.SetHardLimit(ctx, args[0], limit)
	default:
		return cli.NewConfigError("", "one of --hard-limit or --topup is required")
	}
	if err != nil {
		return cli.NewCommandError("budget set", err)
	}

	headroom, blocking, err := l.Headroom(ctx, args[0])
	if err != nil {
		return cli.NewCommandError("budget set", err)
	}

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	return p.Object(newBudgetView(*budget, headroom, blocking))
}
