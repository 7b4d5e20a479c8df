package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"cynsta/spendguard/pkg/cli"
	"cynsta/spendguard/pkg/ledger"
)

var agentFlags struct {
	limit string
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage budget-holding agents",
	Long: `Create, inspect, rename and delete agents.

Every agent owns exactly one budget. Amounts accept a decimal currency
value ("12.50") or whole subunits with a "c" suffix ("1250c").

Examples:
  # Create an agent with a 25.00 hard limit
  spendguard agent create research-bot --limit 25.00

  # List agents as JSON
  spendguard agent list --output json`,
}

var agentCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create an agent and its budget",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentCreate,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	Args:  cobra.NoArgs,
	RunE:  runAgentList,
}

var agentGetCmd = &cobra.Command{
	Use:   "get AGENT_ID",
	Short: "Show an agent with its budget and active run",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentGet,
}

var agentRenameCmd = &cobra.Command{
	Use:   "rename AGENT_ID NAME",
	Short: "Rename an agent",
	Args:  cobra.ExactArgs(2),
	RunE:  runAgentRename,
}

var agentDeleteCmd = &cobra.Command{
	Use:   "delete AGENT_ID",
	Short: "Delete an agent with no active run",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentDelete,
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.AddCommand(agentCreateCmd, agentListCmd, agentGetCmd, agentRenameCmd, agentDeleteCmd)

	agentCreateCmd.Flags().StringVar(&agentFlags.limit, "limit", "0", "hard limit (e.g. 25.00 or 2500c)")
}

// agentView is the printable form of an agent and its budget.
type agentView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	HardLimit string    `json:"hard_limit"`
	Spent     string    `json:"spent"`
	Reserved  string    `json:"reserved"`
	Remaining string    `json:"remaining"`
	ActiveRun string    `json:"active_run,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func newAgentView(agent ledger.Agent, budget ledger.Budget, active *ledger.Run) agentView {
	v := agentView{
		ID:        agent.ID,
		Name:      agent.Name,
		HardLimit: cli.FormatSubunits(budget.HardLimit),
		Spent:     cli.FormatSubunits(budget.Spent),
		Reserved:  cli.FormatSubunits(budget.Reserved),
		Remaining: cli.FormatSubunits(budget.Remaining()),
		CreatedAt: agent.CreatedAt,
	}
	if active != nil {
		v.ActiveRun = fmt.Sprintf("%s (%s)", active.ID, active.State)
	}
	return v
}

func runAgentCreate(cmd *cobra.Command, args []string) error {
	limit, err := cli.ParseAmount(agentFlags.limit)
	if err != nil {
		return cli.NewConfigError("limit", err.Error())
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

	agent, budget, err := l.CreateAgent(ctx, args[0], limit)
	if err != nil {
		return cli.NewCommandError("agent create", err)
	}

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	return p.Object(newAgentView(*agent, *budget, nil))
}

func runAgentList(cmd *cobra.Command, args []string) error {
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

	agents, err := l.ListAgents(ctx)
	if err != nil {
		return cli.NewCommandError("agent list", err)
	}

	views := make([]agentView, 0, len(agents))
	rows := make([][]string, 0, len(agents))
	for _, agent := range agents {
		st, err := l.Status(ctx, agent.ID)
		if err != nil {
			return cli.NewCommandError("agent list", err)
		}
		v := newAgentView(st.Agent, st.Budget, st.Active)
		views = append(views, v)
		rows = append(rows, []string{v.ID, v.Name, v.HardLimit, v.Spent, v.Reserved, v.Remaining})
	}

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	return p.Table([]string{"ID", "NAME", "LIMIT", "SPENT", "RESERVED", "REMAINING"}, rows, views)
}

func runAgentGet(cmd *cobra.Command, args []string) error {
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
		return cli.NewCommandError("agent get", err)
	}

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	return p.Object(newAgentView(st.Agent, st.Budget, st.Active))
}

func runAgentRename(cmd *cobra.Command, args []string) error {
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

	if err := l.RenameAgent(ctx, args[0], args[1]); err != nil {
		return cli.NewCommandError("agent rename", err)
	}

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	p.Message("✓ Agent %s renamed to %q", args[0], args[1])
	return nil
}

func runAgentDelete(cmd *cobra.Command, args []string) error {
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

	if err := l.DeleteAgent(ctx, args[0]); err != nil {
		return cli.NewCommandError("agent delete", err)
	}

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	p.Message("✓ Agent %s deleted", args[0])
	return nil
}
