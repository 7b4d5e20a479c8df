/*
Package cli provides helpers shared by the spendguard commands.

Output Formatting:

Commands print either aligned text tables or JSON, selected with the global
--output flag:

	p := cli.NewPrinter(cmd.OutOrStdout(), cli.FormatText)
	p.Table([]string{"ID", "NAME"}, rows, agents)
	p.Object(agent)   // JSON in json mode, key/value lines in text mode

Money:

Budgets are stored in currency subunits. FormatSubunits renders them for
humans and ParseAmount accepts either form ("12.50" or "1250c").

Exit Codes:

ExitCode maps command errors onto stable process exit codes so scripts can
tell a budget rejection from a configuration problem.

Signal Handling:

	ctx, stop := cli.SetupSignalHandler()
	defer stop()
*/
package cli
