package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"cynsta/spendguard/pkg/cli"
	"cynsta/spendguard/pkg/config"
)

var (
	// Global flags
	cfgFile   string
	outputFmt string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "spendguard",
	Short: "SpendGuard - hard spend limits for LLM agents",
	Long: `SpendGuard prices every LLM call before it runs, reserves funds against
the calling agent's budget and settles the reservation against the usage
the provider reports.

An agent can never spend past its hard limit: calls that cannot fit are
rejected, calls that only fit with less output are clamped, and every
decision is written to the evidence store.

Configuration is read from --config. When the default file is missing the
built-in defaults apply; SPENDGUARD_* environment variables override both.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits with a code describing the failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "spendguard.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "text", "output format: text, json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig returns the process configuration, loading it on first use.
// A missing config file is only an error when --config was given
// explicitly.
func loadConfig() (*config.Config, error) {
	if cfg := config.GetConfig(); cfg != nil {
		return cfg, nil
	}

	var (
		cfg *config.Config
		err error
	)
	_, statErr := os.Stat(cfgFile)
	if statErr == nil || rootCmd.PersistentFlags().Changed("config") {
		cfg, err = config.LoadConfigWithEnvOverrides(cfgFile)
	} else {
		cfg, err = config.DefaultWithEnvOverrides()
	}
	if err != nil {
		return nil, cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}

	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	config.SetConfig(cfg)
	return cfg, nil
}

// newPrinter returns a printer for cmd's output stream honoring --output.
func newPrinter(cmd *cobra.Command) (*cli.Printer, error) {
	format, err := cli.ParseFormat(outputFmt)
	if err != nil {
		return nil, cli.NewConfigError("output", err.Error())
	}
	return cli.NewPrinter(stdout(cmd), format), nil
}

func stdout(cmd *cobra.Command) io.Writer {
	if cmd == nil {
		return os.Stdout
	}
	return cmd.OutOrStdout()
}

// commandContext returns cmd's context, or a background context when the
// command was invoked directly rather than through Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}
