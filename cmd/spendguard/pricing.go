package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"cynsta/spendguard/pkg/cli"
	"cynsta/spendguard/pkg/ledger"
	"cynsta/spendguard/pkg/pricing"
	"cynsta/spendguard/pkg/settlement"
)

var pricingFlags struct {
	in     string
	out    string
	key    string
	keyID  string
	schema int

	provider string
	model    string
	usage    ledger.Usage
}

var pricingCmd = &cobra.Command{
	Use:   "pricing",
	Short: "Inspect, sign and verify price tables",
	Long: `Inspect, sign and verify price tables.

Rates are integers in micro-subunits per unit (one millionth of the
smallest currency unit). A table published to remote engines must be
signed; engines verify the signature before trusting any rate.

Examples:
  # Show the table the engine would load
  spendguard pricing show

  # Sign a table
  spendguard pricing sign --in pricing.yaml --key keys/prod_private.pem --key-id prod --out pricing.signed.json

  # Verify a signed table
  spendguard pricing verify --in pricing.signed.json --key keys/prod_public.pem

  # Price a hypothetical call
  spendguard pricing cost --provider openai --model gpt-4o --input 1200 --output-tokens 300`,
}

var pricingShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the configured price table",
	Args:  cobra.NoArgs,
	RunE:  runPricingShow,
}

var pricingSignCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a price table into an envelope",
	Args:  cobra.NoArgs,
	RunE:  runPricingSign,
}

var pricingVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a signed price table",
	Long: `Verify a signed price table envelope.

Without --in the configured source is loaded and verified exactly as the
engine would load it.`,
	Args: cobra.NoArgs,
	RunE: runPricingVerify,
}

var pricingCostCmd = &cobra.Command{
	Use:   "cost",
	Short: "Price a usage record against the configured table",
	Args:  cobra.NoArgs,
	RunE:  runPricingCost,
}

func init() {
	rootCmd.AddCommand(pricingCmd)
	pricingCmd.AddCommand(pricingShowCmd, pricingSignCmd, pricingVerifyCmd, pricingCostCmd)

	pricingSignCmd.Flags().StringVar(&pricingFlags.in, "in", "", "unsigned table file (YAML or JSON)")
	pricingSignCmd.Flags().StringVar(&pricingFlags.out, "out", "", "envelope output file (default: stdout)")
	pricingSignCmd.Flags().StringVar(&pricingFlags.key, "key", "", "PEM Ed25519 private key")
	pricingSignCmd.Flags().StringVar(&pricingFlags.keyID, "key-id", "", "key ID recorded in the envelope")
	_ = pricingSignCmd.MarkFlagRequired("in")
	_ = pricingSignCmd.MarkFlagRequired("key")

	pricingVerifyCmd.Flags().StringVar(&pricingFlags.in, "in", "", "signed envelope file")
	pricingVerifyCmd.Flags().StringVar(&pricingFlags.key, "key", "", "PEM Ed25519 public key (default: pricing.public_key_path)")
	pricingVerifyCmd.Flags().IntVar(&pricingFlags.schema, "schema", 0, "expected schema version (default: pricing.expected_schema)")

	f := pricingCostCmd.Flags()
	f.StringVar(&pricingFlags.provider, "provider", "", "provider name")
	f.StringVar(&pricingFlags.model, "model", "", "model name")
	f.Int64Var(&pricingFlags.usage.InputTokens, "input", 0, "uncached input tokens")
	f.Int64Var(&pricingFlags.usage.CachedInputTokens, "cached", 0, "cached input tokens")
	f.Int64Var(&pricingFlags.usage.CacheWriteTokens, "cache-write", 0, "cache write tokens")
	f.Int64Var(&pricingFlags.usage.OutputTokens, "output-tokens", 0, "output tokens, excluding reasoning")
	f.Int64Var(&pricingFlags.usage.ReasoningTokens, "reasoning", 0, "reasoning tokens")
	f.Int64Var(&pricingFlags.usage.ToolCalls, "tool-calls", 0, "tool calls")
	f.Int64Var(&pricingFlags.usage.GroundingCalls, "grounding-calls", 0, "grounding calls")
	_ = pricingCostCmd.MarkFlagRequired("provider")
	_ = pricingCostCmd.MarkFlagRequired("model")
}

func runPricingShow(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	reg, err := a.openPrices(commandContext(cmd))
	if err != nil {
		return cli.NewCommandError("pricing show", err)
	}
	table, err := reg.Current()
	if err != nil {
		return cli.NewCommandError("pricing show", err)
	}

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	if p.JSON() {
		return p.Object(table)
	}

	p.Message("Version:  %s (schema %d)", table.Version, table.SchemaVersion)
	p.Message("Currency: %s", table.Currency)
	p.Message("Source:   %s", table.Source)
	if table.KeyID != "" {
		p.Message("Signed:   %s", table.KeyID)
	}
	p.Message("")

	var rows [][]string
	for _, m := range table.Models {
		rows = append(rows, []string{m.Provider, m.Model, pricing.BaseTier, "-", formatRates(m.Rates)})
		for _, t := range m.Tiers {
			rows = append(rows, []string{"", "", t.Name, fmt.Sprint(t.AtOrAboveTokens), formatRates(t.Rates)})
		}
	}
	return p.Table([]string{"PROVIDER", "MODEL", "TIER", "FROM TOKENS", "RATES (µ/unit)"}, rows, table)
}

func formatRates(r pricing.Rates) string {
	parts := make([]string, 0, len(r))
	for _, d := range pricing.Dimensions {
		if v, ok := r.Get(d); ok {
			parts = append(parts, fmt.Sprintf("%s=%d", d, v))
		}
	}
	return strings.Join(parts, " ")
}

func runPricingSign(cmd *cobra.Command, args []string) error {
	src := &pricing.FileSource{Path: pricingFlags.in}
	table, err := src.Load(commandContext(cmd))
	if err != nil {
		return cli.NewCommandError("pricing sign", err)
	}

	key, err := pricing.LoadPrivateKey(pricingFlags.key)
	if err != nil {
		return cli.NewConfigError("key", err.Error())
	}

	env, err := pricing.Sign(table, key, pricingFlags.keyID)
	if err != nil {
		return cli.NewCommandError("pricing sign", err)
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	data = append(data, '\n')

	if pricingFlags.out == "" {
		_, err = stdout(cmd).Write(data)
		return err
	}
	// #nosec G306 - signed tables are public artifacts
	if err := os.WriteFile(pricingFlags.out, data, 0644); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	p.Message("✓ Signed table %s (%d models) written to %s", table.Version, len(table.Models), pricingFlags.out)
	return nil
}

func runPricingVerify(cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}

	if pricingFlags.in == "" {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		reg, err := a.openPrices(commandContext(cmd))
		if err != nil {
			return cli.NewCommandError("pricing verify", err)
		}
		table, err := reg.Current()
		if err != nil {
			return cli.NewCommandError("pricing verify", err)
		}
		p.Message("✓ %s verified: version %s, %d models", table.Source, table.Version, len(table.Models))
		return nil
	}

	keyPath, schema := pricingFlags.key, pricingFlags.schema
	if keyPath == "" || schema == 0 {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if keyPath == "" {
			keyPath = cfg.Pricing.PublicKeyPath
		}
		if schema == 0 {
			schema = cfg.Pricing.ExpectedSchema
		}
	}
	if keyPath == "" {
		return cli.NewConfigError("key", "no public key given and pricing.public_key_path is not set")
	}

	pub, err := pricing.LoadPublicKey(keyPath)
	if err != nil {
		return cli.NewConfigError("key", err.Error())
	}

	// #nosec G304 - user-specified input path is expected for a CLI tool
	data, err := os.ReadFile(pricingFlags.in)
	if err != nil {
		return cli.NewCommandError("pricing verify", err)
	}

	table, err := pricing.OpenEnvelope(data, pub, schema)
	if err != nil {
		return cli.NewCommandError("pricing verify", err)
	}
	p.Message("✓ %s verified: version %s, %d models", pricingFlags.in, table.Version, len(table.Models))
	return nil
}

func runPricingCost(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	reg, err := a.openPrices(commandContext(cmd))
	if err != nil {
		return cli.NewCommandError("pricing cost", err)
	}
	table, err := reg.Current()
	if err != nil {
		return cli.NewCommandError("pricing cost", err)
	}
	price, err := table.Lookup(pricingFlags.provider, pricingFlags.model)
	if err != nil {
		return cli.NewCommandError("pricing cost", err)
	}

	b, err := settlement.BuildBreakdown(price, pricingFlags.usage)
	if err != nil {
		return cli.NewCommandError("pricing cost", err)
	}

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	return printEntry(p, &ledger.Entry{
		Provider:          price.Provider,
		Model:             pricingFlags.model,
		Usage:             pricingFlags.usage,
		Tier:              b.Tier,
		Breakdown:         b.Items,
		TotalMicros:       b.TotalMicros,
		RealizedCost:      b.Cost,
		PriceTableVersion: table.Version,
	})
}
