// SpendGuard enforces hard per-agent spend limits on LLM provider calls.
//
// Every call is priced before it runs, funds are reserved against the
// agent's budget, and the reservation is settled against the provider's
// reported usage afterwards. The binary administers budgets and price
// tables and runs the background maintenance loops:
//   - Agent and budget management
//   - Run inspection, forced release and re-settlement of held runs
//   - Signed price table generation and verification
//   - Evidence queries and exports
//
// Usage:
//
//	# Create an agent with a 25.00 limit
//	spendguard agent create research-bot --limit 25.00
//
//	# Show remaining budget
//	spendguard budget get <agent-id>
//
//	# Sign a price table for distribution
//	spendguard pricing sign --in pricing.yaml --key keys/prod_private.pem --out pricing.signed.json
//
//	# Run refresh, sweeping, retention and the metrics endpoint
//	spendguard serve --config spendguard.yaml
package main

func main() {
	Execute()
}
