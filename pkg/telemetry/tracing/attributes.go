package tracing

import "go.opentelemetry.io/otel/attribute"

// Attribute keys. Amounts are currency subunits.
const (
	AttrAgentID  = attribute.Key("spendguard.agent_id")
	AttrRunID    = attribute.Key("spendguard.run_id")
	AttrProvider = attribute.Key("spendguard.provider")
	AttrModel    = attribute.Key("spendguard.model")

	AttrApproved        = attribute.Key("spendguard.preflight.approved")
	AttrReason          = attribute.Key("spendguard.preflight.reason")
	AttrClampedOutput   = attribute.Key("spendguard.preflight.clamped_max_output_tokens")
	AttrReserved        = attribute.Key("spendguard.reserved")
	AttrRealized        = attribute.Key("spendguard.realized")
	AttrOverrun         = attribute.Key("spendguard.overrun")
	AttrTier            = attribute.Key("spendguard.tier")
	AttrPriceVersion    = attribute.Key("spendguard.price_table_version")
	AttrInputTokens     = attribute.Key("spendguard.tokens.input")
	AttrOutputTokens    = attribute.Key("spendguard.tokens.output")
	AttrReasoningTokens = attribute.Key("spendguard.tokens.reasoning")
)

// CallAttrs identifies the agent and upstream model of a call.
func CallAttrs(agentID, provider, model string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentID.String(agentID),
		AttrProvider.String(provider),
		AttrModel.String(model),
	}
}
