// Package grok implements the adapter for xAI Grok.
//
// Grok serves OpenAI-compatible chat completions and responses endpoints, so
// the adapter is the OpenAI adapter under the "grok" name with two
// differences: chat requests without a cap get max_tokens, and
// usage.num_sources_used (live search sources) is billed as grounding calls.
package grok

import (
	"cynsta/spendguard/pkg/providers/openai"
	"cynsta/spendguard/pkg/providers/tokens"
)

// Name is the provider name of the Grok adapter.
const Name = "grok"

// New creates the Grok adapter.
func New(est *tokens.Estimator) *openai.Adapter {
	return openai.NewCompatible(openai.Options{
		Name:            Name,
		ChatOutputField: "max_tokens",
		CountSources:    true,
	}, est)
}
