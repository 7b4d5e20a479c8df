// Package providerfactory wires every built-in provider adapter into a
// registry.
package providerfactory

import (
	"log/slog"

	"cynsta/spendguard/pkg/config"
	"cynsta/spendguard/pkg/providers"
	"cynsta/spendguard/pkg/providers/anthropic"
	"cynsta/spendguard/pkg/providers/gemini"
	"cynsta/spendguard/pkg/providers/grok"
	"cynsta/spendguard/pkg/providers/openai"
	"cynsta/spendguard/pkg/providers/tokens"
)

// NewRegistry creates a registry holding the built-in adapters:
//   - "openai": chat completions and responses
//   - "anthropic": messages
//   - "gemini": generateContent
//   - "grok": OpenAI-compatible chat completions and responses
//
// All adapters share one token estimator built from cfg.
func NewRegistry(cfg *config.TokensConfig) *providers.Registry {
	est := tokens.New(cfg)

	reg := providers.NewRegistry(
		openai.New(est),
		anthropic.New(est),
		gemini.New(est),
		grok.New(est),
	)

	slog.Debug("provider adapters registered", "providers", reg.Names())
	return reg
}
