// Package providers normalizes provider-specific call and response payloads
// into the shapes the budget engine prices.
//
// # Overview
//
// Every supported provider family is an Adapter with the same capabilities:
//
//  1. NormalizeRequest - read an already-deserialized request body and report
//     the model, the estimated prompt tokens and the requested output cap
//  2. ExtractUsage - map the provider's usage block onto ledger.Usage
//  3. ApplyOutputLimit - rewrite the request body with the clamped output cap
//
// Adapters live in subpackages (openai, anthropic, gemini, grok). The engine
// looks them up by provider name through a Registry, so adding a provider is
// adding a subpackage and registering it; nothing downstream branches on the
// provider name.
//
// # Text only
//
// Pricing is token based and text only. A request carrying images, audio,
// files or inline binary data fails NormalizeRequest with
// ErrUnsupportedModality before any budget is reserved.
//
// # Usage mapping
//
// Usage fields that a provider omits are zero. Negative values are clamped to
// zero. Totals that providers report as supersets (OpenAI prompt tokens
// include cached tokens, completion tokens include reasoning tokens) are split
// so that each ledger.Usage dimension is billed exactly once.
//
// # Example
//
//	reg := providers.NewRegistry(openai.New(est), anthropic.New(est))
//	adapter, err := reg.Get("openai")
//	if err != nil {
//	    return err
//	}
//	call, err := adapter.NormalizeRequest(providers.RawCall{
//	    Endpoint: providers.EndpointChatCompletions,
//	    Body:     body,
//	})
package providers
