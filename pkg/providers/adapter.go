package providers

import (
	"encoding/json"

	"cynsta/spendguard/pkg/ledger"
)

// Endpoint identifies the provider API a payload belongs to.
type Endpoint string

const (
	// EndpointChatCompletions is the OpenAI-style chat completions API.
	EndpointChatCompletions Endpoint = "chat.completions"

	// EndpointResponses is the OpenAI-style responses API.
	EndpointResponses Endpoint = "responses"

	// EndpointMessages is the Anthropic messages API.
	EndpointMessages Endpoint = "messages"

	// EndpointGenerateContent is the Gemini generateContent API.
	EndpointGenerateContent Endpoint = "generateContent"
)

// RawCall is a request body as received by the routing layer.
type RawCall struct {
	Endpoint Endpoint

	// Model overrides the body's model field. Gemini carries the model in
	// the URL path rather than the body.
	Model string

	Body json.RawMessage
}

// RawResponse is a provider response body.
type RawResponse struct {
	Endpoint Endpoint
	Body     json.RawMessage
}

// NormalizedCall is what preflight needs to know about a call.
type NormalizedCall struct {
	Provider string
	Endpoint Endpoint
	Model    string

	// EstimatedInputTokens is a conservative prompt size estimate.
	EstimatedInputTokens int64

	// RequestedMaxOutputTokens is the caller's output cap, or 0 if the
	// request does not set one.
	RequestedMaxOutputTokens int64
}

// Adapter is one provider family.
type Adapter interface {
	// Name returns the provider name used for registry and price lookups.
	Name() string

	// NormalizeRequest classifies a call. It fails with
	// ErrUnsupportedModality for non-text content and ErrMalformedPayload
	// for bodies it cannot read.
	NormalizeRequest(call RawCall) (*NormalizedCall, error)

	// ExtractUsage maps a response's usage block onto ledger.Usage.
	ExtractUsage(resp RawResponse) (*ledger.Usage, error)

	// ApplyOutputLimit returns call.Body with the output cap set to
	// maxOutputTokens. All other fields are preserved.
	ApplyOutputLimit(call RawCall, maxOutputTokens int64) (json.RawMessage, error)
}
