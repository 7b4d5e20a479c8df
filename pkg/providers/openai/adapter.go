package openai

import (
	"encoding/json"
	"fmt"

	"cynsta/spendguard/pkg/ledger"
	"cynsta/spendguard/pkg/providers"
	"cynsta/spendguard/pkg/providers/tokens"
)

// Name is the provider name of the OpenAI adapter.
const Name = "openai"

// Options tune the adapter for OpenAI-compatible providers.
type Options struct {
	// Name is the provider name. Default: "openai"
	Name string

	// ChatOutputField is written when a chat request has no output cap.
	// Default: "max_completion_tokens"
	ChatOutputField string

	// CountSources bills usage.num_sources_used as grounding calls.
	CountSources bool
}

// Adapter implements providers.Adapter for OpenAI-style APIs.
type Adapter struct {
	opts      Options
	estimator *tokens.Estimator
}

// New creates the OpenAI adapter.
func New(est *tokens.Estimator) *Adapter {
	return NewCompatible(Options{}, est)
}

// NewCompatible creates an adapter for an OpenAI-compatible provider.
func NewCompatible(opts Options, est *tokens.Estimator) *Adapter {
	if opts.Name == "" {
		opts.Name = Name
	}
	if opts.ChatOutputField == "" {
		opts.ChatOutputField = "max_completion_tokens"
	}
	if est == nil {
		est = tokens.New(nil)
	}
	return &Adapter{opts: opts, estimator: est}
}

// Name returns the provider name.
func (a *Adapter) Name() string {
	return a.opts.Name
}

// NormalizeRequest implements providers.Adapter.
func (a *Adapter) NormalizeRequest(call providers.RawCall) (*providers.NormalizedCall, error) {
	switch call.Endpoint {
	case providers.EndpointChatCompletions, "":
		return a.normalizeChat(call)
	case providers.EndpointResponses:
		return a.normalizeResponses(call)
	default:
		return nil, providers.EndpointError(a.opts.Name, call.Endpoint)
	}
}

func (a *Adapter) normalizeChat(call providers.RawCall) (*providers.NormalizedCall, error) {
	var req chatRequest
	if err := providers.Decode(a.opts.Name, providers.EndpointChatCompletions, call.Body, &req); err != nil {
		return nil, err
	}
	model := modelOf(call, req.Model)
	if model == "" {
		return nil, a.payloadError(providers.EndpointChatCompletions, fmt.Errorf("model is required"))
	}

	var msgs []tokens.Message
	for i, m := range req.Messages {
		text, err := a.contentText(providers.EndpointChatCompletions, m.Content, fmt.Sprintf("messages[%d].content", i))
		if err != nil {
			return nil, err
		}
		for _, tc := range m.ToolCalls {
			text += tc.Function.Name + tc.Function.Arguments
		}
		msgs = append(msgs, tokens.Message{Role: m.Role, Name: m.Name, Text: text})
	}
	for _, tool := range req.Tools {
		msgs = append(msgs, tokens.Message{Role: "tool", Text: string(tool)})
	}
	if len(req.ResponseFormat) > 0 {
		msgs = append(msgs, tokens.Message{Role: "system", Text: string(req.ResponseFormat)})
	}

	requested := int64(0)
	switch {
	case req.MaxCompletionTokens != nil && *req.MaxCompletionTokens > 0:
		requested = *req.MaxCompletionTokens
	case req.MaxTokens != nil && *req.MaxTokens > 0:
		requested = *req.MaxTokens
	}

	return &providers.NormalizedCall{
		Provider:                 a.opts.Name,
		Endpoint:                 providers.EndpointChatCompletions,
		Model:                    model,
		EstimatedInputTokens:     a.estimator.EstimateMessages(msgs, model),
		RequestedMaxOutputTokens: requested,
	}, nil
}

func (a *Adapter) normalizeResponses(call providers.RawCall) (*providers.NormalizedCall, error) {
	var req responsesRequest
	if err := providers.Decode(a.opts.Name, providers.EndpointResponses, call.Body, &req); err != nil {
		return nil, err
	}
	model := modelOf(call, req.Model)
	if model == "" {
		return nil, a.payloadError(providers.EndpointResponses, fmt.Errorf("model is required"))
	}

	var msgs []tokens.Message
	if req.Instructions != "" {
		msgs = append(msgs, tokens.Message{Role: "system", Text: req.Instructions})
	}

	input, err := a.responsesInput(req.Input)
	if err != nil {
		return nil, err
	}
	msgs = append(msgs, input...)
	for _, tool := range req.Tools {
		msgs = append(msgs, tokens.Message{Role: "tool", Text: string(tool)})
	}

	requested := int64(0)
	if req.MaxOutputTokens != nil && *req.MaxOutputTokens > 0 {
		requested = *req.MaxOutputTokens
	}

	return &providers.NormalizedCall{
		Provider:                 a.opts.Name,
		Endpoint:                 providers.EndpointResponses,
		Model:                    model,
		EstimatedInputTokens:     a.estimator.EstimateMessages(msgs, model),
		RequestedMaxOutputTokens: requested,
	}, nil
}

func (a *Adapter) responsesInput(raw json.RawMessage) ([]tokens.Message, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []tokens.Message{{Role: "user", Text: s}}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, a.payloadError(providers.EndpointResponses, fmt.Errorf("input: %w", err))
	}

	msgs := make([]tokens.Message, 0, len(items))
	for i, rawItem := range items {
		var item inputItem
		if err := json.Unmarshal(rawItem, &item); err != nil {
			return nil, a.payloadError(providers.EndpointResponses, fmt.Errorf("input[%d]: %w", i, err))
		}

		switch item.Type {
		case "", "message":
			text, err := a.contentText(providers.EndpointResponses, item.Content, fmt.Sprintf("input[%d].content", i))
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, tokens.Message{Role: item.Role, Text: text})
		case "function_call":
			msgs = append(msgs, tokens.Message{Role: "assistant", Name: item.Name, Text: item.Arguments})
		case "function_call_output":
			msgs = append(msgs, tokens.Message{Role: "tool", Text: providers.TextOf(item.Output)})
		case "input_image", "input_file", "input_audio":
			return nil, &providers.ModalityError{Provider: a.opts.Name, Kind: item.Type, Location: fmt.Sprintf("input[%d]", i)}
		default:
			// Unknown item types are sized by their JSON.
			msgs = append(msgs, tokens.Message{Role: item.Type, Text: string(rawItem)})
		}
	}
	return msgs, nil
}

// contentText flattens string or part-list content. Any non-text part fails
// with a ModalityError.
func (a *Adapter) contentText(endpoint providers.Endpoint, raw json.RawMessage, location string) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", a.payloadError(endpoint, fmt.Errorf("%s: %w", location, err))
	}

	var text string
	for i, p := range parts {
		switch p.Type {
		case "text", "input_text", "output_text":
			text += p.Text
		case "refusal":
			text += p.Refusal
		default:
			return "", &providers.ModalityError{
				Provider: a.opts.Name,
				Kind:     p.Type,
				Location: fmt.Sprintf("%s[%d]", location, i),
			}
		}
	}
	return text, nil
}

// ExtractUsage implements providers.Adapter.
func (a *Adapter) ExtractUsage(resp providers.RawResponse) (*ledger.Usage, error) {
	switch resp.Endpoint {
	case providers.EndpointChatCompletions, "":
		var body chatResponse
		if err := providers.Decode(a.opts.Name, providers.EndpointChatCompletions, resp.Body, &body); err != nil {
			return nil, err
		}
		if body.Usage == nil {
			return nil, a.payloadError(providers.EndpointChatCompletions, fmt.Errorf("usage is missing"))
		}
		return a.chatUsage(body.Usage), nil

	case providers.EndpointResponses:
		var body responsesResponse
		if err := providers.Decode(a.opts.Name, providers.EndpointResponses, resp.Body, &body); err != nil {
			return nil, err
		}
		if body.Usage == nil {
			return nil, a.payloadError(providers.EndpointResponses, fmt.Errorf("usage is missing"))
		}
		u := a.responsesUsage(body.Usage)
		for _, item := range body.Output {
			if item.Type == "web_search_call" || item.Type == "file_search_call" {
				u.ToolCalls++
			}
		}
		return u, nil

	default:
		return nil, providers.EndpointError(a.opts.Name, resp.Endpoint)
	}
}

func (a *Adapter) chatUsage(raw *chatUsage) *ledger.Usage {
	var cached, reasoning int64
	if raw.PromptTokensDetails != nil {
		cached = providers.NonNegative(raw.PromptTokensDetails.CachedTokens)
	}
	if raw.CompletionTokensDetails != nil {
		reasoning = providers.NonNegative(raw.CompletionTokensDetails.ReasoningTokens)
	}
	u := split(raw.PromptTokens, cached, raw.CompletionTokens, reasoning)
	if a.opts.CountSources {
		u.GroundingCalls = providers.NonNegative(raw.NumSourcesUsed)
	}
	return u
}

func (a *Adapter) responsesUsage(raw *responsesUsage) *ledger.Usage {
	var cached, reasoning int64
	if raw.InputTokensDetails != nil {
		cached = providers.NonNegative(raw.InputTokensDetails.CachedTokens)
	}
	if raw.OutputTokensDetails != nil {
		reasoning = providers.NonNegative(raw.OutputTokensDetails.ReasoningTokens)
	}
	u := split(raw.InputTokens, cached, raw.OutputTokens, reasoning)
	if a.opts.CountSources {
		u.GroundingCalls = providers.NonNegative(raw.NumSourcesUsed)
	}
	return u
}

// split separates the cached and reasoning subsets out of the reported
// totals. A subset larger than its total is capped at the total.
func split(prompt, cached, completion, reasoning int64) *ledger.Usage {
	prompt = providers.NonNegative(prompt)
	completion = providers.NonNegative(completion)
	cached = min(cached, prompt)
	reasoning = min(reasoning, completion)

	return &ledger.Usage{
		InputTokens:       prompt - cached,
		CachedInputTokens: cached,
		OutputTokens:      completion - reasoning,
		ReasoningTokens:   reasoning,
	}
}

// ApplyOutputLimit implements providers.Adapter.
func (a *Adapter) ApplyOutputLimit(call providers.RawCall, maxOutputTokens int64) (json.RawMessage, error) {
	field := a.opts.ChatOutputField
	switch call.Endpoint {
	case providers.EndpointChatCompletions, "":
		switch {
		case providers.HasField(call.Body, "max_completion_tokens"):
			field = "max_completion_tokens"
		case providers.HasField(call.Body, "max_tokens"):
			field = "max_tokens"
		}
	case providers.EndpointResponses:
		field = "max_output_tokens"
	default:
		return nil, providers.EndpointError(a.opts.Name, call.Endpoint)
	}

	body, err := providers.SetField(call.Body, maxOutputTokens, field)
	if err != nil {
		return nil, a.payloadError(call.Endpoint, err)
	}
	return body, nil
}

func (a *Adapter) payloadError(endpoint providers.Endpoint, err error) error {
	return &providers.PayloadError{Provider: a.opts.Name, Endpoint: endpoint, Cause: err}
}

func modelOf(call providers.RawCall, bodyModel string) string {
	if call.Model != "" {
		return call.Model
	}
	return bodyModel
}

var _ providers.Adapter = (*Adapter)(nil)
