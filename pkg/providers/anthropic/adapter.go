package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"cynsta/spendguard/pkg/ledger"
	"cynsta/spendguard/pkg/providers"
	"cynsta/spendguard/pkg/providers/tokens"
)

// Name is the provider name of the Anthropic adapter.
const Name = "anthropic"

// Adapter implements providers.Adapter for the messages API.
type Adapter struct {
	estimator *tokens.Estimator
}

// New creates the Anthropic adapter.
func New(est *tokens.Estimator) *Adapter {
	if est == nil {
		est = tokens.New(nil)
	}
	return &Adapter{estimator: est}
}

// Name returns "anthropic".
func (a *Adapter) Name() string {
	return Name
}

// NormalizeRequest implements providers.Adapter.
func (a *Adapter) NormalizeRequest(call providers.RawCall) (*providers.NormalizedCall, error) {
	if err := checkEndpoint(call.Endpoint); err != nil {
		return nil, err
	}

	var req messagesRequest
	if err := providers.Decode(Name, providers.EndpointMessages, call.Body, &req); err != nil {
		return nil, err
	}
	model := req.Model
	if call.Model != "" {
		model = call.Model
	}
	if model == "" {
		return nil, payloadError(fmt.Errorf("model is required"))
	}

	var msgs []tokens.Message
	if len(req.System) > 0 && string(req.System) != "null" {
		text, err := blocksText(req.System, "system")
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, tokens.Message{Role: "system", Text: text})
	}
	for i, m := range req.Messages {
		text, err := blocksText(m.Content, fmt.Sprintf("messages[%d].content", i))
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, tokens.Message{Role: m.Role, Text: text})
	}
	for _, tool := range req.Tools {
		msgs = append(msgs, tokens.Message{Role: "tool", Text: string(tool)})
	}

	var requested int64
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		requested = *req.MaxTokens
	}

	return &providers.NormalizedCall{
		Provider:                 Name,
		Endpoint:                 providers.EndpointMessages,
		Model:                    model,
		EstimatedInputTokens:     a.estimator.EstimateMessages(msgs, model),
		RequestedMaxOutputTokens: requested,
	}, nil
}

// blocksText flattens string or block-list content.
func blocksText(raw json.RawMessage, location string) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var blocks []json.RawMessage
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", payloadError(fmt.Errorf("%s: %w", location, err))
	}

	var sb strings.Builder
	for i, rawBlock := range blocks {
		var b contentBlock
		if err := json.Unmarshal(rawBlock, &b); err != nil {
			return "", payloadError(fmt.Errorf("%s[%d]: %w", location, i, err))
		}
		loc := fmt.Sprintf("%s[%d]", location, i)

		switch b.Type {
		case "text":
			sb.WriteString(b.Text)
		case "thinking":
			sb.WriteString(b.Thinking)
		case "redacted_thinking":
			sb.WriteString(b.Data)
		case "tool_use", "server_tool_use":
			sb.WriteString(b.Name)
			sb.Write(b.Input)
		case "tool_result":
			text, err := blocksText(b.Content, loc+".content")
			if err != nil {
				return "", err
			}
			sb.WriteString(text)
		case "image", "document", "container_upload":
			return "", &providers.ModalityError{Provider: Name, Kind: b.Type, Location: loc}
		default:
			// Search results and other server blocks are sized by their JSON.
			sb.Write(rawBlock)
		}
	}
	return sb.String(), nil
}

// ExtractUsage implements providers.Adapter.
func (a *Adapter) ExtractUsage(resp providers.RawResponse) (*ledger.Usage, error) {
	if err := checkEndpoint(resp.Endpoint); err != nil {
		return nil, err
	}

	var body messagesResponse
	if err := providers.Decode(Name, providers.EndpointMessages, resp.Body, &body); err != nil {
		return nil, err
	}
	if body.Usage == nil {
		return nil, payloadError(fmt.Errorf("usage is missing"))
	}

	u := &ledger.Usage{
		InputTokens:       providers.NonNegative(body.Usage.InputTokens),
		OutputTokens:      providers.NonNegative(body.Usage.OutputTokens),
		CachedInputTokens: providers.NonNegative(body.Usage.CacheReadInputTokens),
		CacheWriteTokens:  providers.NonNegative(body.Usage.CacheCreationInputTokens),
	}
	if body.Usage.ServerToolUse != nil {
		u.GroundingCalls = providers.NonNegative(body.Usage.ServerToolUse.WebSearchRequests)
	}
	return u, nil
}

// ApplyOutputLimit sets max_tokens.
func (a *Adapter) ApplyOutputLimit(call providers.RawCall, maxOutputTokens int64) (json.RawMessage, error) {
	if err := checkEndpoint(call.Endpoint); err != nil {
		return nil, err
	}
	body, err := providers.SetField(call.Body, maxOutputTokens, "max_tokens")
	if err != nil {
		return nil, payloadError(err)
	}
	return body, nil
}

func checkEndpoint(e providers.Endpoint) error {
	if e != providers.EndpointMessages && e != "" {
		return providers.EndpointError(Name, e)
	}
	return nil
}

func payloadError(err error) error {
	return &providers.PayloadError{Provider: Name, Endpoint: providers.EndpointMessages, Cause: err}
}

var _ providers.Adapter = (*Adapter)(nil)
