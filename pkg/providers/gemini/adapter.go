package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"cynsta/spendguard/pkg/ledger"
	"cynsta/spendguard/pkg/providers"
	"cynsta/spendguard/pkg/providers/tokens"
)

// Name is the provider name of the Gemini adapter.
const Name = "gemini"

// Adapter implements providers.Adapter for generateContent.
type Adapter struct {
	estimator *tokens.Estimator
}

// New creates the Gemini adapter.
func New(est *tokens.Estimator) *Adapter {
	if est == nil {
		est = tokens.New(nil)
	}
	return &Adapter{estimator: est}
}

// Name returns "gemini".
func (a *Adapter) Name() string {
	return Name
}

// NormalizeRequest implements providers.Adapter.
func (a *Adapter) NormalizeRequest(call providers.RawCall) (*providers.NormalizedCall, error) {
	if err := checkEndpoint(call.Endpoint); err != nil {
		return nil, err
	}

	var req generateRequest
	if err := providers.Decode(Name, providers.EndpointGenerateContent, call.Body, &req); err != nil {
		return nil, err
	}
	model := strings.TrimPrefix(call.Model, "models/")
	if model == "" {
		model = strings.TrimPrefix(req.Model, "models/")
	}
	if model == "" {
		return nil, payloadError(fmt.Errorf("model is required"))
	}

	var msgs []tokens.Message
	system := req.SystemInstruction
	if system == nil {
		system = req.SystemInstructionSnake
	}
	if system != nil {
		text, err := partsText(system.Parts, "systemInstruction.parts")
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, tokens.Message{Role: "system", Text: text})
	}
	for i, c := range req.Contents {
		text, err := partsText(c.Parts, fmt.Sprintf("contents[%d].parts", i))
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, tokens.Message{Role: c.Role, Text: text})
	}
	for _, tool := range req.Tools {
		msgs = append(msgs, tokens.Message{Role: "tool", Text: string(tool)})
	}

	return &providers.NormalizedCall{
		Provider:                 Name,
		Endpoint:                 providers.EndpointGenerateContent,
		Model:                    model,
		EstimatedInputTokens:     a.estimator.EstimateMessages(msgs, model),
		RequestedMaxOutputTokens: requestedMax(&req),
	}, nil
}

func requestedMax(req *generateRequest) int64 {
	for _, gc := range []*generationConfig{req.GenerationConfig, req.GenerationConfigSnake} {
		if gc == nil {
			continue
		}
		if gc.MaxOutputTokens != nil && *gc.MaxOutputTokens > 0 {
			return *gc.MaxOutputTokens
		}
		if gc.MaxOutputTokensSnake != nil && *gc.MaxOutputTokensSnake > 0 {
			return *gc.MaxOutputTokensSnake
		}
	}
	return 0
}

func partsText(parts []json.RawMessage, location string) (string, error) {
	var sb strings.Builder
	for i, raw := range parts {
		var p part
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", payloadError(fmt.Errorf("%s[%d]: %w", location, i, err))
		}
		loc := fmt.Sprintf("%s[%d]", location, i)

		switch {
		case len(p.InlineData) > 0 || len(p.InlineDataSnake) > 0:
			return "", &providers.ModalityError{Provider: Name, Kind: "inline_data", Location: loc}
		case len(p.FileData) > 0 || len(p.FileDataSnake) > 0:
			return "", &providers.ModalityError{Provider: Name, Kind: "file_data", Location: loc}
		}

		sb.WriteString(p.Text)
		for _, structured := range []json.RawMessage{
			p.FunctionCall, p.FunctionCallSnake,
			p.FunctionResponse, p.FunctionRespSnake,
			p.ExecutableCode, p.CodeExecutionResult,
		} {
			sb.Write(structured)
		}
	}
	return sb.String(), nil
}

// ExtractUsage implements providers.Adapter.
func (a *Adapter) ExtractUsage(resp providers.RawResponse) (*ledger.Usage, error) {
	if err := checkEndpoint(resp.Endpoint); err != nil {
		return nil, err
	}

	var body generateResponse
	if err := providers.Decode(Name, providers.EndpointGenerateContent, resp.Body, &body); err != nil {
		return nil, err
	}
	if body.UsageMetadata == nil {
		return nil, payloadError(fmt.Errorf("usageMetadata is missing"))
	}

	m := body.UsageMetadata
	prompt := providers.NonNegative(m.PromptTokenCount)
	cached := min(providers.NonNegative(m.CachedContentTokenCount), prompt)

	u := &ledger.Usage{
		InputTokens:       prompt - cached + providers.NonNegative(m.ToolUsePromptTokenCount),
		CachedInputTokens: cached,
		OutputTokens:      providers.NonNegative(m.CandidatesTokenCount),
		ReasoningTokens:   providers.NonNegative(m.ThoughtsTokenCount),
	}
	for _, c := range body.Candidates {
		if len(c.GroundingMetadata) > 0 && string(c.GroundingMetadata) != "null" {
			u.GroundingCalls++
		}
	}
	return u, nil
}

// ApplyOutputLimit sets generationConfig.maxOutputTokens, or the snake_case
// spelling if the request already uses it.
func (a *Adapter) ApplyOutputLimit(call providers.RawCall, maxOutputTokens int64) (json.RawMessage, error) {
	if err := checkEndpoint(call.Endpoint); err != nil {
		return nil, err
	}

	path := []string{"generationConfig", "maxOutputTokens"}
	if providers.HasField(call.Body, "generation_config") {
		path = []string{"generation_config", "max_output_tokens"}
	}
	body, err := providers.SetField(call.Body, maxOutputTokens, path...)
	if err != nil {
		return nil, payloadError(err)
	}
	return body, nil
}

func checkEndpoint(e providers.Endpoint) error {
	if e != providers.EndpointGenerateContent && e != "" {
		return providers.EndpointError(Name, e)
	}
	return nil
}

func payloadError(err error) error {
	return &providers.PayloadError{Provider: Name, Endpoint: providers.EndpointGenerateContent, Cause: err}
}

var _ providers.Adapter = (*Adapter)(nil)
