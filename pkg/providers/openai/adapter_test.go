package openai

import (
	"encoding/json"
	"errors"
	"testing"

	"cynsta/spendguard/pkg/config"
	"cynsta/spendguard/pkg/ledger"
	"cynsta/spendguard/pkg/providers"
	"cynsta/spendguard/pkg/providers/tokens"
)

func newTestAdapter() *Adapter {
	return New(tokens.New(&config.TokensConfig{CharsPerToken: 4, MessageOverhead: 4}))
}

func TestNormalizeRequest_Chat(t *testing.T) {
	a := newTestAdapter()

	call, err := a.NormalizeRequest(providers.RawCall{
		Endpoint: providers.EndpointChatCompletions,
		Body: json.RawMessage(`{
			"model": "gpt-4o",
			"max_completion_tokens": 500,
			"max_tokens": 900,
			"messages": [
				{"role": "system", "content": "be brief"},
				{"role": "user", "content": [{"type": "text", "text": "hello world!"}]}
			]
		}`),
	})
	if err != nil {
		t.Fatalf("NormalizeRequest: %v", err)
	}

	if call.Provider != "openai" || call.Model != "gpt-4o" {
		t.Errorf("unexpected identity: %+v", call)
	}
	if call.RequestedMaxOutputTokens != 500 {
		t.Errorf("max_completion_tokens should win: got %d", call.RequestedMaxOutputTokens)
	}
	// (4 + 2) + (4 + 3) + 3 priming
	if call.EstimatedInputTokens != 16 {
		t.Errorf("EstimatedInputTokens = %d, want 16", call.EstimatedInputTokens)
	}
}

func TestNormalizeRequest_ChatLegacyMaxTokensAndNoCap(t *testing.T) {
	a := newTestAdapter()

	call, err := a.NormalizeRequest(providers.RawCall{
		Body: json.RawMessage(`{"model":"gpt-4o","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if call.RequestedMaxOutputTokens != 64 {
		t.Errorf("got %d, want 64", call.RequestedMaxOutputTokens)
	}

	call, err = a.NormalizeRequest(providers.RawCall{
		Body: json.RawMessage(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if call.RequestedMaxOutputTokens != 0 {
		t.Errorf("uncapped request: got %d, want 0", call.RequestedMaxOutputTokens)
	}
}

func TestNormalizeRequest_ToolsIncreaseEstimate(t *testing.T) {
	a := newTestAdapter()

	base := `{"model":"gpt-4o","messages":[{"role":"user","content":"weather?"}]}`
	withTools := `{"model":"gpt-4o","messages":[{"role":"user","content":"weather?"}],
		"tools":[{"type":"function","function":{"name":"get_weather","parameters":{"type":"object"}}}]}`

	c1, err := a.NormalizeRequest(providers.RawCall{Body: json.RawMessage(base)})
	if err != nil {
		t.Fatal(err)
	}
	c2, err := a.NormalizeRequest(providers.RawCall{Body: json.RawMessage(withTools)})
	if err != nil {
		t.Fatal(err)
	}
	if c2.EstimatedInputTokens <= c1.EstimatedInputTokens {
		t.Errorf("tools should add tokens: %d <= %d", c2.EstimatedInputTokens, c1.EstimatedInputTokens)
	}
}

func TestNormalizeRequest_UnsupportedModality(t *testing.T) {
	a := newTestAdapter()

	tests := []struct {
		name     string
		endpoint providers.Endpoint
		body     string
	}{
		{
			name:     "chat image",
			endpoint: providers.EndpointChatCompletions,
			body: `{"model":"gpt-4o","messages":[{"role":"user","content":[
				{"type":"text","text":"what is this"},
				{"type":"image_url","image_url":{"url":"https://x/y.png"}}]}]}`,
		},
		{
			name:     "chat audio",
			endpoint: providers.EndpointChatCompletions,
			body:     `{"model":"gpt-4o","messages":[{"role":"user","content":[{"type":"input_audio"}]}]}`,
		},
		{
			name:     "responses image part",
			endpoint: providers.EndpointResponses,
			body:     `{"model":"gpt-4.1","input":[{"role":"user","content":[{"type":"input_image","image_url":"x"}]}]}`,
		},
		{
			name:     "responses file item",
			endpoint: providers.EndpointResponses,
			body:     `{"model":"gpt-4.1","input":[{"type":"input_file","file_id":"f"}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.NormalizeRequest(providers.RawCall{Endpoint: tt.endpoint, Body: json.RawMessage(tt.body)})
			if !errors.Is(err, providers.ErrUnsupportedModality) {
				t.Fatalf("expected ErrUnsupportedModality, got %v", err)
			}
		})
	}
}

func TestNormalizeRequest_Malformed(t *testing.T) {
	a := newTestAdapter()

	for _, body := range []string{``, `{`, `{"messages":[]}`} {
		_, err := a.NormalizeRequest(providers.RawCall{Body: json.RawMessage(body)})
		if !errors.Is(err, providers.ErrMalformedPayload) {
			t.Errorf("body %q: expected ErrMalformedPayload, got %v", body, err)
		}
	}

	_, err := a.NormalizeRequest(providers.RawCall{Endpoint: providers.EndpointMessages, Body: json.RawMessage(`{}`)})
	if !errors.Is(err, providers.ErrUnsupportedEndpoint) {
		t.Errorf("expected ErrUnsupportedEndpoint, got %v", err)
	}
}

func TestNormalizeRequest_Responses(t *testing.T) {
	a := newTestAdapter()

	call, err := a.NormalizeRequest(providers.RawCall{
		Endpoint: providers.EndpointResponses,
		Body: json.RawMessage(`{
			"model": "o4-mini",
			"instructions": "you are terse",
			"max_output_tokens": 2048,
			"input": [
				{"role": "user", "content": [{"type": "input_text", "text": "summarize"}]},
				{"type": "function_call", "name": "lookup", "arguments": "{\"q\":1}"},
				{"type": "function_call_output", "output": "result text"}
			]
		}`),
	})
	if err != nil {
		t.Fatalf("NormalizeRequest: %v", err)
	}
	if call.Endpoint != providers.EndpointResponses {
		t.Errorf("endpoint = %q", call.Endpoint)
	}
	if call.RequestedMaxOutputTokens != 2048 {
		t.Errorf("RequestedMaxOutputTokens = %d", call.RequestedMaxOutputTokens)
	}
	if call.EstimatedInputTokens <= 0 {
		t.Errorf("expected positive estimate, got %d", call.EstimatedInputTokens)
	}

	str, err := a.NormalizeRequest(providers.RawCall{
		Endpoint: providers.EndpointResponses,
		Body:     json.RawMessage(`{"model":"o4-mini","input":"just a string"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if str.EstimatedInputTokens != 4+4+primingForTest {
		t.Errorf("string input estimate = %d", str.EstimatedInputTokens)
	}
}

// primingForTest mirrors the estimator's reply priming.
const primingForTest = 3

func TestExtractUsage_Chat(t *testing.T) {
	a := newTestAdapter()

	u, err := a.ExtractUsage(providers.RawResponse{
		Endpoint: providers.EndpointChatCompletions,
		Body: json.RawMessage(`{"usage":{
			"prompt_tokens": 1000,
			"completion_tokens": 300,
			"prompt_tokens_details": {"cached_tokens": 400},
			"completion_tokens_details": {"reasoning_tokens": 120},
			"num_sources_used": 9
		}}`),
	})
	if err != nil {
		t.Fatalf("ExtractUsage: %v", err)
	}

	want := ledger.Usage{InputTokens: 600, CachedInputTokens: 400, OutputTokens: 180, ReasoningTokens: 120}
	if *u != want {
		t.Errorf("usage = %+v, want %+v", *u, want)
	}
}

func TestExtractUsage_MissingOptionalFields(t *testing.T) {
	a := newTestAdapter()

	u, err := a.ExtractUsage(providers.RawResponse{
		Body: json.RawMessage(`{"usage":{"prompt_tokens":10,"completion_tokens":-5}}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	want := ledger.Usage{InputTokens: 10}
	if *u != want {
		t.Errorf("usage = %+v, want %+v", *u, want)
	}

	_, err = a.ExtractUsage(providers.RawResponse{Body: json.RawMessage(`{"id":"x"}`)})
	if !errors.Is(err, providers.ErrMalformedPayload) {
		t.Errorf("missing usage: expected ErrMalformedPayload, got %v", err)
	}
}

func TestExtractUsage_Responses(t *testing.T) {
	a := newTestAdapter()

	u, err := a.ExtractUsage(providers.RawResponse{
		Endpoint: providers.EndpointResponses,
		Body: json.RawMessage(`{
			"output": [
				{"type": "web_search_call"},
				{"type": "reasoning"},
				{"type": "file_search_call"},
				{"type": "message"}
			],
			"usage": {
				"input_tokens": 500,
				"output_tokens": 200,
				"input_tokens_details": {"cached_tokens": 100},
				"output_tokens_details": {"reasoning_tokens": 50}
			}
		}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	want := ledger.Usage{InputTokens: 400, CachedInputTokens: 100, OutputTokens: 150, ReasoningTokens: 50, ToolCalls: 2}
	if *u != want {
		t.Errorf("usage = %+v, want %+v", *u, want)
	}
}

func TestApplyOutputLimit(t *testing.T) {
	a := newTestAdapter()

	tests := []struct {
		name     string
		endpoint providers.Endpoint
		body     string
		field    string
	}{
		{"chat default field", providers.EndpointChatCompletions, `{"model":"m"}`, "max_completion_tokens"},
		{"chat legacy field kept", providers.EndpointChatCompletions, `{"model":"m","max_tokens":900}`, "max_tokens"},
		{"responses", providers.EndpointResponses, `{"model":"m","max_output_tokens":900}`, "max_output_tokens"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := a.ApplyOutputLimit(providers.RawCall{Endpoint: tt.endpoint, Body: json.RawMessage(tt.body)}, 42)
			if err != nil {
				t.Fatal(err)
			}
			var m map[string]any
			if err := json.Unmarshal(out, &m); err != nil {
				t.Fatal(err)
			}
			if m[tt.field] != float64(42) {
				t.Errorf("%s = %v, want 42 (body %s)", tt.field, m[tt.field], out)
			}
			if m["model"] != "m" {
				t.Errorf("model field lost: %s", out)
			}
		})
	}
}
