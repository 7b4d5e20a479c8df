package grok

import (
	"encoding/json"
	"testing"

	"cynsta/spendguard/pkg/ledger"
	"cynsta/spendguard/pkg/providers"
)

func TestAdapter(t *testing.T) {
	a := New(nil)
	if a.Name() != "grok" {
		t.Fatalf("Name() = %q", a.Name())
	}

	call, err := a.NormalizeRequest(providers.RawCall{
		Endpoint: providers.EndpointChatCompletions,
		Body:     json.RawMessage(`{"model":"grok-4","messages":[{"role":"user","content":"news?"}]}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if call.Provider != "grok" {
		t.Errorf("Provider = %q", call.Provider)
	}

	out, err := a.ApplyOutputLimit(providers.RawCall{Body: json.RawMessage(`{"model":"grok-4"}`)}, 77)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"model":"grok-4","max_tokens":77}` {
		t.Errorf("ApplyOutputLimit = %s", out)
	}
}

func TestExtractUsage_SourcesAreGroundingCalls(t *testing.T) {
	a := New(nil)

	for _, tt := range []struct {
		endpoint providers.Endpoint
		body     string
	}{
		{providers.EndpointChatCompletions, `{"usage":{"prompt_tokens":100,"completion_tokens":20,"num_sources_used":3}}`},
		{providers.EndpointResponses, `{"usage":{"input_tokens":100,"output_tokens":20,"num_sources_used":3}}`},
	} {
		u, err := a.ExtractUsage(providers.RawResponse{Endpoint: tt.endpoint, Body: json.RawMessage(tt.body)})
		if err != nil {
			t.Fatalf("%s: %v", tt.endpoint, err)
		}
		want := ledger.Usage{InputTokens: 100, OutputTokens: 20, GroundingCalls: 3}
		if *u != want {
			t.Errorf("%s: usage = %+v, want %+v", tt.endpoint, *u, want)
		}
	}
}
