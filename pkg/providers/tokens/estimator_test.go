package tokens

import (
	"strings"
	"testing"

	"cynsta/spendguard/pkg/config"
)

func TestEstimateText(t *testing.T) {
	e := New(&config.TokensConfig{CharsPerToken: 4})

	tests := []struct {
		name string
		text string
		want int64
	}{
		{"empty", "", 0},
		{"single char", "a", 1},
		{"exact multiple", "abcdefgh", 2},
		{"rounds up", "abcdefghi", 3},
		{"multi-byte counted by bytes", "héllo", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.EstimateText(tt.text, "gpt-4o"); got != tt.want {
				t.Errorf("EstimateText(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestEstimateText_ModelRatios(t *testing.T) {
	e := New(&config.TokensConfig{
		CharsPerToken: 4,
		Models: map[string]float64{
			"claude-":        2,
			"claude-3-haiku": 8,
		},
	})

	text := strings.Repeat("x", 16)

	if got := e.EstimateText(text, "gpt-4o"); got != 4 {
		t.Errorf("default ratio: got %d, want 4", got)
	}
	if got := e.EstimateText(text, "claude-sonnet-4"); got != 8 {
		t.Errorf("prefix ratio: got %d, want 8", got)
	}
	if got := e.EstimateText(text, "Claude-3-Haiku-20240307"); got != 2 {
		t.Errorf("longest prefix should win: got %d, want 2", got)
	}
}

func TestEstimateMessages(t *testing.T) {
	e := New(&config.TokensConfig{CharsPerToken: 4, MessageOverhead: 4})

	if got := e.EstimateMessages(nil, "m"); got != 0 {
		t.Fatalf("empty conversation: got %d, want 0", got)
	}

	msgs := []Message{
		{Role: "system", Text: "be brief"},            // 4 + 2
		{Role: "user", Name: "bob", Text: "hi there"}, // 4 + 2 + 1
	}
	want := int64(6 + 7 + primingTokens)
	if got := e.EstimateMessages(msgs, "m"); got != want {
		t.Errorf("EstimateMessages = %d, want %d", got, want)
	}
}

func TestNew_NilConfigUsesDefaults(t *testing.T) {
	e := New(nil)
	if e.charsPerToken != config.DefaultTokensCharsPerToken {
		t.Errorf("charsPerToken = %v, want %v", e.charsPerToken, config.DefaultTokensCharsPerToken)
	}
	if e.messageOverhead != config.DefaultTokensMessageOverhead {
		t.Errorf("messageOverhead = %d, want %d", e.messageOverhead, config.DefaultTokensMessageOverhead)
	}
}
