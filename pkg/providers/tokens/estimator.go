package tokens

import (
	"math"
	"sort"
	"strings"

	"cynsta/spendguard/pkg/config"
)

// Message is one prompt element to count: a chat message, a system prompt
// or a tool definition rendered as text.
type Message struct {
	Role string
	Name string
	Text string
}

// Estimator implements character-based token estimation. It is safe for
// concurrent use; its configuration is fixed at construction.
type Estimator struct {
	charsPerToken   float64
	messageOverhead int64

	// models holds per-prefix ratios, longest prefix first.
	models []modelRatio
}

type modelRatio struct {
	prefix string
	ratio  float64
}

// primingTokens covers the reply preamble every chat format adds.
const primingTokens = 3

// New creates an estimator. A nil config uses the package defaults.
func New(cfg *config.TokensConfig) *Estimator {
	e := &Estimator{
		charsPerToken:   config.DefaultTokensCharsPerToken,
		messageOverhead: config.DefaultTokensMessageOverhead,
	}
	if cfg == nil {
		return e
	}
	if cfg.CharsPerToken > 0 {
		e.charsPerToken = cfg.CharsPerToken
	}
	if cfg.MessageOverhead > 0 {
		e.messageOverhead = int64(cfg.MessageOverhead)
	}
	for prefix, ratio := range cfg.Models {
		if ratio > 0 {
			e.models = append(e.models, modelRatio{prefix: strings.ToLower(prefix), ratio: ratio})
		}
	}
	sort.Slice(e.models, func(i, j int) bool {
		if len(e.models[i].prefix) != len(e.models[j].prefix) {
			return len(e.models[i].prefix) > len(e.models[j].prefix)
		}
		return e.models[i].prefix < e.models[j].prefix
	})
	return e
}

// EstimateText returns the token estimate for a single string. Non-empty
// text is at least one token.
func (e *Estimator) EstimateText(text, model string) int64 {
	if text == "" {
		return 0
	}
	n := int64(math.Ceil(float64(len(text)) / e.ratio(model)))
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateMessages returns the prompt token estimate for a conversation,
// including per-message overhead and reply priming.
func (e *Estimator) EstimateMessages(msgs []Message, model string) int64 {
	if len(msgs) == 0 {
		return 0
	}

	var total int64
	for _, m := range msgs {
		total += e.messageOverhead
		total += e.EstimateText(m.Text, model)
		if m.Name != "" {
			total += e.EstimateText(m.Name, model)
		}
	}
	return total + primingTokens
}

func (e *Estimator) ratio(model string) float64 {
	lower := strings.ToLower(model)
	for _, m := range e.models {
		if strings.HasPrefix(lower, m.prefix) {
			return m.ratio
		}
	}
	return e.charsPerToken
}
