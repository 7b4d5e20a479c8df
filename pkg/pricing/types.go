package pricing

import (
	"crypto/ed25519"
	"sort"
	"strings"
	"sync"
	"time"
)

// MicrosPerSubunit is the number of micro-subunits in one currency subunit.
const MicrosPerSubunit int64 = 1_000_000

// CeilSubunits rounds an amount in micro-subunits up to whole subunits.
func CeilSubunits(micros int64) int64 {
	if micros <= 0 {
		return 0
	}
	n := micros / MicrosPerSubunit
	if micros%MicrosPerSubunit != 0 {
		n++
	}
	return n
}

// Dimension names a billable usage dimension.
type Dimension string

const (
	DimInput          Dimension = "input_tokens"
	DimCachedInput    Dimension = "cached_input_tokens"
	DimCacheWrite     Dimension = "cache_write_tokens"
	DimOutput         Dimension = "output_tokens"
	DimReasoning      Dimension = "reasoning_tokens"
	DimToolCalls      Dimension = "tool_calls"
	DimGroundingCalls Dimension = "grounding_calls"
)

// Dimensions lists every dimension in billing breakdown order.
var Dimensions = []Dimension{
	DimInput,
	DimCachedInput,
	DimCacheWrite,
	DimOutput,
	DimReasoning,
	DimToolCalls,
	DimGroundingCalls,
}

// Valid reports whether d is a known dimension.
func (d Dimension) Valid() bool {
	for _, known := range Dimensions {
		if d == known {
			return true
		}
	}
	return false
}

// Rates maps dimensions to a per-unit price in micro-subunits.
type Rates map[Dimension]int64

// Get returns the rate for d and whether it is present.
func (r Rates) Get(d Dimension) (int64, bool) {
	v, ok := r[d]
	return v, ok
}

// Tier overrides base rates once a request's context reaches a token
// threshold (for example a long-context price cliff).
type Tier struct {
	Name            string `yaml:"name" json:"name" validate:"required"`
	AtOrAboveTokens int64  `yaml:"at_or_above_tokens" json:"at_or_above_tokens" validate:"gt=0"`
	Rates           Rates  `yaml:"rates" json:"rates" validate:"required,dive,gte=0"`
}

// ModelPrice holds the rates for a single provider model. A model entry also
// matches any model name it prefixes, so "gpt-4o" covers dated snapshots
// like "gpt-4o-2024-08-06" unless a longer entry exists.
type ModelPrice struct {
	Provider string `yaml:"provider" json:"provider" validate:"required"`
	Model    string `yaml:"model" json:"model" validate:"required"`
	Rates    Rates  `yaml:"rates" json:"rates" validate:"required,dive,gte=0"`
	Tiers    []Tier `yaml:"tiers,omitempty" json:"tiers,omitempty" validate:"dive"`

	// MinOutputTokens is the minimum viable output allowance preflight must
	// be able to cover. Zero means the engine default applies.
	MinOutputTokens int64 `yaml:"min_output_tokens,omitempty" json:"min_output_tokens,omitempty" validate:"gte=0"`

	// DefaultMaxOutputTokens is assumed when a request does not cap output.
	DefaultMaxOutputTokens int64 `yaml:"default_max_output_tokens,omitempty" json:"default_max_output_tokens,omitempty" validate:"gte=0"`
}

// BaseTier names the rates that apply below every tier threshold.
const BaseTier = "base"

// RatesAt returns the tier name and rates applying to a request with the
// given number of context tokens. The highest tier whose threshold is at or
// below tokens wins, so a request sitting exactly on a threshold is priced at
// the more expensive tier. Tier rates are layered over the base rates.
func (m *ModelPrice) RatesAt(tokens int64) (string, Rates) {
	var tier *Tier
	for i := range m.Tiers {
		if m.Tiers[i].AtOrAboveTokens <= tokens {
			if tier == nil || m.Tiers[i].AtOrAboveTokens > tier.AtOrAboveTokens {
				tier = &m.Tiers[i]
			}
		}
	}
	if tier == nil {
		return BaseTier, m.Rates
	}

	merged := make(Rates, len(m.Rates)+len(tier.Rates))
	for d, v := range m.Rates {
		merged[d] = v
	}
	for d, v := range tier.Rates {
		merged[d] = v
	}
	return tier.Name, merged
}

// Table is a complete, versioned price table. Tables are immutable once
// published to a Registry and are replaced wholesale on refresh.
type Table struct {
	SchemaVersion int          `yaml:"schema_version" json:"schema_version" validate:"gt=0"`
	Version       string       `yaml:"version" json:"version" validate:"required"`
	Currency      string       `yaml:"currency" json:"currency" validate:"required,len=3"`
	EffectiveAt   time.Time    `yaml:"effective_at,omitempty" json:"effective_at,omitempty"`
	Models        []ModelPrice `yaml:"models" json:"models" validate:"required,min=1,dive"`

	// Set by the source that produced the table.
	Signature []byte            `yaml:"-" json:"-"`
	KeyID     string            `yaml:"-" json:"-"`
	PublicKey ed25519.PublicKey `yaml:"-" json:"-"`
	Source    string            `yaml:"-" json:"-"`
	LoadedAt  time.Time         `yaml:"-" json:"-"`

	indexOnce sync.Once
	byKey     map[string]*ModelPrice
	byProv    map[string][]*ModelPrice
}

func priceKey(provider, model string) string {
	return strings.ToLower(provider) + "/" + strings.ToLower(model)
}

func (t *Table) buildIndex() {
	t.indexOnce.Do(func() {
		t.byKey = make(map[string]*ModelPrice, len(t.Models))
		t.byProv = make(map[string][]*ModelPrice)
		for i := range t.Models {
			m := &t.Models[i]
			t.byKey[priceKey(m.Provider, m.Model)] = m
			p := strings.ToLower(m.Provider)
			t.byProv[p] = append(t.byProv[p], m)
		}
		// Longest model names first so prefix matching picks the most specific entry.
		for _, models := range t.byProv {
			sort.SliceStable(models, func(i, j int) bool {
				return len(models[i].Model) > len(models[j].Model)
			})
		}
	})
}

// Lookup finds the price entry for a provider model: an exact match first,
// then the longest model prefix registered for the provider.
func (t *Table) Lookup(provider, model string) (*ModelPrice, error) {
	t.buildIndex()

	if m, ok := t.byKey[priceKey(provider, model)]; ok {
		return m, nil
	}

	lower := strings.ToLower(model)
	for _, m := range t.byProv[strings.ToLower(provider)] {
		if strings.HasPrefix(lower, strings.ToLower(m.Model)) {
			return m, nil
		}
	}

	return nil, &GapError{Provider: provider, Model: model}
}
