package settlement

import (
	"fmt"
	"math"

	"cynsta/spendguard/pkg/ledger"
	"cynsta/spendguard/pkg/pricing"
)

// Breakdown is the priced form of one call's usage.
type Breakdown struct {
	Tier        string            `json:"tier"`
	Items       []ledger.LineItem `json:"items"`
	TotalMicros int64             `json:"total_micros"`

	// Cost is TotalMicros rounded up to whole subunits.
	Cost int64 `json:"cost"`
}

// BuildBreakdown prices usage against price. The tier is chosen by the
// call's prompt tokens (input, cached and cache-write); reasoning tokens
// without a rate of their own are billed at the output rate. Any other
// dimension with a non-zero count and no rate fails with a *pricing.GapError.
func BuildBreakdown(price *pricing.ModelPrice, usage ledger.Usage) (*Breakdown, error) {
	tier, rates := price.RatesAt(usage.PromptTokens())
	b := &Breakdown{Tier: tier}

	for _, dim := range pricing.Dimensions {
		qty := usage.Quantity(string(dim))
		if qty <= 0 {
			continue
		}

		rate, ok := rates.Get(dim)
		if !ok && dim == pricing.DimReasoning {
			rate, ok = rates.Get(pricing.DimOutput)
		}
		if !ok {
			return nil, &pricing.GapError{Provider: price.Provider, Model: price.Model, Dimension: dim}
		}

		if rate > 0 && qty > math.MaxInt64/rate {
			return nil, fmt.Errorf("%s: %d units at %d micros overflows", dim, qty, rate)
		}
		amount := qty * rate
		if b.TotalMicros > math.MaxInt64-amount {
			return nil, fmt.Errorf("breakdown total overflows at %s", dim)
		}

		b.Items = append(b.Items, ledger.LineItem{
			Dimension:    string(dim),
			Quantity:     qty,
			RateMicros:   rate,
			AmountMicros: amount,
		})
		b.TotalMicros += amount
	}

	b.Cost = pricing.CeilSubunits(b.TotalMicros)
	return b, nil
}
