package pricing

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the table structure and the pricing rules the estimator
// relies on: every model has input and output rates, dimension names are
// known, tier thresholds ascend, and (provider, model) pairs are unique.
func (t *Table) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}

	seen := make(map[string]bool, len(t.Models))
	for i := range t.Models {
		m := &t.Models[i]
		key := priceKey(m.Provider, m.Model)
		if seen[key] {
			return fmt.Errorf("%w: duplicate model %s", ErrInvalidTable, key)
		}
		seen[key] = true

		if err := checkRates(m.Rates); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidTable, key, err)
		}
		for _, required := range []Dimension{DimInput, DimOutput} {
			if _, ok := m.Rates[required]; !ok {
				return fmt.Errorf("%w: %s: missing %s rate", ErrInvalidTable, key, required)
			}
		}

		var prev int64
		for _, tier := range m.Tiers {
			if tier.AtOrAboveTokens <= prev {
				return fmt.Errorf("%w: %s: tier %q threshold %d not above %d",
					ErrInvalidTable, key, tier.Name, tier.AtOrAboveTokens, prev)
			}
			prev = tier.AtOrAboveTokens
			if err := checkRates(tier.Rates); err != nil {
				return fmt.Errorf("%w: %s tier %q: %v", ErrInvalidTable, key, tier.Name, err)
			}
		}
	}

	return nil
}

func checkRates(r Rates) error {
	var unknown []string
	for d, v := range r {
		if !d.Valid() {
			unknown = append(unknown, string(d))
			continue
		}
		if v < 0 {
			return fmt.Errorf("negative %s rate %d", d, v)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown dimensions: %s", strings.Join(unknown, ", "))
	}
	return nil
}
