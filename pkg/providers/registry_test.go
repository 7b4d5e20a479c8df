package providers

import (
	"encoding/json"
	"errors"
	"testing"

	"cynsta/spendguard/pkg/ledger"
)

type stubAdapter struct{ name string }

func (s stubAdapter) Name() string { return s.name }

func (s stubAdapter) NormalizeRequest(RawCall) (*NormalizedCall, error) {
	return &NormalizedCall{Provider: s.name}, nil
}

func (s stubAdapter) ExtractUsage(RawResponse) (*ledger.Usage, error) { return &ledger.Usage{}, nil }

func (s stubAdapter) ApplyOutputLimit(c RawCall, _ int64) (json.RawMessage, error) { return c.Body, nil }

func TestRegistry(t *testing.T) {
	reg := NewRegistry(stubAdapter{"alpha"})
	reg.Register(stubAdapter{"Beta"})

	if _, err := reg.Get("ALPHA"); err != nil {
		t.Errorf("Get(ALPHA): %v", err)
	}
	if _, err := reg.Get("beta"); err != nil {
		t.Errorf("Get(beta): %v", err)
	}

	_, err := reg.Get("gamma")
	if !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}

	names := reg.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("Names() = %v", names)
	}
}
