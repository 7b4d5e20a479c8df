package pricing

import (
	"errors"
	"fmt"
)

var (
	// ErrPricingUnavailable indicates no verified price table can be produced.
	// Callers must refuse new calls while it is returned.
	ErrPricingUnavailable = errors.New("pricing unavailable")

	// ErrPricingGap indicates the table has no rate for a provider, model,
	// or usage dimension that needs pricing.
	ErrPricingGap = errors.New("pricing gap")

	// ErrSignatureInvalid indicates a signed envelope failed verification.
	ErrSignatureInvalid = errors.New("price table signature invalid")

	// ErrSchemaMismatch indicates the payload declares a schema version the
	// engine does not understand.
	ErrSchemaMismatch = errors.New("price table schema version mismatch")

	// ErrInvalidTable indicates the table failed structural validation.
	ErrInvalidTable = errors.New("invalid price table")
)

// GapError reports a missing rate. Dimension is empty when the model itself
// is absent from the table.
type GapError struct {
	Provider  string
	Model     string
	Dimension Dimension
}

func (e *GapError) Error() string {
	if e.Dimension == "" {
		return fmt.Sprintf("no price for %s/%s", e.Provider, e.Model)
	}
	return fmt.Sprintf("no %s rate for %s/%s", e.Dimension, e.Provider, e.Model)
}

func (e *GapError) Unwrap() error {
	return ErrPricingGap
}

// UnavailableError wraps the reason a source failed to produce a verified
// table. It matches both ErrPricingUnavailable and the underlying cause.
type UnavailableError struct {
	Source string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("pricing unavailable from %s: %v", e.Source, e.Err)
}

func (e *UnavailableError) Unwrap() []error {
	return []error{ErrPricingUnavailable, e.Err}
}
