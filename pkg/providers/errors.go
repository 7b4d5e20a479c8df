package providers

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedModality indicates non-text content the engine cannot
	// price.
	ErrUnsupportedModality = errors.New("unsupported modality")

	// ErrUnknownProvider indicates no adapter is registered for a name.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrUnsupportedEndpoint indicates an adapter does not handle an endpoint.
	ErrUnsupportedEndpoint = errors.New("unsupported endpoint")

	// ErrMalformedPayload indicates a body that could not be decoded.
	ErrMalformedPayload = errors.New("malformed payload")
)

// ModalityError reports the first non-text content found in a request.
type ModalityError struct {
	// Provider is the adapter that rejected the request
	Provider string

	// Kind is the provider's content type name (e.g. "image_url")
	Kind string

	// Location points at the offending element (e.g. "messages[2].content[0]")
	Location string
}

// Error implements the error interface.
func (e *ModalityError) Error() string {
	return fmt.Sprintf("provider %q: %s content at %s cannot be priced", e.Provider, e.Kind, e.Location)
}

// Unwrap returns ErrUnsupportedModality.
func (e *ModalityError) Unwrap() error {
	return ErrUnsupportedModality
}

// PayloadError represents a body that failed to decode or lacks a required
// field.
type PayloadError struct {
	// Provider is the adapter that read the payload
	Provider string

	// Endpoint is the API the payload was read as
	Endpoint Endpoint

	// Cause is the underlying decode error
	Cause error
}

// Error implements the error interface.
func (e *PayloadError) Error() string {
	return fmt.Sprintf("provider %q %s payload: %v", e.Provider, e.Endpoint, e.Cause)
}

// Unwrap matches ErrMalformedPayload and the cause.
func (e *PayloadError) Unwrap() []error {
	return []error{ErrMalformedPayload, e.Cause}
}

// EndpointError returns an error for an endpoint the adapter does not serve.
func EndpointError(provider string, endpoint Endpoint) error {
	return fmt.Errorf("%w: provider %q does not serve %q", ErrUnsupportedEndpoint, provider, endpoint)
}
