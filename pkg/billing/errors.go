package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is missing required
	// configuration (store, API key).
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidSignature is returned when webhook signature verification
	// fails. This is the only condition the webhook endpoint answers with 400.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned when a signature-valid webhook payload
	// cannot be parsed into a typed event.
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrProviderAPIError is returned when the provider's query API fails.
	ErrProviderAPIError = errors.New("billing provider API error")
)
