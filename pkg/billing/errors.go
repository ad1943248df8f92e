package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrAuthenticity is returned when a webhook request cannot be proven to come from the store
	ErrAuthenticity = errors.New("webhook authenticity check failed")

	// ErrMalformedPayload is returned when webhook payload cannot be parsed or validated
	ErrMalformedPayload = errors.New("malformed webhook payload")

	// ErrUnknownNotification is returned alongside an ignored event when the store sent a
	// notification type this version does not know
	ErrUnknownNotification = errors.New("unknown notification type")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")
)
