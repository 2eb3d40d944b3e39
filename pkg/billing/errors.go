package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrEventInFlight is returned when another delivery of the same event is
	// still being processed
	ErrEventInFlight = errors.New("billing event is already being processed")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrPlanNotConfigured is returned when a price id is not in the plan catalog
	ErrPlanNotConfigured = errors.New("plan not configured in catalog")

	// ErrInvalidMembershipType is returned when a checkout names an unknown membership type
	ErrInvalidMembershipType = errors.New("unknown membership type")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")
)
