package billing

import "time"

// EventKind is the provider-independent classification of a billing event.
type EventKind string

const (
	EventCheckoutCompleted       EventKind = "checkout_completed"
	EventInvoicePaymentSucceeded EventKind = "invoice_payment_succeeded"
	EventInvoicePaymentFailed    EventKind = "invoice_payment_failed"
	EventSubscriptionUpdated     EventKind = "subscription_updated"
	EventSubscriptionDeleted     EventKind = "subscription_deleted"
	EventUnknown                 EventKind = "unknown"
)

// SubscriptionScoped reports whether events of this kind describe an existing
// subscription, as opposed to starting a new one.
func (k EventKind) SubscriptionScoped() bool {
	switch k {
	case EventInvoicePaymentSucceeded, EventInvoicePaymentFailed,
		EventSubscriptionUpdated, EventSubscriptionDeleted:
		return true
	}
	return false
}

// Event is a verified provider event translated into the fields the
// Reconciler needs. Empty strings mean the payload did not carry the value.
type Event struct {
	// ID is the provider event id, the idempotency key
	ID string

	// Provider is the billing provider name ("stripe")
	Provider string

	// Type is the provider-specific event type
	// Stripe: "checkout.session.completed", "invoice.payment_failed", etc.
	Type string

	Kind EventKind

	// OccurredAt is when the event happened according to the provider
	OccurredAt time.Time

	// ReceivedAt is when the webhook was accepted
	ReceivedAt time.Time

	UserID         string
	CustomerID     string
	CustomerEmail  string
	SubscriptionID string

	// ProviderStatus is the raw subscription status (subscription events)
	ProviderStatus string

	// MembershipType is the raw membership hint from checkout or subscription metadata
	MembershipType string

	// PaymentPending is set for checkouts completed before payment cleared
	PaymentPending bool

	// EndedAt is when a deleted subscription ended, if the provider reported it
	EndedAt *time.Time

	// Payload is the raw verified body
	Payload []byte
}
