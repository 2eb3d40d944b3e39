package billing

import (
	"context"
	"net/http"
)

// Provider is the interface a payment backend implements for the membership site.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that receives provider events.
	// The implementation verifies, translates and hands events to the Reconciler.
	WebhookHandler() http.Handler

	// CreateCheckoutSession starts a hosted checkout for a catalog plan. It
	// never changes subscription state; that happens when the provider
	// reports the completed checkout through the webhook.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// SyncUser re-reads the user's subscription from the provider and
	// reconciles it. Used by operators when a webhook was lost.
	SyncUser(ctx context.Context, userID string) (*Result, error)
}
