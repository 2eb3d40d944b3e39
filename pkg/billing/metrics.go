package billing

import "time"

// Metrics defines the interface for tracking billing operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// status: the reconcile outcome ("applied", "duplicate", ...) or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook rejection or processing error.
	// errorType: e.g. "signature_mismatch", "payload_too_large", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordReconcileOutcome records the outcome of reconciling one event.
	RecordReconcileOutcome(kind, outcome string)

	// RecordStatusTransition records an applied subscription status change.
	RecordStatusTransition(from, to string)

	// RecordRoleChange records when reconciliation changes a user's role.
	RecordRoleChange(from, to string)

	// RecordUserSync records an operator-triggered resync.
	// status: "success" or "error"
	RecordUserSync(provider, status string)

	// RecordUserSyncDuration records how long a user sync took.
	RecordUserSyncDuration(provider string, duration time.Duration)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: The API endpoint called (e.g., "/checkout/sessions")
	// status: "success" or "error"
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordReconcileOutcome(_, _ string)                           {}
func (n *NoopMetrics) RecordStatusTransition(_, _ string)                           {}
func (n *NoopMetrics) RecordRoleChange(_, _ string)                                 {}
func (n *NoopMetrics) RecordUserSync(_, _ string)                                   {}
func (n *NoopMetrics) RecordUserSyncDuration(_ string, _ time.Duration)             {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
