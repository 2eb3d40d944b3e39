// Package notify renders and delivers the transactional emails caused by
// subscription transitions. Every email is reserved in a NotificationLog under
// its dedupe key before it is sent, so a key is delivered at most once.
package notify

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownKind is returned for a notification kind without a template
	ErrUnknownKind = errors.New("unknown notification kind")

	// ErrNoRecipient is returned when a request has no recipient address
	ErrNoRecipient = errors.New("notification has no recipient")

	// ErrEmitterClosed is returned by Deliver after Close
	ErrEmitterClosed = errors.New("notification emitter is closed")
)

// Message is a rendered email ready for a Sender.
type Message struct {
	// ID is unique per message and used to build the Message-ID header
	ID       string
	To       string
	Subject  string
	TextBody string
	HTMLBody string
}

// Sender delivers a rendered message through an email provider and returns the
// provider's message id.
type Sender interface {
	Send(ctx context.Context, msg *Message) (string, error)
}

// Metrics tracks notification delivery.
type Metrics interface {
	// RecordNotification records a delivery attempt result
	// status: "sent", "error", "duplicate", "skipped"
	RecordNotification(kind, status string)

	// RecordNotificationDuration records how long the provider call took
	RecordNotificationDuration(kind string, duration time.Duration)

	// RecordCircuitState records a circuit breaker state change
	RecordCircuitState(state string)
}

// NoopMetrics is a no-op implementation of Metrics.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordNotification(_, _ string)                      {}
func (n *NoopMetrics) RecordNotificationDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordCircuitState(_ string)                          {}
