package membership

import "time"

// NotificationKind selects the template of an outbound email.
type NotificationKind string

const (
	NotifyWelcome       NotificationKind = "welcome"
	NotifyPastDue       NotificationKind = "past_due"
	NotifyCanceled      NotificationKind = "canceled"
	NotifyOperatorAlert NotificationKind = "operator_alert"
)

// NotificationStatus is the delivery state of a notification.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationError   NotificationStatus = "error"
)

// NotificationRequest asks the emitter for one email.
type NotificationRequest struct {
	Kind      NotificationKind
	Recipient string

	// DedupeKey identifies the logical notification. A key is delivered at
	// most once.
	DedupeKey string

	// Metadata is substituted into the template.
	Metadata map[string]string
}

// Notification is the record of one outbound email.
type Notification struct {
	ID                string             `json:"id"`
	DedupeKey         string             `json:"dedupeKey"`
	Kind              NotificationKind   `json:"kind"`
	Recipient         string             `json:"recipient"`
	Subject           string             `json:"subject"`
	Body              string             `json:"body"`
	Status            NotificationStatus `json:"status"`
	ProviderMessageID string             `json:"providerMessageId,omitempty"`
	Error             string             `json:"error,omitempty"`
	Metadata          map[string]string  `json:"metadata,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	SentAt            *time.Time         `json:"sentAt,omitempty"`
}

// NotificationKey builds the dedupe key for a notification caused by an event.
func NotificationKey(kind NotificationKind, eventID string) string {
	return string(kind) + ":" + eventID
}
