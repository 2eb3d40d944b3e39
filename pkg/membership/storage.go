package membership

import (
	"context"
	"time"
)

// UserStore is the user table as seen by the billing core.
type UserStore interface {
	// GetUser returns the user with the given id or ErrUserNotFound.
	GetUser(ctx context.Context, userID string) (*User, error)

	// FindUserByEmail matches case-insensitively.
	FindUserByEmail(ctx context.Context, email string) (*User, error)

	// FindUserByCustomerID looks up the payment provider customer reference.
	FindUserByCustomerID(ctx context.Context, customerID string) (*User, error)

	// FindUserBySubscriptionID looks up the recorded subscription reference.
	FindUserBySubscriptionID(ctx context.Context, subscriptionID string) (*User, error)

	// ApplySubscriptionUpdate atomically applies upd when it supersedes the
	// stored state (see User.Supersedes). It reports whether the row changed.
	// Returns ErrUserNotFound when the user does not exist.
	ApplySubscriptionUpdate(ctx context.Context, upd *SubscriptionUpdate) (bool, error)
}

// EventStatus is the processing state of a ledger record.
type EventStatus string

const (
	EventProcessing EventStatus = "processing"
	EventProcessed  EventStatus = "processed"
	EventFailed     EventStatus = "failed"
)

// EventOutcome records what reconciling an event did.
type EventOutcome string

const (
	OutcomeApplied    EventOutcome = "applied"
	OutcomeDuplicate  EventOutcome = "duplicate"
	OutcomeStale      EventOutcome = "stale"
	OutcomeUnresolved EventOutcome = "unresolved"
	OutcomeIgnored    EventOutcome = "ignored"
)

// EventRecord is the durable ledger entry for one provider event id.
type EventRecord struct {
	ID             string
	Provider       string
	Type           string
	OccurredAt     time.Time
	ReceivedAt     time.Time
	Payload        []byte
	SignatureValid bool
	Status         EventStatus
	Outcome        EventOutcome
	Attempts       int
	LastError      string
	ClaimedAt      time.Time
	ProcessedAt    *time.Time
}

// ClaimResult is the answer of EventLedger.BeginEvent.
type ClaimResult int

const (
	// ClaimAcquired means the caller owns the event and must complete or fail it.
	ClaimAcquired ClaimResult = iota
	// ClaimDuplicate means the event was already processed.
	ClaimDuplicate
	// ClaimInFlight means another delivery holds an unexpired claim.
	ClaimInFlight
)

func (c ClaimResult) String() string {
	switch c {
	case ClaimAcquired:
		return "acquired"
	case ClaimDuplicate:
		return "duplicate"
	case ClaimInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// EventLedger persists the set of provider events already applied.
type EventLedger interface {
	// BeginEvent claims rec.ID. A new id, a failed record, or a processing
	// record whose claim is older than lease is (re)claimed and its attempt
	// count incremented.
	BeginEvent(ctx context.Context, rec *EventRecord, lease time.Duration) (ClaimResult, error)

	// CompleteEvent marks a claimed event processed with the given outcome.
	CompleteEvent(ctx context.Context, eventID string, outcome EventOutcome) error

	// FailEvent releases a claim so a redelivery can retry it.
	FailEvent(ctx context.Context, eventID string, cause string) error

	// GetEvent returns the ledger record or ErrEventNotFound.
	GetEvent(ctx context.Context, eventID string) (*EventRecord, error)
}

// NotificationLog deduplicates and records outbound notifications.
type NotificationLog interface {
	// ReserveNotification stores n in pending state unless its DedupeKey
	// already exists. It reports whether the reservation is new.
	ReserveNotification(ctx context.Context, n *Notification) (bool, error)

	// FinishNotification records the delivery result for a reserved key.
	FinishNotification(ctx context.Context, dedupeKey string, status NotificationStatus,
		providerMessageID, errMsg string) error

	// GetNotification returns the record or ErrNotificationNotFound.
	GetNotification(ctx context.Context, dedupeKey string) (*Notification, error)
}

// Storage bundles every persistence concern of the billing core.
type Storage interface {
	UserStore
	EventLedger
	NotificationLog
}
