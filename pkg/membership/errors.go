package membership

import "errors"

var (
	// ErrUserNotFound is returned when no user matches a lookup key
	ErrUserNotFound = errors.New("user not found")

	// ErrEventNotFound is returned when the ledger has no record for an event id
	ErrEventNotFound = errors.New("billing event not found")

	// ErrNotificationNotFound is returned when no notification matches a dedupe key
	ErrNotificationNotFound = errors.New("notification not found")

	// ErrInvalidUpdate is returned for subscription updates missing a user or timestamp
	ErrInvalidUpdate = errors.New("invalid subscription update")

	// ErrStorageUnavailable is returned when a backing store cannot be reached
	ErrStorageUnavailable = errors.New("storage unavailable")
)
