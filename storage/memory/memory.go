// Package memory provides an in-memory implementation of the membership.Storage interface.
// This implementation is primarily intended for testing and development: nothing
// survives a restart, so production deployments use postgres, redis or firestore.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alliedcare/membersync/pkg/membership"
)

// Storage implements membership.Storage using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	users         map[string]*membership.User
	events        map[string]*membership.EventRecord
	notifications map[string]*membership.Notification
	writes        int

	now func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:         make(map[string]*membership.User),
		events:        make(map[string]*membership.EventRecord),
		notifications: make(map[string]*membership.Notification),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for claims and timestamps.
func (s *Storage) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PutUser creates or replaces a user record.
func (s *Storage) PutUser(_ context.Context, u *membership.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("invalid user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	userCopy := copyUser(u)
	if userCopy.SubscriptionStatus == "" {
		userCopy.SubscriptionStatus = membership.StatusNone
	}
	if userCopy.Role == "" {
		userCopy.Role = membership.BaseRole
	}
	if userCopy.CreatedAt.IsZero() {
		userCopy.CreatedAt = s.now()
	}
	s.users[u.ID] = userCopy
	s.writes++
	return nil
}

// Writes returns the number of mutating calls that changed state. Tests use
// it to assert that rejected requests touched nothing.
func (s *Storage) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// GetUser implements membership.UserStore
func (s *Storage) GetUser(_ context.Context, userID string) (*membership.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, membership.ErrUserNotFound
	}
	return copyUser(u), nil
}

// FindUserByEmail implements membership.UserStore
func (s *Storage) FindUserByEmail(_ context.Context, email string) (*membership.User, error) {
	email = strings.TrimSpace(email)
	return s.findUser(func(u *membership.User) bool {
		return email != "" && strings.EqualFold(u.Email, email)
	})
}

// FindUserByCustomerID implements membership.UserStore
func (s *Storage) FindUserByCustomerID(_ context.Context, customerID string) (*membership.User, error) {
	return s.findUser(func(u *membership.User) bool {
		return customerID != "" && u.CustomerID == customerID
	})
}

// FindUserBySubscriptionID implements membership.UserStore
func (s *Storage) FindUserBySubscriptionID(_ context.Context, subscriptionID string) (*membership.User, error) {
	return s.findUser(func(u *membership.User) bool {
		return subscriptionID != "" && u.SubscriptionID == subscriptionID
	})
}

func (s *Storage) findUser(match func(*membership.User) bool) (*membership.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if match(u) {
			return copyUser(u), nil
		}
	}
	return nil, membership.ErrUserNotFound
}

// ApplySubscriptionUpdate implements membership.UserStore. The write lock
// makes the timestamp comparison and the write a single step.
func (s *Storage) ApplySubscriptionUpdate(_ context.Context, upd *membership.SubscriptionUpdate) (bool, error) {
	if upd == nil || upd.UserID == "" || upd.OccurredAt.IsZero() {
		return false, membership.ErrInvalidUpdate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[upd.UserID]
	if !ok {
		return false, membership.ErrUserNotFound
	}
	if !u.Supersedes(upd) {
		return false, nil
	}

	u.Apply(upd)
	s.writes++
	return true, nil
}

// BeginEvent implements membership.EventLedger
func (s *Storage) BeginEvent(
	_ context.Context, rec *membership.EventRecord, lease time.Duration,
) (membership.ClaimResult, error) {
	if rec == nil || rec.ID == "" {
		return membership.ClaimAcquired, fmt.Errorf("invalid event record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.events[rec.ID]
	if ok {
		switch existing.Status {
		case membership.EventProcessed:
			return membership.ClaimDuplicate, nil
		case membership.EventProcessing:
			if now.Sub(existing.ClaimedAt) < lease {
				return membership.ClaimInFlight, nil
			}
		}
		existing.Status = membership.EventProcessing
		existing.Attempts++
		existing.ClaimedAt = now
		s.writes++
		return membership.ClaimAcquired, nil
	}

	recCopy := *rec
	recCopy.Payload = append([]byte(nil), rec.Payload...)
	recCopy.Status = membership.EventProcessing
	recCopy.Attempts = 1
	recCopy.ClaimedAt = now
	if recCopy.ReceivedAt.IsZero() {
		recCopy.ReceivedAt = now
	}
	s.events[rec.ID] = &recCopy
	s.writes++
	return membership.ClaimAcquired, nil
}

// CompleteEvent implements membership.EventLedger
func (s *Storage) CompleteEvent(_ context.Context, eventID string, outcome membership.EventOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[eventID]
	if !ok {
		return membership.ErrEventNotFound
	}
	now := s.now()
	rec.Status = membership.EventProcessed
	rec.Outcome = outcome
	rec.LastError = ""
	rec.ProcessedAt = &now
	s.writes++
	return nil
}

// FailEvent implements membership.EventLedger
func (s *Storage) FailEvent(_ context.Context, eventID string, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[eventID]
	if !ok {
		return membership.ErrEventNotFound
	}
	rec.Status = membership.EventFailed
	rec.LastError = cause
	s.writes++
	return nil
}

// GetEvent implements membership.EventLedger
func (s *Storage) GetEvent(_ context.Context, eventID string) (*membership.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.events[eventID]
	if !ok {
		return nil, membership.ErrEventNotFound
	}
	recCopy := *rec
	return &recCopy, nil
}

// ReserveNotification implements membership.NotificationLog
func (s *Storage) ReserveNotification(_ context.Context, n *membership.Notification) (bool, error) {
	if n == nil || n.DedupeKey == "" {
		return false, fmt.Errorf("invalid notification")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.notifications[n.DedupeKey]; ok {
		return false, nil
	}
	nCopy := *n
	nCopy.Status = membership.NotificationPending
	if nCopy.CreatedAt.IsZero() {
		nCopy.CreatedAt = s.now()
	}
	s.notifications[n.DedupeKey] = &nCopy
	s.writes++
	return true, nil
}

// FinishNotification implements membership.NotificationLog
func (s *Storage) FinishNotification(_ context.Context, dedupeKey string, status membership.NotificationStatus,
	providerMessageID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[dedupeKey]
	if !ok {
		return membership.ErrNotificationNotFound
	}
	n.Status = status
	n.ProviderMessageID = providerMessageID
	n.Error = errMsg
	if status == membership.NotificationSent {
		now := s.now()
		n.SentAt = &now
	}
	s.writes++
	return nil
}

// GetNotification implements membership.NotificationLog
func (s *Storage) GetNotification(_ context.Context, dedupeKey string) (*membership.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.notifications[dedupeKey]
	if !ok {
		return nil, membership.ErrNotificationNotFound
	}
	nCopy := *n
	return &nCopy, nil
}

// Notifications returns every notification record, in no particular order.
func (s *Storage) Notifications() []*membership.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*membership.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		nCopy := *n
		out = append(out, &nCopy)
	}
	return out
}

func copyUser(u *membership.User) *membership.User {
	userCopy := *u
	if u.SubscriptionEndedAt != nil {
		ended := *u.SubscriptionEndedAt
		userCopy.SubscriptionEndedAt = &ended
	}
	return &userCopy
}
