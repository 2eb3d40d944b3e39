// Package firestore provides a Firestore implementation of membership.Storage.
// Subscription updates and ledger claims run in Firestore transactions.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/alliedcare/membersync/pkg/membership"
)

const maxErrorLen = 1024

// Storage implements membership.Storage using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	usersCollection         string
	eventsCollection        string
	notificationsCollection string
	now                     func() time.Time
}

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection is the Firestore collection for user accounts
	// Default: "users"
	UsersCollection string

	// EventsCollection is the Firestore collection for the billing event ledger
	// Default: "billing_events"
	EventsCollection string

	// NotificationsCollection is the Firestore collection for outbound emails
	// Default: "notifications"
	NotificationsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_events"
	}
	if config.NotificationsCollection == "" {
		config.NotificationsCollection = "notifications"
	}

	return &Storage{
		client:                  client,
		usersCollection:         config.UsersCollection,
		eventsCollection:        config.EventsCollection,
		notificationsCollection: config.NotificationsCollection,
		now:                     func() time.Time { return time.Now().UTC() },
	}, nil
}

// PutUser creates or replaces a user document
func (s *Storage) PutUser(ctx context.Context, u *membership.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("invalid user")
	}
	uCopy := *u
	if uCopy.Role == "" {
		uCopy.Role = membership.BaseRole
	}
	if uCopy.SubscriptionStatus == "" {
		uCopy.SubscriptionStatus = membership.StatusNone
	}
	if uCopy.CreatedAt.IsZero() {
		uCopy.CreatedAt = s.now()
	}

	data := map[string]interface{}{
		"email":                 uCopy.Email,
		"emailLower":            strings.ToLower(strings.TrimSpace(uCopy.Email)),
		"fullName":              uCopy.FullName,
		"role":                  string(uCopy.Role),
		"customerId":            uCopy.CustomerID,
		"subscriptionId":        uCopy.SubscriptionID,
		"subscriptionStatus":    string(uCopy.SubscriptionStatus),
		"membershipType":        string(uCopy.MembershipType),
		"subscriptionUpdatedAt": uCopy.SubscriptionUpdatedAt,
		"createdAt":             uCopy.CreatedAt,
	}
	if uCopy.SubscriptionEndedAt != nil {
		data["subscriptionEndedAt"] = *uCopy.SubscriptionEndedAt
	}

	if _, err := s.userDoc(u.ID).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to put user: %w", err)
	}
	return nil
}

// GetUser implements membership.UserStore
func (s *Storage) GetUser(ctx context.Context, userID string) (*membership.User, error) {
	snap, err := s.userDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, membership.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if !snap.Exists() {
		return nil, membership.ErrUserNotFound
	}
	return userFromSnapshot(snap), nil
}

// FindUserByEmail implements membership.UserStore
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*membership.User, error) {
	return s.findUser(ctx, "emailLower", strings.ToLower(strings.TrimSpace(email)))
}

// FindUserByCustomerID implements membership.UserStore
func (s *Storage) FindUserByCustomerID(ctx context.Context, customerID string) (*membership.User, error) {
	return s.findUser(ctx, "customerId", customerID)
}

// FindUserBySubscriptionID implements membership.UserStore
func (s *Storage) FindUserBySubscriptionID(ctx context.Context, subscriptionID string) (*membership.User, error) {
	return s.findUser(ctx, "subscriptionId", subscriptionID)
}

func (s *Storage) findUser(ctx context.Context, field, value string) (*membership.User, error) {
	if value == "" {
		return nil, membership.ErrUserNotFound
	}
	snaps, err := s.client.Collection(s.usersCollection).
		Where(field, "==", value).
		Limit(1).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query users by %s: %w", field, err)
	}
	if len(snaps) == 0 {
		return nil, membership.ErrUserNotFound
	}
	return userFromSnapshot(snaps[0]), nil
}

// ApplySubscriptionUpdate implements membership.UserStore
func (s *Storage) ApplySubscriptionUpdate(ctx context.Context, upd *membership.SubscriptionUpdate) (bool, error) {
	if upd == nil || upd.UserID == "" || upd.OccurredAt.IsZero() {
		return false, membership.ErrInvalidUpdate
	}

	doc := s.userDoc(upd.UserID)
	var applied bool
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		// The function may be retried on contention
		applied = false

		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return membership.ErrUserNotFound
			}
			return err
		}

		u := userFromSnapshot(snap)
		if !u.Supersedes(upd) {
			return nil
		}
		u.Apply(upd)

		var endedAt interface{} = firestore.Delete
		if u.SubscriptionEndedAt != nil {
			endedAt = *u.SubscriptionEndedAt
		}
		applied = true
		return tx.Update(doc, []firestore.Update{
			{Path: "role", Value: string(u.Role)},
			{Path: "subscriptionStatus", Value: string(u.SubscriptionStatus)},
			{Path: "subscriptionId", Value: u.SubscriptionID},
			{Path: "customerId", Value: u.CustomerID},
			{Path: "membershipType", Value: string(u.MembershipType)},
			{Path: "subscriptionUpdatedAt", Value: u.SubscriptionUpdatedAt},
			{Path: "subscriptionEndedAt", Value: endedAt},
		})
	})
	if err != nil {
		if errors.Is(err, membership.ErrUserNotFound) {
			return false, err
		}
		return false, fmt.Errorf("failed to apply subscription update: %w", err)
	}
	return applied, nil
}

// BeginEvent implements membership.EventLedger
func (s *Storage) BeginEvent(
	ctx context.Context, rec *membership.EventRecord, lease time.Duration,
) (membership.ClaimResult, error) {
	if rec == nil || rec.ID == "" {
		return membership.ClaimAcquired, fmt.Errorf("invalid event record")
	}

	doc := s.client.Collection(s.eventsCollection).Doc(rec.ID)
	var result membership.ClaimResult
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		now := s.now()

		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		if snap == nil || !snap.Exists() {
			receivedAt := rec.ReceivedAt
			if receivedAt.IsZero() {
				receivedAt = now
			}
			result = membership.ClaimAcquired
			return tx.Create(doc, map[string]interface{}{
				"provider":       rec.Provider,
				"type":           rec.Type,
				"occurredAt":     rec.OccurredAt,
				"receivedAt":     receivedAt,
				"payload":        rec.Payload,
				"signatureValid": rec.SignatureValid,
				"status":         string(membership.EventProcessing),
				"attempts":       1,
				"claimedAt":      now,
			})
		}

		data := snap.Data()
		switch membership.EventStatus(getString(data, "status")) {
		case membership.EventProcessed:
			result = membership.ClaimDuplicate
			return nil
		case membership.EventProcessing:
			if now.Sub(getTime(data, "claimedAt")) < lease {
				result = membership.ClaimInFlight
				return nil
			}
		}

		result = membership.ClaimAcquired
		return tx.Update(doc, []firestore.Update{
			{Path: "status", Value: string(membership.EventProcessing)},
			{Path: "attempts", Value: getInt(data, "attempts") + 1},
			{Path: "claimedAt", Value: now},
		})
	})
	if err != nil {
		return membership.ClaimAcquired, fmt.Errorf("failed to claim event: %w", err)
	}
	return result, nil
}

// CompleteEvent implements membership.EventLedger
func (s *Storage) CompleteEvent(ctx context.Context, eventID string, outcome membership.EventOutcome) error {
	_, err := s.client.Collection(s.eventsCollection).Doc(eventID).Update(ctx, []firestore.Update{
		{Path: "status", Value: string(membership.EventProcessed)},
		{Path: "outcome", Value: string(outcome)},
		{Path: "lastError", Value: firestore.Delete},
		{Path: "processedAt", Value: s.now()},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return membership.ErrEventNotFound
		}
		return fmt.Errorf("failed to complete event: %w", err)
	}
	return nil
}

// FailEvent implements membership.EventLedger
func (s *Storage) FailEvent(ctx context.Context, eventID string, cause string) error {
	if len(cause) > maxErrorLen {
		cause = cause[:maxErrorLen]
	}
	_, err := s.client.Collection(s.eventsCollection).Doc(eventID).Update(ctx, []firestore.Update{
		{Path: "status", Value: string(membership.EventFailed)},
		{Path: "lastError", Value: cause},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return membership.ErrEventNotFound
		}
		return fmt.Errorf("failed to release event: %w", err)
	}
	return nil
}

// GetEvent implements membership.EventLedger
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*membership.EventRecord, error) {
	snap, err := s.client.Collection(s.eventsCollection).Doc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, membership.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	data := snap.Data()
	rec := &membership.EventRecord{
		ID:             eventID,
		Provider:       getString(data, "provider"),
		Type:           getString(data, "type"),
		OccurredAt:     getTime(data, "occurredAt"),
		ReceivedAt:     getTime(data, "receivedAt"),
		SignatureValid: getBool(data, "signatureValid"),
		Status:         membership.EventStatus(getString(data, "status")),
		Outcome:        membership.EventOutcome(getString(data, "outcome")),
		Attempts:       getInt(data, "attempts"),
		LastError:      getString(data, "lastError"),
		ClaimedAt:      getTime(data, "claimedAt"),
	}
	if payload, ok := data["payload"].([]byte); ok {
		rec.Payload = payload
	}
	if t := getTime(data, "processedAt"); !t.IsZero() {
		rec.ProcessedAt = &t
	}
	return rec, nil
}

// ReserveNotification implements membership.NotificationLog. Create fails
// with AlreadyExists when the dedupe key is taken.
func (s *Storage) ReserveNotification(ctx context.Context, n *membership.Notification) (bool, error) {
	if n == nil || n.DedupeKey == "" {
		return false, fmt.Errorf("invalid notification")
	}
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	metadata := make(map[string]interface{}, len(n.Metadata))
	for k, v := range n.Metadata {
		metadata[k] = v
	}

	_, err := s.notificationDoc(n.DedupeKey).Create(ctx, map[string]interface{}{
		"id":        n.ID,
		"dedupeKey": n.DedupeKey,
		"kind":      string(n.Kind),
		"recipient": n.Recipient,
		"subject":   n.Subject,
		"body":      n.Body,
		"status":    string(membership.NotificationPending),
		"metadata":  metadata,
		"createdAt": createdAt,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return false, nil
		}
		return false, fmt.Errorf("failed to reserve notification: %w", err)
	}
	return true, nil
}

// FinishNotification implements membership.NotificationLog
func (s *Storage) FinishNotification(ctx context.Context, dedupeKey string, st membership.NotificationStatus,
	providerMessageID, errMsg string) error {
	if len(errMsg) > maxErrorLen {
		errMsg = errMsg[:maxErrorLen]
	}
	updates := []firestore.Update{
		{Path: "status", Value: string(st)},
		{Path: "providerMessageId", Value: providerMessageID},
		{Path: "error", Value: errMsg},
	}
	if st == membership.NotificationSent {
		updates = append(updates, firestore.Update{Path: "sentAt", Value: s.now()})
	}

	_, err := s.notificationDoc(dedupeKey).Update(ctx, updates)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return membership.ErrNotificationNotFound
		}
		return fmt.Errorf("failed to finish notification: %w", err)
	}
	return nil
}

// GetNotification implements membership.NotificationLog
func (s *Storage) GetNotification(ctx context.Context, dedupeKey string) (*membership.Notification, error) {
	snap, err := s.notificationDoc(dedupeKey).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, membership.ErrNotificationNotFound
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}

	data := snap.Data()
	n := &membership.Notification{
		ID:                getString(data, "id"),
		DedupeKey:         getString(data, "dedupeKey"),
		Kind:              membership.NotificationKind(getString(data, "kind")),
		Recipient:         getString(data, "recipient"),
		Subject:           getString(data, "subject"),
		Body:              getString(data, "body"),
		Status:            membership.NotificationStatus(getString(data, "status")),
		ProviderMessageID: getString(data, "providerMessageId"),
		Error:             getString(data, "error"),
		CreatedAt:         getTime(data, "createdAt"),
	}
	if raw, ok := data["metadata"].(map[string]interface{}); ok && len(raw) > 0 {
		n.Metadata = make(map[string]string, len(raw))
		for k, v := range raw {
			if sv, ok := v.(string); ok {
				n.Metadata[k] = sv
			}
		}
	}
	if t := getTime(data, "sentAt"); !t.IsZero() {
		n.SentAt = &t
	}
	return n, nil
}

func (s *Storage) userDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.usersCollection).Doc(userID)
}

// Dedupe keys contain ':' which Firestore allows in document ids
func (s *Storage) notificationDoc(dedupeKey string) *firestore.DocumentRef {
	return s.client.Collection(s.notificationsCollection).Doc(dedupeKey)
}

func userFromSnapshot(snap *firestore.DocumentSnapshot) *membership.User {
	data := snap.Data()
	u := &membership.User{
		ID:                    snap.Ref.ID,
		Email:                 getString(data, "email"),
		FullName:              getString(data, "fullName"),
		Role:                  membership.Role(getString(data, "role")),
		CustomerID:            getString(data, "customerId"),
		SubscriptionID:        getString(data, "subscriptionId"),
		SubscriptionStatus:    membership.SubscriptionStatus(getString(data, "subscriptionStatus")),
		MembershipType:        membership.MembershipType(getString(data, "membershipType")),
		SubscriptionUpdatedAt: getTime(data, "subscriptionUpdatedAt"),
		CreatedAt:             getTime(data, "createdAt"),
	}
	if u.SubscriptionStatus == "" {
		u.SubscriptionStatus = membership.StatusNone
	}
	if t := getTime(data, "subscriptionEndedAt"); !t.IsZero() {
		u.SubscriptionEndedAt = &t
	}
	return u
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok && !v.IsZero() {
		return v.UTC()
	}
	return time.Time{}
}
