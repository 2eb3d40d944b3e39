// Package postgres provides a PostgreSQL implementation of membership.Storage.
// Subscription updates run in a transaction with SELECT FOR UPDATE so the
// last-writer-wins comparison and the write are a single step per user.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alliedcare/membersync/pkg/membership"
)

//go:embed schema.sql
var schemaSQL string

const maxErrorLen = 1024

// Storage implements membership.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	now    func() time.Time

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	RecordTTL       time.Duration // Retention of processed events and sent notifications
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 6 * time.Hour,
		RecordTTL:       90 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %w", membership.ErrStorageUnavailable, err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Storage{
		pool:        pool,
		config:      config,
		now:         func() time.Time { return time.Now().UTC() },
		stopCleanup: cancel,
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.RecordTTL > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the tables and indexes when they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// Ping checks connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const userColumns = `id, email, full_name, role, COALESCE(customer_id, ''), COALESCE(subscription_id, ''),
	subscription_status, COALESCE(membership_type, ''), subscription_updated_at, subscription_ended_at, created_at`

func scanUser(row pgx.Row) (*membership.User, error) {
	var (
		u         membership.User
		role      string
		status    string
		mtype     string
		updatedAt *time.Time
		endedAt   *time.Time
	)
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &role, &u.CustomerID, &u.SubscriptionID,
		&status, &mtype, &updatedAt, &endedAt, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, membership.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.Role = membership.Role(role)
	u.SubscriptionStatus = membership.SubscriptionStatus(status)
	u.MembershipType = membership.MembershipType(mtype)
	if updatedAt != nil {
		u.SubscriptionUpdatedAt = updatedAt.UTC()
	}
	if endedAt != nil {
		t := endedAt.UTC()
		u.SubscriptionEndedAt = &t
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

// PutUser creates or replaces a user record. Sign-up owns user rows; the
// billing core only updates subscription fields.
func (s *Storage) PutUser(ctx context.Context, u *membership.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("invalid user")
	}
	role := u.Role
	if role == "" {
		role = membership.BaseRole
	}
	status := u.SubscriptionStatus
	if status == "" {
		status = membership.StatusNone
	}
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	var updatedAt *time.Time
	if !u.SubscriptionUpdatedAt.IsZero() {
		updatedAt = &u.SubscriptionUpdatedAt
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, full_name, role, customer_id, subscription_id, subscription_status,
			membership_type, subscription_updated_at, subscription_ended_at, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, NULLIF($8, ''), $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			full_name = EXCLUDED.full_name,
			role = EXCLUDED.role,
			customer_id = EXCLUDED.customer_id,
			subscription_id = EXCLUDED.subscription_id,
			subscription_status = EXCLUDED.subscription_status,
			membership_type = EXCLUDED.membership_type,
			subscription_updated_at = EXCLUDED.subscription_updated_at,
			subscription_ended_at = EXCLUDED.subscription_ended_at`,
		u.ID, u.Email, u.FullName, string(role), u.CustomerID, u.SubscriptionID, string(status),
		string(u.MembershipType), updatedAt, u.SubscriptionEndedAt, createdAt)
	if err != nil {
		return fmt.Errorf("failed to put user: %w", err)
	}
	return nil
}

// GetUser implements membership.UserStore
func (s *Storage) GetUser(ctx context.Context, userID string) (*membership.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
}

// FindUserByEmail implements membership.UserStore
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*membership.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, membership.ErrUserNotFound
	}
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
}

// FindUserByCustomerID implements membership.UserStore
func (s *Storage) FindUserByCustomerID(ctx context.Context, customerID string) (*membership.User, error) {
	if customerID == "" {
		return nil, membership.ErrUserNotFound
	}
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE customer_id = $1 ORDER BY created_at LIMIT 1`, customerID))
}

// FindUserBySubscriptionID implements membership.UserStore
func (s *Storage) FindUserBySubscriptionID(ctx context.Context, subscriptionID string) (*membership.User, error) {
	if subscriptionID == "" {
		return nil, membership.ErrUserNotFound
	}
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE subscription_id = $1 ORDER BY created_at LIMIT 1`, subscriptionID))
}

// ApplySubscriptionUpdate implements membership.UserStore
func (s *Storage) ApplySubscriptionUpdate(ctx context.Context, upd *membership.SubscriptionUpdate) (bool, error) {
	if upd == nil || upd.UserID == "" || upd.OccurredAt.IsZero() {
		return false, membership.ErrInvalidUpdate
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the row so concurrent events for this user apply one at a time
	u, err := scanUser(tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, upd.UserID))
	if err != nil {
		return false, err
	}
	if !u.Supersedes(upd) {
		return false, nil
	}
	u.Apply(upd)

	_, err = tx.Exec(ctx,
		`UPDATE users SET
			role = $2,
			subscription_status = $3,
			subscription_id = NULLIF($4, ''),
			customer_id = NULLIF($5, ''),
			membership_type = NULLIF($6, ''),
			subscription_updated_at = $7,
			subscription_ended_at = $8
		WHERE id = $1`,
		u.ID, string(u.Role), string(u.SubscriptionStatus), u.SubscriptionID, u.CustomerID,
		string(u.MembershipType), u.SubscriptionUpdatedAt, u.SubscriptionEndedAt)
	if err != nil {
		return false, fmt.Errorf("failed to update user: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// BeginEvent implements membership.EventLedger. The claim is one statement:
// a new id inserts, a failed or lease-expired record is reclaimed, and any
// other existing record leaves the row untouched.
func (s *Storage) BeginEvent(
	ctx context.Context, rec *membership.EventRecord, lease time.Duration,
) (membership.ClaimResult, error) {
	if rec == nil || rec.ID == "" {
		return membership.ClaimAcquired, fmt.Errorf("invalid event record")
	}

	now := s.now()
	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}

	var attempts int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO billing_events (id, provider, type, occurred_at, received_at, payload,
			signature_valid, status, attempts, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'processing', 1, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = 'processing',
			attempts = billing_events.attempts + 1,
			claimed_at = EXCLUDED.claimed_at
		WHERE billing_events.status = 'failed'
			OR (billing_events.status = 'processing' AND billing_events.claimed_at <= $9)
		RETURNING attempts`,
		rec.ID, rec.Provider, rec.Type, rec.OccurredAt, receivedAt, rec.Payload,
		rec.SignatureValid, now, now.Add(-lease)).Scan(&attempts)
	if err == nil {
		return membership.ClaimAcquired, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return membership.ClaimAcquired, fmt.Errorf("failed to claim event: %w", err)
	}

	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM billing_events WHERE id = $1`, rec.ID).Scan(&status)
	if err != nil {
		return membership.ClaimAcquired, fmt.Errorf("failed to read event status: %w", err)
	}
	if membership.EventStatus(status) == membership.EventProcessed {
		return membership.ClaimDuplicate, nil
	}
	return membership.ClaimInFlight, nil
}

// CompleteEvent implements membership.EventLedger
func (s *Storage) CompleteEvent(ctx context.Context, eventID string, outcome membership.EventOutcome) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE billing_events SET status = 'processed', outcome = $2, last_error = NULL, processed_at = $3
		WHERE id = $1`,
		eventID, string(outcome), s.now())
	if err != nil {
		return fmt.Errorf("failed to complete event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return membership.ErrEventNotFound
	}
	return nil
}

// FailEvent implements membership.EventLedger
func (s *Storage) FailEvent(ctx context.Context, eventID string, cause string) error {
	if len(cause) > maxErrorLen {
		cause = cause[:maxErrorLen]
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE billing_events SET status = 'failed', last_error = $2 WHERE id = $1`,
		eventID, cause)
	if err != nil {
		return fmt.Errorf("failed to release event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return membership.ErrEventNotFound
	}
	return nil
}

// GetEvent implements membership.EventLedger
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*membership.EventRecord, error) {
	var (
		rec     membership.EventRecord
		status  string
		outcome *string
		lastErr *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, provider, type, occurred_at, received_at, payload, signature_valid, status,
			outcome, attempts, last_error, claimed_at, processed_at
		FROM billing_events WHERE id = $1`,
		eventID).Scan(&rec.ID, &rec.Provider, &rec.Type, &rec.OccurredAt, &rec.ReceivedAt, &rec.Payload,
		&rec.SignatureValid, &status, &outcome, &rec.Attempts, &lastErr, &rec.ClaimedAt, &rec.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, membership.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	rec.Status = membership.EventStatus(status)
	if outcome != nil {
		rec.Outcome = membership.EventOutcome(*outcome)
	}
	if lastErr != nil {
		rec.LastError = *lastErr
	}
	rec.OccurredAt = rec.OccurredAt.UTC()
	rec.ReceivedAt = rec.ReceivedAt.UTC()
	rec.ClaimedAt = rec.ClaimedAt.UTC()
	return &rec, nil
}

// ReserveNotification implements membership.NotificationLog
func (s *Storage) ReserveNotification(ctx context.Context, n *membership.Notification) (bool, error) {
	if n == nil || n.DedupeKey == "" {
		return false, fmt.Errorf("invalid notification")
	}
	metadata, err := json.Marshal(n.Metadata)
	if err != nil {
		return false, fmt.Errorf("failed to encode metadata: %w", err)
	}
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (dedupe_key, id, kind, recipient, subject, body, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		n.DedupeKey, n.ID, string(n.Kind), n.Recipient, n.Subject, n.Body, metadata, createdAt)
	if err != nil {
		return false, fmt.Errorf("failed to reserve notification: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinishNotification implements membership.NotificationLog
func (s *Storage) FinishNotification(ctx context.Context, dedupeKey string, status membership.NotificationStatus,
	providerMessageID, errMsg string) error {
	if len(errMsg) > maxErrorLen {
		errMsg = errMsg[:maxErrorLen]
	}
	var sentAt *time.Time
	if status == membership.NotificationSent {
		now := s.now()
		sentAt = &now
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET status = $2, provider_message_id = NULLIF($3, ''), error = NULLIF($4, ''),
			sent_at = COALESCE($5, sent_at)
		WHERE dedupe_key = $1`,
		dedupeKey, string(status), providerMessageID, errMsg, sentAt)
	if err != nil {
		return fmt.Errorf("failed to finish notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return membership.ErrNotificationNotFound
	}
	return nil
}

// GetNotification implements membership.NotificationLog
func (s *Storage) GetNotification(ctx context.Context, dedupeKey string) (*membership.Notification, error) {
	var (
		n         membership.Notification
		kind      string
		status    string
		messageID *string
		errMsg    *string
		metadata  []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT dedupe_key, id, kind, recipient, subject, body, status, provider_message_id, error,
			metadata, created_at, sent_at
		FROM notifications WHERE dedupe_key = $1`,
		dedupeKey).Scan(&n.DedupeKey, &n.ID, &kind, &n.Recipient, &n.Subject, &n.Body, &status,
		&messageID, &errMsg, &metadata, &n.CreatedAt, &n.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, membership.ErrNotificationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}

	n.Kind = membership.NotificationKind(kind)
	n.Status = membership.NotificationStatus(status)
	if messageID != nil {
		n.ProviderMessageID = *messageID
	}
	if errMsg != nil {
		n.Error = *errMsg
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &n.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	n.CreatedAt = n.CreatedAt.UTC()
	return &n, nil
}

// startCleanup runs periodic cleanup of expired records
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Errors are retried on the next tick
			_ = s.Cleanup(ctx)
		}
	}
}

// Cleanup deletes processed events and finished notifications older than
// RecordTTL. Records still processing, failed or pending are kept.
func (s *Storage) Cleanup(ctx context.Context) error {
	cutoff := s.now().Add(-s.config.RecordTTL)

	_, err := s.pool.Exec(ctx,
		`DELETE FROM billing_events WHERE status = 'processed' AND processed_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to clean up events: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`DELETE FROM notifications WHERE status <> 'pending' AND created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to clean up notifications: %w", err)
	}
	return nil
}
