// Package redis provides a Redis implementation of the billing event ledger
// and the notification log. Claims and state changes run as Lua scripts so
// each one is atomic. User records stay in a durable store; see
// storage/tiered for running this ledger in front of one.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alliedcare/membersync/pkg/membership"
)

const maxErrorLen = 1024

// Storage implements membership.EventLedger and membership.NotificationLog using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
	now     func() time.Time
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "membersync:")
	KeyPrefix string

	// EventTTL is the TTL for ledger records (0 = no expiration).
	// It must outlive the provider's redelivery window.
	EventTTL time.Duration

	// NotificationTTL is the TTL for notification records (0 = no expiration)
	NotificationTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:       "membersync:",
		EventTTL:        30 * 24 * time.Hour,
		NotificationTTL: 30 * 24 * time.Hour,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "membersync:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
		now:     func() time.Time { return time.Now().UTC() },
	}

	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Claim an event: insert, reclaim failed or lease-expired records,
	// otherwise report duplicate / in_flight
	s.scripts["claim"] = redis.NewScript(`
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local lease = tonumber(ARGV[2])
		local data = ARGV[3]
		local ttl = tonumber(ARGV[4])

		local status = redis.call('HGET', key, 'status')
		if not status then
			redis.call('HSET', key, 'status', 'processing', 'attempts', 1, 'claimed_at', ARGV[1], 'data', data)
			if ttl > 0 then
				redis.call('EXPIRE', key, ttl)
			end
			return 'acquired'
		end

		if status == 'processed' then
			return 'duplicate'
		end
		if status == 'processing' then
			local claimed = tonumber(redis.call('HGET', key, 'claimed_at') or '0')
			if now - claimed < lease then
				return 'in_flight'
			end
		end

		redis.call('HSET', key, 'status', 'processing', 'claimed_at', ARGV[1])
		redis.call('HINCRBY', key, 'attempts', 1)
		return 'acquired'
	`)

	s.scripts["complete"] = redis.NewScript(`
		local key = KEYS[1]
		if redis.call('EXISTS', key) == 0 then
			return 0
		end
		redis.call('HSET', key, 'status', 'processed', 'outcome', ARGV[1], 'processed_at', ARGV[2])
		redis.call('HDEL', key, 'last_error')
		return 1
	`)

	s.scripts["fail"] = redis.NewScript(`
		local key = KEYS[1]
		if redis.call('EXISTS', key) == 0 then
			return 0
		end
		redis.call('HSET', key, 'status', 'failed', 'last_error', ARGV[1])
		return 1
	`)

	s.scripts["reserve"] = redis.NewScript(`
		local key = KEYS[1]
		local ttl = tonumber(ARGV[2])
		if redis.call('EXISTS', key) == 1 then
			return 0
		end
		redis.call('HSET', key, 'status', 'pending', 'data', ARGV[1])
		if ttl > 0 then
			redis.call('EXPIRE', key, ttl)
		end
		return 1
	`)

	s.scripts["finish"] = redis.NewScript(`
		local key = KEYS[1]
		if redis.call('EXISTS', key) == 0 then
			return 0
		end
		redis.call('HSET', key, 'status', ARGV[1], 'provider_message_id', ARGV[2], 'error', ARGV[3])
		if ARGV[4] ~= '' then
			redis.call('HSET', key, 'sent_at', ARGV[4])
		end
		return 1
	`)
}

// eventData is the immutable part of a ledger record
type eventData struct {
	Provider       string    `json:"provider"`
	Type           string    `json:"type"`
	OccurredAt     time.Time `json:"occurredAt"`
	ReceivedAt     time.Time `json:"receivedAt"`
	Payload        []byte    `json:"payload,omitempty"`
	SignatureValid bool      `json:"signatureValid"`
}

// BeginEvent implements membership.EventLedger
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
	data, err := json.Marshal(eventData{
		Provider:       rec.Provider,
		Type:           rec.Type,
		OccurredAt:     rec.OccurredAt,
		ReceivedAt:     receivedAt,
		Payload:        rec.Payload,
		SignatureValid: rec.SignatureValid,
	})
	if err != nil {
		return membership.ClaimAcquired, fmt.Errorf("failed to encode event: %w", err)
	}

	result, err := s.scripts["claim"].Run(ctx, s.client,
		[]string{s.eventKey(rec.ID)},
		now.UnixMilli(), lease.Milliseconds(), string(data), int64(s.config.EventTTL.Seconds()),
	).Text()
	if err != nil {
		return membership.ClaimAcquired, fmt.Errorf("failed to claim event: %w", err)
	}

	switch result {
	case "acquired":
		return membership.ClaimAcquired, nil
	case "duplicate":
		return membership.ClaimDuplicate, nil
	case "in_flight":
		return membership.ClaimInFlight, nil
	default:
		return membership.ClaimAcquired, fmt.Errorf("unexpected claim result %q", result)
	}
}

// CompleteEvent implements membership.EventLedger
func (s *Storage) CompleteEvent(ctx context.Context, eventID string, outcome membership.EventOutcome) error {
	n, err := s.scripts["complete"].Run(ctx, s.client,
		[]string{s.eventKey(eventID)},
		string(outcome), s.now().UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to complete event: %w", err)
	}
	if n == 0 {
		return membership.ErrEventNotFound
	}
	return nil
}

// FailEvent implements membership.EventLedger
func (s *Storage) FailEvent(ctx context.Context, eventID string, cause string) error {
	if len(cause) > maxErrorLen {
		cause = cause[:maxErrorLen]
	}
	n, err := s.scripts["fail"].Run(ctx, s.client, []string{s.eventKey(eventID)}, cause).Int()
	if err != nil {
		return fmt.Errorf("failed to release event: %w", err)
	}
	if n == 0 {
		return membership.ErrEventNotFound
	}
	return nil
}

// GetEvent implements membership.EventLedger
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*membership.EventRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.eventKey(eventID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	if len(fields) == 0 {
		return nil, membership.ErrEventNotFound
	}

	var data eventData
	if err := json.Unmarshal([]byte(fields["data"]), &data); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}

	rec := &membership.EventRecord{
		ID:             eventID,
		Provider:       data.Provider,
		Type:           data.Type,
		OccurredAt:     data.OccurredAt,
		ReceivedAt:     data.ReceivedAt,
		Payload:        data.Payload,
		SignatureValid: data.SignatureValid,
		Status:         membership.EventStatus(fields["status"]),
		Outcome:        membership.EventOutcome(fields["outcome"]),
		LastError:      fields["last_error"],
		ClaimedAt:      parseMillis(fields["claimed_at"]),
	}
	rec.Attempts, _ = strconv.Atoi(fields["attempts"])
	if v := fields["processed_at"]; v != "" {
		t := parseMillis(v)
		rec.ProcessedAt = &t
	}
	return rec, nil
}

// ReserveNotification implements membership.NotificationLog
func (s *Storage) ReserveNotification(ctx context.Context, n *membership.Notification) (bool, error) {
	if n == nil || n.DedupeKey == "" {
		return false, fmt.Errorf("invalid notification")
	}
	nCopy := *n
	nCopy.Status = membership.NotificationPending
	if nCopy.CreatedAt.IsZero() {
		nCopy.CreatedAt = s.now()
	}
	data, err := json.Marshal(&nCopy)
	if err != nil {
		return false, fmt.Errorf("failed to encode notification: %w", err)
	}

	ok, err := s.scripts["reserve"].Run(ctx, s.client,
		[]string{s.notificationKey(n.DedupeKey)},
		string(data), int64(s.config.NotificationTTL.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to reserve notification: %w", err)
	}
	return ok == 1, nil
}

// FinishNotification implements membership.NotificationLog
func (s *Storage) FinishNotification(ctx context.Context, dedupeKey string, status membership.NotificationStatus,
	providerMessageID, errMsg string) error {
	if len(errMsg) > maxErrorLen {
		errMsg = errMsg[:maxErrorLen]
	}
	sentAt := ""
	if status == membership.NotificationSent {
		sentAt = strconv.FormatInt(s.now().UnixMilli(), 10)
	}

	n, err := s.scripts["finish"].Run(ctx, s.client,
		[]string{s.notificationKey(dedupeKey)},
		string(status), providerMessageID, errMsg, sentAt,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to finish notification: %w", err)
	}
	if n == 0 {
		return membership.ErrNotificationNotFound
	}
	return nil
}

// GetNotification implements membership.NotificationLog
func (s *Storage) GetNotification(ctx context.Context, dedupeKey string) (*membership.Notification, error) {
	fields, err := s.client.HGetAll(ctx, s.notificationKey(dedupeKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	if len(fields) == 0 {
		return nil, membership.ErrNotificationNotFound
	}

	var n membership.Notification
	if err := json.Unmarshal([]byte(fields["data"]), &n); err != nil {
		return nil, fmt.Errorf("failed to decode notification: %w", err)
	}
	n.Status = membership.NotificationStatus(fields["status"])
	n.ProviderMessageID = fields["provider_message_id"]
	n.Error = fields["error"]
	if v := fields["sent_at"]; v != "" {
		t := parseMillis(v)
		n.SentAt = &t
	}
	return &n, nil
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (s *Storage) eventKey(eventID string) string {
	return s.config.KeyPrefix + "event:" + eventID
}

func (s *Storage) notificationKey(dedupeKey string) string {
	return s.config.KeyPrefix + "notification:" + dedupeKey
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", membership.ErrStorageUnavailable, err)
	}
	return nil
}
