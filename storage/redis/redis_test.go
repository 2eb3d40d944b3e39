package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alliedcare/membersync/pkg/membership"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clear test database
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	client := setupTestRedis(t)
	s, err := New(client, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		client     redis.UniversalClient
		config     Config
		wantErr    bool
		wantPrefix string
	}{
		{
			name:    "nil client",
			client:  nil,
			config:  DefaultConfig(),
			wantErr: true,
		},
		{
			name:       "valid client with default config",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     DefaultConfig(),
			wantPrefix: "membersync:",
		},
		{
			name:       "empty prefix falls back to default",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{},
			wantPrefix: "membersync:",
		},
		{
			name:       "custom prefix",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{KeyPrefix: "test:"},
			wantPrefix: "test:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.client, tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrefix, s.config.KeyPrefix)
			assert.Equal(t, tt.wantPrefix+"event:evt_1", s.eventKey("evt_1"))
		})
	}
}

func TestStorage_EventLedger(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	rec := &membership.EventRecord{
		ID:             "evt_1",
		Provider:       "stripe",
		Type:           "customer.subscription.deleted",
		OccurredAt:     t0,
		Payload:        []byte(`{"id":"evt_1"}`),
		SignatureValid: true,
	}

	res, err := s.BeginEvent(ctx, rec, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, membership.ClaimAcquired, res)

	res, err = s.BeginEvent(ctx, rec, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, membership.ClaimInFlight, res)

	require.NoError(t, s.FailEvent(ctx, "evt_1", "store timeout"))
	got, err := s.GetEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, membership.EventFailed, got.Status)
	assert.Equal(t, "store timeout", got.LastError)

	res, err = s.BeginEvent(ctx, rec, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, membership.ClaimAcquired, res)

	require.NoError(t, s.CompleteEvent(ctx, "evt_1", membership.OutcomeApplied))
	res, err = s.BeginEvent(ctx, rec, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, membership.ClaimDuplicate, res)

	got, err = s.GetEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, membership.EventProcessed, got.Status)
	assert.Equal(t, membership.OutcomeApplied, got.Outcome)
	assert.Equal(t, 2, got.Attempts)
	assert.Empty(t, got.LastError)
	assert.Equal(t, "stripe", got.Provider)
	assert.Equal(t, rec.Payload, got.Payload)
	assert.True(t, t0.Equal(got.OccurredAt))
	require.NotNil(t, got.ProcessedAt)

	ttl, err := s.client.TTL(ctx, s.eventKey("evt_1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestStorage_EventLedger_NotFound(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.CompleteEvent(ctx, "missing", membership.OutcomeApplied), membership.ErrEventNotFound)
	assert.ErrorIs(t, s.FailEvent(ctx, "missing", "x"), membership.ErrEventNotFound)
	_, err := s.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, membership.ErrEventNotFound)

	// The scripts must not create keys for unknown events
	n, err := s.client.Exists(ctx, s.eventKey("missing")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStorage_EventLedger_LeaseExpiry(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	now := t0
	s.now = func() time.Time { return now }

	rec := &membership.EventRecord{ID: "evt_lease", Provider: "stripe", Type: "x", OccurredAt: t0}
	res, err := s.BeginEvent(ctx, rec, time.Minute)
	require.NoError(t, err)
	require.Equal(t, membership.ClaimAcquired, res)

	now = t0.Add(30 * time.Second)
	res, err = s.BeginEvent(ctx, rec, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, membership.ClaimInFlight, res)

	now = t0.Add(2 * time.Minute)
	res, err = s.BeginEvent(ctx, rec, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, membership.ClaimAcquired, res)

	got, err := s.GetEvent(ctx, "evt_lease")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.True(t, now.Equal(got.ClaimedAt))
}

func TestStorage_EventLedger_ConcurrentClaims(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	for e := 0; e < 5; e++ {
		rec := &membership.EventRecord{ID: fmt.Sprintf("evt_%d", e), Provider: "stripe", Type: "x", OccurredAt: t0}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			acquired int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.BeginEvent(ctx, rec, time.Minute)
				assert.NoError(t, err)
				if res == membership.ClaimAcquired {
					mu.Lock()
					acquired++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, acquired, "event %s", rec.ID)
	}
}

func TestStorage_Notifications(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	n := &membership.Notification{
		ID:        "01J00000000000000000000000",
		DedupeKey: membership.NotificationKey(membership.NotifyPastDue, "evt_1"),
		Kind:      membership.NotifyPastDue,
		Recipient: "jane@example.com",
		Subject:   "Payment failed",
		Metadata:  map[string]string{"full_name": "Jane"},
	}

	ok, err := s.ReserveNotification(ctx, n)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ReserveNotification(ctx, n)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetNotification(ctx, n.DedupeKey)
	require.NoError(t, err)
	assert.Equal(t, membership.NotificationPending, got.Status)

	require.NoError(t, s.FinishNotification(ctx, n.DedupeKey, membership.NotificationError, "", "smtp: 421"))
	got, err = s.GetNotification(ctx, n.DedupeKey)
	require.NoError(t, err)
	assert.Equal(t, membership.NotificationError, got.Status)
	assert.Equal(t, "smtp: 421", got.Error)
	assert.Nil(t, got.SentAt)
	assert.Equal(t, "Jane", got.Metadata["full_name"])
	assert.Equal(t, membership.NotifyPastDue, got.Kind)

	assert.ErrorIs(t, s.FinishNotification(ctx, "missing", membership.NotificationSent, "id", ""),
		membership.ErrNotificationNotFound)
	_, err = s.GetNotification(ctx, "missing")
	assert.ErrorIs(t, err, membership.ErrNotificationNotFound)
}

func TestStorage_Ping(t *testing.T) {
	s := setupTestStorage(t)
	assert.NoError(t, s.Ping(context.Background()))
}
