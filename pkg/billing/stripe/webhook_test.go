package stripe

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alliedcare/membersync/pkg/billing"
	"github.com/alliedcare/membersync/pkg/membership"
	"github.com/alliedcare/membersync/storage/memory"
)

func checkoutObject(email, membershipType string) map[string]interface{} {
	return map[string]interface{}{
		"id":             "cs_test_1",
		"object":         "checkout.session",
		"mode":           "subscription",
		"payment_status": "paid",
		"customer":       "cus_1",
		"customer_email": email,
		"subscription":   "sub_1",
		"metadata":       map[string]interface{}{"membershipType": membershipType},
	}
}

func TestWebhook_CheckoutCompletedGrantsRoleOnce(t *testing.T) {
	env := newTestEnv(t)
	env.putUser(t, &membership.User{ID: "u1", Email: "u1@example.com"})

	payload := eventPayload(t, "evt_checkout_1", "checkout.session.completed", time.Now(),
		checkoutObject("u1@example.com", "clinic_admin"))

	rec := env.deliver(t, payload, time.Now(), testSecret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeResponse(t, rec)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, "applied", body["status"])
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	u := env.user(t, "u1")
	assert.Equal(t, membership.RoleClinicAdmin, u.Role)
	assert.Equal(t, membership.StatusActive, u.SubscriptionStatus)
	assert.Equal(t, "sub_1", u.SubscriptionID)
	require.Len(t, env.notifier.sent(), 1)
	assert.Equal(t, membership.NotifyWelcome, env.notifier.sent()[0].Kind)

	// Redelivery of the same event id
	rec = env.deliver(t, payload, time.Now(), testSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decodeResponse(t, rec)["status"])
	assert.Len(t, env.notifier.sent(), 1)
	assert.Equal(t, membership.RoleClinicAdmin, env.user(t, "u1").Role)
}

func TestWebhook_MalformedSignatureTouchesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.putUser(t, &membership.User{ID: "u1", Email: "u1@example.com"})
	writes := env.store.Writes()

	payload := eventPayload(t, "evt_checkout_1", "checkout.session.completed", time.Now(),
		checkoutObject("u1@example.com", "professional"))

	headers := []string{
		"",
		"garbage",
		"t=notanumber,v1=abc",
		"t=" + strings.Repeat("1", 10) + ",v1=" + strings.Repeat("0", 64),
	}
	for _, h := range headers {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
		if h != "" {
			req.Header.Set("Stripe-Signature", h)
		}
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, "header %q", h)
		assert.Equal(t, "invalid signature", decodeResponse(t, rec)["error"])
	}

	assert.Equal(t, writes, env.store.Writes())
	assert.Empty(t, env.notifier.sent())
	_, err := env.store.GetEvent(context.Background(), "evt_checkout_1")
	assert.ErrorIs(t, err, membership.ErrEventNotFound)
}

func TestWebhook_RejectsWrongSecretAndOldTimestamp(t *testing.T) {
	env := newTestEnv(t)
	payload := eventPayload(t, "evt_1", "customer.subscription.updated", time.Now(),
		map[string]interface{}{"id": "sub_1", "status": "active"})

	rec := env.deliver(t, payload, time.Now(), "whsec_other")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.deliver(t, payload, time.Now().Add(-10*time.Minute), testSecret)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, env.store.Writes())
}

func TestWebhook_BodyLimits(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(strings.Repeat("x", maxWebhookBodyBytes+1)))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/stripe", http.NoBody)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/webhooks/stripe", http.NoBody)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhook_MalformedPayload(t *testing.T) {
	env := newTestEnv(t)

	rec := env.deliver(t, []byte(`{"id": "evt_1", "type": `), time.Now(), testSecret)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed payload", decodeResponse(t, rec)["error"])

	payload := eventPayload(t, "evt_2", "customer.subscription.updated", time.Now(),
		map[string]interface{}{"id": 42})
	rec = env.deliver(t, payload, time.Now(), testSecret)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, env.store.Writes())
}

func TestWebhook_UnknownEventIgnored(t *testing.T) {
	env := newTestEnv(t)
	payload := eventPayload(t, "evt_1", "customer.created", time.Now(),
		map[string]interface{}{"id": "cus_1"})

	rec := env.deliver(t, payload, time.Now(), testSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decodeResponse(t, rec)["status"])
}

func TestWebhook_LaterTimestampWinsOverArrivalOrder(t *testing.T) {
	env := newTestEnv(t)
	t0 := time.Now().Add(-time.Hour).Truncate(time.Second)
	t1 := t0.Add(10 * time.Minute)
	env.putUser(t, &membership.User{
		ID:                    "u2",
		Email:                 "u2@example.com",
		Role:                  membership.RoleProfessional,
		CustomerID:            "cus_2",
		SubscriptionID:        "sub_2",
		SubscriptionStatus:    membership.StatusActive,
		MembershipType:        membership.MembershipProfessional,
		SubscriptionUpdatedAt: t0.Add(-24 * time.Hour),
	})

	updated := eventPayload(t, "evt_upd", "customer.subscription.updated", t1, map[string]interface{}{
		"id": "sub_2", "customer": "cus_2", "status": "past_due",
	})
	paid := eventPayload(t, "evt_paid", "invoice.payment_succeeded", t0, map[string]interface{}{
		"id": "in_1", "customer": "cus_2",
		"parent": map[string]interface{}{
			"subscription_details": map[string]interface{}{"subscription": "sub_2"},
		},
	})

	rec := env.deliver(t, updated, time.Now(), testSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.deliver(t, paid, time.Now(), testSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stale", decodeResponse(t, rec)["status"])

	u := env.user(t, "u2")
	assert.Equal(t, membership.StatusPastDue, u.SubscriptionStatus)
	assert.Equal(t, membership.RoleProfessional, u.Role)
}

func TestWebhook_InFlightReturnsConflict(t *testing.T) {
	env := newTestEnv(t)
	env.putUser(t, &membership.User{ID: "u1", Email: "u1@example.com"})

	_, err := env.store.BeginEvent(context.Background(), &membership.EventRecord{ID: "evt_1"}, time.Minute)
	require.NoError(t, err)

	payload := eventPayload(t, "evt_1", "checkout.session.completed", time.Now(),
		checkoutObject("u1@example.com", "professional"))
	rec := env.deliver(t, payload, time.Now(), testSecret)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

type unavailableUsers struct {
	*memory.Storage
}

func (unavailableUsers) ApplySubscriptionUpdate(context.Context, *membership.SubscriptionUpdate) (bool, error) {
	return false, membership.ErrStorageUnavailable
}

func TestWebhook_StorageFailureAsksForRetry(t *testing.T) {
	env := newTestEnvWithUsers(t, func(s *memory.Storage) membership.UserStore {
		return unavailableUsers{Storage: s}
	})
	env.putUser(t, &membership.User{ID: "u1", Email: "u1@example.com"})

	payload := eventPayload(t, "evt_1", "checkout.session.completed", time.Now(),
		checkoutObject("u1@example.com", "professional"))
	rec := env.deliver(t, payload, time.Now(), testSecret)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, env.notifier.sent())

	ev, err := env.store.GetEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, membership.EventFailed, ev.Status)
}

func TestWebhook_UnresolvedUserAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	payload := eventPayload(t, "evt_1", "checkout.session.completed", time.Now(),
		checkoutObject("stranger@example.com", "professional"))

	rec := env.deliver(t, payload, time.Now(), testSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unresolved", decodeResponse(t, rec)["status"])
}

// durationRecorder keeps the event types of recorded webhook durations.
type durationRecorder struct {
	billing.NoopMetrics
	mu    sync.Mutex
	types []string
}

func (d *durationRecorder) RecordWebhookProcessingDuration(_, eventType string, _ time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.types = append(d.types, eventType)
}

func (d *durationRecorder) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.types...)
}

func TestWebhook_DurationRecordedOnEveryPath(t *testing.T) {
	env := newTestEnv(t)
	metrics := &durationRecorder{}
	env.provider.metrics = metrics
	env.putUser(t, &membership.User{ID: "u1", Email: "u1@example.com"})

	payload := eventPayload(t, "evt_1", "checkout.session.completed", time.Now(),
		checkoutObject("u1@example.com", "professional"))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "garbage")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.deliver(t, payload, time.Now(), testSecret)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"unknown", "checkout.session.completed"}, metrics.recorded())
}
