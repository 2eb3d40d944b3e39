package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/alliedcare/membersync/pkg/billing"
	"github.com/alliedcare/membersync/pkg/membership"
	"github.com/alliedcare/membersync/storage/memory"
)

const (
	testSecret       = "whsec_test_secret"
	testAPIKey       = "sk_test_123"
	testPriceMonthly = "price_monthly"
	testPriceYearly  = "price_yearly"
)

type recordingNotifier struct {
	mu       sync.Mutex
	requests []membership.NotificationRequest
}

func (n *recordingNotifier) Notify(_ context.Context, req membership.NotificationRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, req)
}

func (n *recordingNotifier) sent() []membership.NotificationRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]membership.NotificationRequest(nil), n.requests...)
}

type testEnv struct {
	provider *Provider
	store    *memory.Storage
	notifier *recordingNotifier
	handler  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithUsers(t, nil)
}

// newTestEnvWithUsers lets a test put a wrapper in front of the user store.
func newTestEnvWithUsers(t *testing.T, wrap func(*memory.Storage) membership.UserStore) *testEnv {
	t.Helper()
	store := memory.New()
	var users membership.UserStore = store
	if wrap != nil {
		users = wrap(store)
	}
	notifier := &recordingNotifier{}

	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{
		Users:    users,
		Ledger:   store,
		Notifier: notifier,
	})
	require.NoError(t, err)

	plans, err := billing.NewCatalog(
		billing.Plan{Interval: billing.IntervalMonthly, PriceID: testPriceMonthly},
		billing.Plan{Interval: billing.IntervalYearly, PriceID: testPriceYearly},
	)
	require.NoError(t, err)

	provider, err := NewProvider(Config{
		Config: billing.Config{
			Reconciler: reconciler,
			Users:      users,
			Plans:      plans,
		},
		StripeAPIKey:        testAPIKey,
		StripeWebhookSecret: testSecret,
		SuccessURL:          "https://alliedcare.example/checkout/success",
		CancelURL:           "https://alliedcare.example/pricing",
	})
	require.NoError(t, err)

	return &testEnv{provider: provider, store: store, notifier: notifier, handler: provider.WebhookHandler()}
}

func (e *testEnv) putUser(t *testing.T, u *membership.User) {
	t.Helper()
	require.NoError(t, e.store.PutUser(context.Background(), u))
}

func (e *testEnv) user(t *testing.T, id string) *membership.User {
	t.Helper()
	u, err := e.store.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u
}

// deliver signs payload with secret at ts and serves it.
func (e *testEnv) deliver(t *testing.T, payload []byte, ts time.Time, secret string) *httptest.ResponseRecorder {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: ts,
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func eventPayload(t *testing.T, id, eventType string, created time.Time, object map[string]interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created.Unix(),
		"api_version": "2025-09-30.clover",
		"livemode":    false,
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return b
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}
