package stripe

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/alliedcare/membersync/pkg/billing"
)

func stripeEvent(t *testing.T, eventType string, object string) *stripe.Event {
	t.Helper()
	return &stripe.Event{
		ID:      "evt_1",
		Type:    stripe.EventType(eventType),
		Created: 1767225600,
		Data:    &stripe.EventData{Raw: json.RawMessage(object)},
	}
}

func TestTranslateEvent(t *testing.T) {
	received := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)

	tests := []struct {
		name      string
		eventType string
		object    string
		check     func(t *testing.T, ev *billing.Event)
	}{
		{
			name:      "checkout with expanded customer",
			eventType: "checkout.session.completed",
			object: `{"id":"cs_1","mode":"subscription","payment_status":"paid","client_reference_id":"u1",
				"customer":{"id":"cus_1","object":"customer"},"customer_details":{"email":"u1@example.com"},
				"subscription":"sub_1","metadata":{"membershipType":"professional"}}`,
			check: func(t *testing.T, ev *billing.Event) {
				assert.Equal(t, billing.EventCheckoutCompleted, ev.Kind)
				assert.Equal(t, "u1", ev.UserID)
				assert.Equal(t, "cus_1", ev.CustomerID)
				assert.Equal(t, "u1@example.com", ev.CustomerEmail)
				assert.Equal(t, "sub_1", ev.SubscriptionID)
				assert.Equal(t, "professional", ev.MembershipType)
				assert.False(t, ev.PaymentPending)
			},
		},
		{
			name:      "unpaid checkout",
			eventType: "checkout.session.completed",
			object:    `{"id":"cs_1","mode":"subscription","payment_status":"unpaid","metadata":{"user_id":"u9"}}`,
			check: func(t *testing.T, ev *billing.Event) {
				assert.True(t, ev.PaymentPending)
				assert.Equal(t, "u9", ev.UserID)
			},
		},
		{
			name:      "one-time payment checkout",
			eventType: "checkout.session.completed",
			object:    `{"id":"cs_1","mode":"payment"}`,
			check: func(t *testing.T, ev *billing.Event) {
				assert.Equal(t, billing.EventUnknown, ev.Kind)
			},
		},
		{
			name:      "invoice with parent subscription details",
			eventType: "invoice.payment_failed",
			object: `{"id":"in_1","customer":"cus_2","customer_email":"u2@example.com",
				"parent":{"subscription_details":{"subscription":"sub_2","metadata":{"user_id":"u2","membershipType":"clinic_admin"}}}}`,
			check: func(t *testing.T, ev *billing.Event) {
				assert.Equal(t, billing.EventInvoicePaymentFailed, ev.Kind)
				assert.Equal(t, "sub_2", ev.SubscriptionID)
				assert.Equal(t, "u2", ev.UserID)
				assert.Equal(t, "clinic_admin", ev.MembershipType)
			},
		},
		{
			name:      "legacy invoice subscription field",
			eventType: "invoice.paid",
			object:    `{"id":"in_1","customer":"cus_2","subscription":{"id":"sub_3"}}`,
			check: func(t *testing.T, ev *billing.Event) {
				assert.Equal(t, billing.EventInvoicePaymentSucceeded, ev.Kind)
				assert.Equal(t, "sub_3", ev.SubscriptionID)
			},
		},
		{
			name:      "invoice without subscription",
			eventType: "invoice.payment_succeeded",
			object:    `{"id":"in_1","customer":"cus_2","subscription":null}`,
			check: func(t *testing.T, ev *billing.Event) {
				assert.Equal(t, billing.EventUnknown, ev.Kind)
			},
		},
		{
			name:      "subscription deleted",
			eventType: "customer.subscription.deleted",
			object:    `{"id":"sub_4","customer":"cus_4","status":"canceled","ended_at":1767225000,"metadata":{"user_id":"u4"}}`,
			check: func(t *testing.T, ev *billing.Event) {
				assert.Equal(t, billing.EventSubscriptionDeleted, ev.Kind)
				assert.Equal(t, "u4", ev.UserID)
				require.NotNil(t, ev.EndedAt)
				assert.Equal(t, int64(1767225000), ev.EndedAt.Unix())
			},
		},
		{
			name:      "subscription updated",
			eventType: "customer.subscription.updated",
			object:    `{"id":"sub_5","customer":"cus_5","status":"unpaid"}`,
			check: func(t *testing.T, ev *billing.Event) {
				assert.Equal(t, billing.EventSubscriptionUpdated, ev.Kind)
				assert.Equal(t, "unpaid", ev.ProviderStatus)
				assert.Nil(t, ev.EndedAt)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := translateEvent(stripeEvent(t, tt.eventType, tt.object), []byte("raw"), received)
			require.NoError(t, err)
			assert.Equal(t, "evt_1", ev.ID)
			assert.Equal(t, "stripe", ev.Provider)
			assert.Equal(t, int64(1767225600), ev.OccurredAt.Unix())
			assert.Equal(t, received, ev.ReceivedAt)
			tt.check(t, ev)
		})
	}
}

func TestTranslateEvent_Errors(t *testing.T) {
	received := time.Now()

	_, err := translateEvent(&stripe.Event{Type: "customer.subscription.updated"}, nil, received)
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)

	ev := stripeEvent(t, "customer.subscription.updated", `{"status":"active"}`)
	_, err = translateEvent(ev, nil, received)
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)

	ev = stripeEvent(t, "checkout.session.completed", "")
	_, err = translateEvent(ev, nil, received)
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)
}
