package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/alliedcare/membersync/pkg/billing"
)

// Stripe event types handled by the webhook
const (
	eventCheckoutSessionCompleted = "checkout.session.completed"
	eventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	eventInvoicePaid              = "invoice.paid"
	eventInvoicePaymentFailed     = "invoice.payment_failed"
	eventSubscriptionCreated      = "customer.subscription.created"
	eventSubscriptionUpdated      = "customer.subscription.updated"
	eventSubscriptionDeleted      = "customer.subscription.deleted"
)

// expandableID decodes a Stripe field that is either an id string or an
// expanded object carrying an id.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          expandableID      `json:"customer"`
	CustomerEmail     string            `json:"customer_email"`
	Subscription      expandableID      `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

type subscriptionDetails struct {
	Subscription expandableID      `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type invoiceObject struct {
	ID            string       `json:"id"`
	Customer      expandableID `json:"customer"`
	CustomerEmail string       `json:"customer_email"`
	Subscription  expandableID `json:"subscription"`

	// Pre-2025 API versions put the metadata snapshot here
	SubscriptionDetails *subscriptionDetails `json:"subscription_details"`

	Parent *struct {
		SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
}

type subscriptionObject struct {
	ID         string            `json:"id"`
	Customer   expandableID      `json:"customer"`
	Status     string            `json:"status"`
	Metadata   map[string]string `json:"metadata"`
	EndedAt    int64             `json:"ended_at"`
	CanceledAt int64             `json:"canceled_at"`
}

// translateEvent maps a verified Stripe event onto a billing.Event. Event
// types the reconciler does not handle come back as billing.EventUnknown.
func translateEvent(event *stripe.Event, payload []byte, receivedAt time.Time) (*billing.Event, error) {
	if event.ID == "" {
		return nil, fmt.Errorf("%w: event has no id", billing.ErrInvalidWebhookPayload)
	}

	ev := &billing.Event{
		ID:         event.ID,
		Provider:   providerName,
		Type:       string(event.Type),
		Kind:       billing.EventUnknown,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
		ReceivedAt: receivedAt,
		Payload:    payload,
	}
	if event.Created == 0 {
		ev.OccurredAt = receivedAt
	}

	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	switch ev.Type {
	case eventCheckoutSessionCompleted:
		var session checkoutSessionObject
		if err := decodeObject(raw, &session); err != nil {
			return nil, err
		}
		if session.Mode != "" && session.Mode != "subscription" {
			return ev, nil
		}
		ev.Kind = billing.EventCheckoutCompleted
		ev.UserID = firstNonEmpty(session.ClientReferenceID, session.Metadata[metadataUserID])
		ev.CustomerID = string(session.Customer)
		ev.CustomerEmail = session.CustomerEmail
		if ev.CustomerEmail == "" && session.CustomerDetails != nil {
			ev.CustomerEmail = session.CustomerDetails.Email
		}
		ev.SubscriptionID = string(session.Subscription)
		ev.MembershipType = session.Metadata[metadataMembershipType]
		ev.PaymentPending = session.PaymentStatus == "unpaid"

	case eventInvoicePaymentSucceeded, eventInvoicePaid, eventInvoicePaymentFailed:
		var invoice invoiceObject
		if err := decodeObject(raw, &invoice); err != nil {
			return nil, err
		}
		ev.Kind = billing.EventInvoicePaymentSucceeded
		if ev.Type == eventInvoicePaymentFailed {
			ev.Kind = billing.EventInvoicePaymentFailed
		}
		ev.CustomerID = string(invoice.Customer)
		ev.CustomerEmail = invoice.CustomerEmail
		ev.SubscriptionID = string(invoice.Subscription)

		details := invoice.SubscriptionDetails
		if invoice.Parent != nil && invoice.Parent.SubscriptionDetails != nil {
			details = invoice.Parent.SubscriptionDetails
		}
		if details != nil {
			if ev.SubscriptionID == "" {
				ev.SubscriptionID = string(details.Subscription)
			}
			ev.UserID = details.Metadata[metadataUserID]
			ev.MembershipType = details.Metadata[metadataMembershipType]
		}
		if ev.SubscriptionID == "" {
			// One-off invoice, nothing to reconcile
			ev.Kind = billing.EventUnknown
		}

	case eventSubscriptionCreated, eventSubscriptionUpdated, eventSubscriptionDeleted:
		var sub subscriptionObject
		if err := decodeObject(raw, &sub); err != nil {
			return nil, err
		}
		if sub.ID == "" {
			return nil, fmt.Errorf("%w: subscription has no id", billing.ErrInvalidWebhookPayload)
		}
		ev.Kind = billing.EventSubscriptionUpdated
		ev.SubscriptionID = sub.ID
		ev.CustomerID = string(sub.Customer)
		ev.ProviderStatus = sub.Status
		ev.UserID = sub.Metadata[metadataUserID]
		ev.MembershipType = sub.Metadata[metadataMembershipType]
		if ev.Type == eventSubscriptionDeleted {
			ev.Kind = billing.EventSubscriptionDeleted
			if ended := firstNonZero(sub.EndedAt, sub.CanceledAt); ended > 0 {
				t := time.Unix(ended, 0).UTC()
				ev.EndedAt = &t
			}
		}
	}

	return ev, nil
}

func decodeObject(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: event has no data object", billing.ErrInvalidWebhookPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(values ...int64) int64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
