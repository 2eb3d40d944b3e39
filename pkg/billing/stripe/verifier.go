package stripe

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/alliedcare/membersync/pkg/billing"
)

const defaultSignatureTolerance = 5 * time.Minute

// Reasons a webhook signature is rejected
const (
	ReasonMissingHeader     = "missing_header"
	ReasonMalformedHeader   = "malformed_header"
	ReasonTimestampTooOld   = "timestamp_out_of_tolerance"
	ReasonSignatureMismatch = "signature_mismatch"
	ReasonInvalidPayload    = "invalid_payload"
)

// SignatureError is returned by Verify for every rejected delivery. It wraps
// billing.ErrInvalidWebhookSignature; Reason is for logs and metrics only and
// never goes back to the caller.
type SignatureError struct {
	Reason string
	Err    error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("%s: %s", billing.ErrInvalidWebhookSignature, e.Reason)
}

func (e *SignatureError) Unwrap() []error {
	if e.Err == nil {
		return []error{billing.ErrInvalidWebhookSignature}
	}
	return []error{billing.ErrInvalidWebhookSignature, e.Err}
}

// Verifier checks Stripe-Signature headers against the endpoint secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a Verifier. A zero tolerance means the default of 5 minutes.
func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if tolerance <= 0 {
		tolerance = defaultSignatureTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}, nil
}

// Verify authenticates payload, the exact request bytes, and decodes the event.
func (v *Verifier) Verify(payload []byte, header string) (stripe.Event, error) {
	if strings.TrimSpace(header) == "" {
		return stripe.Event{}, &SignatureError{Reason: ReasonMissingHeader}
	}

	event, err := webhook.ConstructEventWithOptions(payload, header, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, &SignatureError{Reason: signatureReason(err), Err: err}
	}
	return event, nil
}

func signatureReason(err error) string {
	switch {
	case errors.Is(err, webhook.ErrNotSigned):
		return ReasonMissingHeader
	case errors.Is(err, webhook.ErrInvalidHeader):
		return ReasonMalformedHeader
	case errors.Is(err, webhook.ErrTooOld):
		return ReasonTimestampTooOld
	case errors.Is(err, webhook.ErrNoValidSignature):
		return ReasonSignatureMismatch
	default:
		return ReasonInvalidPayload
	}
}
