package stripe

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/alliedcare/membersync/pkg/billing"
)

func TestNewVerifier(t *testing.T) {
	_, err := NewVerifier("  ", 0)
	assert.Error(t, err)

	v, err := NewVerifier(" whsec_abc ", 0)
	require.NoError(t, err)
	assert.Equal(t, "whsec_abc", v.secret)
	assert.Equal(t, defaultSignatureTolerance, v.tolerance)
}

func TestVerifier_Verify(t *testing.T) {
	v, err := NewVerifier(testSecret, time.Minute)
	require.NoError(t, err)
	payload := []byte(`{"id":"evt_1","object":"event","type":"invoice.paid","created":1767225600,"data":{"object":{"id":"in_1"}}}`)

	sign := func(secret string, ts time.Time) string {
		return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload: payload, Secret: secret, Timestamp: ts,
		}).Header
	}

	event, err := v.Verify(payload, sign(testSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)

	tests := []struct {
		name    string
		payload []byte
		header  string
		reason  string
	}{
		{"missing header", payload, "", ReasonMissingHeader},
		{"malformed header", payload, "t=abc", ReasonMalformedHeader},
		{"wrong secret", payload, sign("whsec_wrong", time.Now()), ReasonSignatureMismatch},
		{"expired", payload, sign(testSecret, time.Now().Add(-2*time.Minute)), ReasonTimestampTooOld},
		{"tampered body", append([]byte(nil), append(payload, ' ')...), sign(testSecret, time.Now()), ReasonSignatureMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.payload, tt.header)
			require.Error(t, err)
			assert.ErrorIs(t, err, billing.ErrInvalidWebhookSignature)

			var sigErr *SignatureError
			require.True(t, errors.As(err, &sigErr))
			assert.Equal(t, tt.reason, sigErr.Reason)
		})
	}
}
