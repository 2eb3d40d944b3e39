package stripe

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/alliedcare/membersync/pkg/billing"
	"github.com/alliedcare/membersync/pkg/internal"
	"github.com/alliedcare/membersync/pkg/membership"
)

type webhookResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
}

// handleWebhook processes incoming Stripe webhook events. Nothing touches
// storage before the signature has been verified.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	eventType := "unknown"
	defer func() {
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	}()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Read and validate body (with size limit protection)
	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			internal.WriteError(w, http.StatusBadRequest, "invalid payload")
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := p.verifier.Verify(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		reason := ReasonInvalidPayload
		var sigErr *SignatureError
		if errors.As(err, &sigErr) {
			reason = sigErr.Reason
		}
		p.logger.Warn("webhook rejected",
			membership.F("provider", providerName),
			membership.F("reason", reason),
			membership.F("remote_ip", internal.GetClientIP(r)),
		)
		p.metrics.RecordWebhookError(providerName, reason)
		if reason == ReasonInvalidPayload {
			internal.WriteError(w, http.StatusBadRequest, "malformed payload")
			return
		}
		internal.WriteError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	if event.Type != "" {
		eventType = string(event.Type)
	}

	ev, err := translateEvent(&event, body, time.Now().UTC())
	if err != nil {
		p.logger.Warn("webhook payload could not be decoded",
			membership.F("event_id", event.ID),
			membership.F("event_type", eventType),
			membership.F("error", err),
		)
		p.metrics.RecordWebhookError(providerName, "malformed_payload")
		internal.WriteError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.processingTimeout)
	defer cancel()

	res, err := p.reconciler.Reconcile(ctx, ev)

	switch {
	case err == nil:
	case errors.Is(err, billing.ErrEventInFlight):
		p.metrics.RecordWebhookEvent(providerName, eventType, "in_flight")
		internal.WriteError(w, http.StatusConflict, "event in flight")
		return
	case errors.Is(err, billing.ErrInvalidWebhookPayload):
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "malformed_payload")
		internal.WriteError(w, http.StatusBadRequest, "malformed payload")
		return
	default:
		p.logger.Error("webhook processing failed",
			membership.F("event_id", ev.ID),
			membership.F("event_type", eventType),
			membership.F("error", err),
		)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		internal.WriteError(w, http.StatusInternalServerError, "temporarily unable to process event")
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, string(res.Outcome))
	_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{Received: true, Status: string(res.Outcome)})
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
