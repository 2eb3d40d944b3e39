package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/alliedcare/membersync/pkg/billing"
	"github.com/alliedcare/membersync/pkg/membership"
)

// CreateCheckoutSession creates a subscription-mode Stripe Checkout Session for
// a catalog plan. The user id and membership type travel as metadata on both
// the session and the subscription so every later event can carry them back.
func (p *Provider) CreateCheckoutSession(
	ctx context.Context, req billing.CheckoutRequest,
) (*billing.CheckoutSession, error) {
	startTime := time.Now()

	// 1. Resolve the price against the catalog
	plan, ok := p.plans.ByPriceID(req.PriceID)
	if !ok {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "plan_not_found")
		return nil, fmt.Errorf("%w: %s", billing.ErrPlanNotConfigured, req.PriceID)
	}

	var membershipType membership.MembershipType
	if strings.TrimSpace(req.MembershipType) != "" {
		mt, known := membership.ParseMembershipType(req.MembershipType)
		if !known {
			p.metrics.RecordAPICall(providerName, "/checkout/sessions", "invalid_membership_type")
			return nil, fmt.Errorf("%w: %q", billing.ErrInvalidMembershipType, req.MembershipType)
		}
		membershipType = mt
	}

	// 2. The caller must be a known user
	user, err := p.users.GetUser(ctx, req.UserID)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "user_not_found")
		return nil, fmt.Errorf("failed to load user %s: %w", req.UserID, err)
	}

	// 3. Create Checkout Session
	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(plan.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(p.successURL),
		CancelURL:         stripe.String(p.cancelURL),
		ClientReferenceID: stripe.String(user.ID),
	}
	params.AddMetadata(metadataUserID, user.ID)
	params.AddMetadata(metadataPlanInterval, string(plan.Interval))

	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataUserID, user.ID)
	if membershipType != "" {
		params.AddMetadata(metadataMembershipType, string(membershipType))
		params.SubscriptionData.AddMetadata(metadataMembershipType, string(membershipType))
	}

	// Attach existing customer if known (avoids duplicates)
	if user.CustomerID != "" {
		params.Customer = stripe.String(user.CustomerID)
	} else if user.Email != "" {
		params.CustomerEmail = stripe.String(user.Email)
	}

	session, err := p.createSession(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
		p.logger.Error("failed to create checkout session",
			membership.F("user_id", user.ID),
			membership.F("price_id", plan.PriceID),
			membership.F("error", err),
		)
		return nil, fmt.Errorf("%w: failed to create checkout session: %w", billing.ErrProviderAPIError, err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
	p.logger.Info("checkout session created",
		membership.F("user_id", user.ID),
		membership.F("session_id", session.ID),
		membership.F("plan_interval", string(plan.Interval)),
	)

	return &billing.CheckoutSession{
		ID:       session.ID,
		URL:      session.URL,
		UserID:   user.ID,
		PriceID:  plan.PriceID,
		Provider: providerName,
	}, nil
}
