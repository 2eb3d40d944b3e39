package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stripe/stripe-go/v83"

	"github.com/alliedcare/membersync/pkg/billing"
	"github.com/alliedcare/membersync/pkg/membership"
)

// syncUserFromAPI reconciles the user's subscription as Stripe currently
// reports it. The snapshot goes through the Reconciler as a synthetic
// subscription event stamped with the fetch time.
func (p *Provider) syncUserFromAPI(ctx context.Context, userID string) (*billing.Result, error) {
	startTime := time.Now()

	user, err := p.users.GetUser(ctx, userID)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	customerID := user.CustomerID
	if customerID == "" {
		// SLOW PATH: Stripe Search API (eventually consistent)
		p.metrics.RecordAPICall(providerName, "/customers/search", "slow_path")
		customerID, err = p.searchCustomer(ctx, userID)
		if errors.Is(err, billing.ErrCustomerNotFound) {
			p.metrics.RecordUserSync(providerName, "no_customer")
			p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
			return &billing.Result{
				Kind:    billing.EventSubscriptionUpdated,
				Outcome: membership.OutcomeIgnored,
				UserID:  user.ID,
				Status:  user.SubscriptionStatus,
				Role:    user.Role,
			}, nil
		}
		if err != nil {
			p.metrics.RecordUserSync(providerName, "error")
			p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
			return nil, fmt.Errorf("%w: %w", billing.ErrProviderAPIError, err)
		}
	}

	subscriptions, err := p.listSubscriptions(ctx, customerID)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
		p.metrics.RecordUserSync(providerName, "error")
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
		return nil, fmt.Errorf("%w: failed to list subscriptions: %w", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "200")
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions/list", time.Since(startTime))

	now := time.Now().UTC()
	ev := &billing.Event{
		ID:         "sync_" + ulid.Make().String(),
		Provider:   providerName,
		Type:       "sync",
		Kind:       billing.EventSubscriptionUpdated,
		OccurredAt: now,
		ReceivedAt: now,
		UserID:     user.ID,
		CustomerID: customerID,
	}

	sub := pickSubscription(subscriptions, user.SubscriptionID)
	switch {
	case sub != nil:
		ev.SubscriptionID = sub.ID
		ev.ProviderStatus = string(sub.Status)
		ev.MembershipType = sub.Metadata[metadataMembershipType]
		if sub.Status == stripe.SubscriptionStatusCanceled {
			ev.Kind = billing.EventSubscriptionDeleted
			if ended := firstNonZero(sub.EndedAt, sub.CanceledAt); ended > 0 {
				t := time.Unix(ended, 0).UTC()
				ev.EndedAt = &t
			}
		}
	case user.SubscriptionID != "":
		// Stripe no longer knows the recorded subscription
		ev.Kind = billing.EventSubscriptionDeleted
		ev.SubscriptionID = user.SubscriptionID
	default:
		p.metrics.RecordUserSync(providerName, "no_subscription")
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
		return &billing.Result{
			Kind:    billing.EventSubscriptionUpdated,
			Outcome: membership.OutcomeIgnored,
			UserID:  user.ID,
			Status:  user.SubscriptionStatus,
			Role:    user.Role,
		}, nil
	}

	res, err := p.reconciler.Reconcile(ctx, ev)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
		return nil, err
	}

	p.metrics.RecordUserSync(providerName, "success")
	p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	return res, nil
}

// pickSubscription prefers the subscription already recorded on the user,
// then the most recently created one.
func pickSubscription(subs []*stripe.Subscription, recorded string) *stripe.Subscription {
	var newest *stripe.Subscription
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if recorded != "" && sub.ID == recorded {
			return sub
		}
		if newest == nil || sub.Created > newest.Created {
			newest = sub
		}
	}
	return newest
}

// listSubscriptionsFromAPI lists every subscription of a customer, ended ones included
func (p *Provider) listSubscriptionsFromAPI(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String("all")

	var subscriptions []*stripe.Subscription
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, err
		}
		subscriptions = append(subscriptions, sub)
	}
	return subscriptions, nil
}

// searchCustomerByMetadata searches for a customer by metadata using Stripe Search API
func (p *Provider) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataUserID, userID)

	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("stripe search error: %w", err)
		}
		// Verify exact match (Search API can return partial matches)
		if cust.Metadata != nil && cust.Metadata[metadataUserID] == userID {
			return cust.ID, nil
		}
	}

	return "", billing.ErrCustomerNotFound
}
