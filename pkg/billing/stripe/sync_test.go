package stripe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/alliedcare/membersync/pkg/billing"
	"github.com/alliedcare/membersync/pkg/membership"
)

func stubSubscriptions(env *testEnv, subs []*stripe.Subscription, err error) *[]string {
	var customers []string
	env.provider.listSubscriptions = func(_ context.Context, customerID string) ([]*stripe.Subscription, error) {
		customers = append(customers, customerID)
		return subs, err
	}
	return &customers
}

func TestSyncUser_AppliesCurrentSubscription(t *testing.T) {
	env := newTestEnv(t)
	env.putUser(t, &membership.User{
		ID:                    "u1",
		Email:                 "u1@example.com",
		CustomerID:            "cus_1",
		SubscriptionStatus:    membership.StatusPending,
		SubscriptionUpdatedAt: time.Now().Add(-time.Hour),
	})
	customers := stubSubscriptions(env, []*stripe.Subscription{
		{ID: "sub_old", Status: stripe.SubscriptionStatusCanceled, Created: 100},
		{ID: "sub_new", Status: stripe.SubscriptionStatusActive, Created: 200,
			Metadata: map[string]string{"membershipType": "clinic_admin"}},
	}, nil)

	res, err := env.provider.SyncUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"cus_1"}, *customers)
	assert.Equal(t, membership.OutcomeApplied, res.Outcome)

	u := env.user(t, "u1")
	assert.Equal(t, "sub_new", u.SubscriptionID)
	assert.Equal(t, membership.StatusActive, u.SubscriptionStatus)
	assert.Equal(t, membership.RoleClinicAdmin, u.Role)
	assert.Empty(t, env.notifier.sent())
}

func TestSyncUser_RecordedSubscriptionCanceled(t *testing.T) {
	env := newTestEnv(t)
	env.putUser(t, &membership.User{
		ID:                 "u1",
		Email:              "u1@example.com",
		Role:               membership.RoleProfessional,
		CustomerID:         "cus_1",
		SubscriptionID:     "sub_1",
		SubscriptionStatus: membership.StatusActive,
		MembershipType:     membership.MembershipProfessional,
	})
	stubSubscriptions(env, []*stripe.Subscription{
		{ID: "sub_1", Status: stripe.SubscriptionStatusCanceled, Created: 100, EndedAt: 1767225600},
		{ID: "sub_other", Status: stripe.SubscriptionStatusActive, Created: 300},
	}, nil)

	res, err := env.provider.SyncUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, billing.EventSubscriptionDeleted, res.Kind)

	u := env.user(t, "u1")
	assert.Equal(t, membership.StatusCanceled, u.SubscriptionStatus)
	assert.Equal(t, membership.RolePatient, u.Role)
	require.NotNil(t, u.SubscriptionEndedAt)
	assert.Equal(t, int64(1767225600), u.SubscriptionEndedAt.Unix())
}

func TestSyncUser_NoCustomer(t *testing.T) {
	env := newTestEnv(t)
	env.putUser(t, &membership.User{ID: "u1", Email: "u1@example.com"})
	env.provider.searchCustomer = func(context.Context, string) (string, error) {
		return "", billing.ErrCustomerNotFound
	}
	customers := stubSubscriptions(env, nil, nil)

	res, err := env.provider.SyncUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, membership.OutcomeIgnored, res.Outcome)
	assert.Empty(t, *customers)
}

func TestSyncUser_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.putUser(t, &membership.User{ID: "u1", Email: "u1@example.com", CustomerID: "cus_1"})

	_, err := env.provider.SyncUser(context.Background(), "ghost")
	assert.ErrorIs(t, err, membership.ErrUserNotFound)

	stubSubscriptions(env, nil, errors.New("stripe unavailable"))
	_, err = env.provider.SyncUser(context.Background(), "u1")
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)
}

func TestPickSubscription(t *testing.T) {
	subs := []*stripe.Subscription{
		{ID: "a", Created: 10},
		{ID: "b", Created: 30},
		nil,
		{ID: "c", Created: 20},
	}
	assert.Equal(t, "b", pickSubscription(subs, "").ID)
	assert.Equal(t, "c", pickSubscription(subs, "c").ID)
	assert.Equal(t, "b", pickSubscription(subs, "missing").ID)
	assert.Nil(t, pickSubscription(nil, ""))
}
