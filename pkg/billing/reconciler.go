package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alliedcare/membersync/pkg/membership"
)

const (
	defaultClaimLease   = 2 * time.Minute
	defaultStoreTimeout = 2 * time.Second
)

// Notifier receives the notifications caused by applied transitions. It must
// not block; delivery failures stay inside the notifier.
type Notifier interface {
	Notify(ctx context.Context, req membership.NotificationRequest)
}

// NoopNotifier drops every notification.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, membership.NotificationRequest) {}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	// Users is the user table (required)
	Users membership.UserStore

	// Ledger records applied event ids (required)
	Ledger membership.EventLedger

	// Notifier sends welcome, past-due and cancellation emails. Defaults to NoopNotifier.
	Notifier Notifier

	// OperatorEmail receives an alert when an event cannot be matched to a user.
	// Empty disables the alert; the error log is always written.
	OperatorEmail string

	// ClaimLease is how long a delivery owns an event before a redelivery may
	// take it over. Default: 2 minutes.
	ClaimLease time.Duration

	// StoreTimeout bounds every store call. Default: 2 seconds.
	StoreTimeout time.Duration

	Logger  membership.Logger
	Metrics Metrics
}

// Validate checks that the configuration is valid
func (c *ReconcilerConfig) Validate() error {
	if c.Users == nil {
		return fmt.Errorf("user store is required")
	}
	if c.Ledger == nil {
		return fmt.Errorf("event ledger is required")
	}
	return nil
}

// Result describes what Reconcile did with one event.
type Result struct {
	EventID string                        `json:"eventId"`
	Kind    EventKind                     `json:"kind"`
	Outcome membership.EventOutcome       `json:"outcome"`
	UserID  string                        `json:"userId,omitempty"`
	Status  membership.SubscriptionStatus `json:"status,omitempty"`
	Role    membership.Role               `json:"role,omitempty"`
}

// Reconciler is the single authority that turns provider events into user
// subscription state. It is safe for concurrent use; all coordination
// between deliveries happens in the stores.
type Reconciler struct {
	users         membership.UserStore
	ledger        membership.EventLedger
	notifier      Notifier
	operatorEmail string
	claimLease    time.Duration
	storeTimeout  time.Duration
	logger        membership.Logger
	metrics       Metrics
}

// NewReconciler creates a Reconciler
func NewReconciler(config ReconcilerConfig) (*Reconciler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	r := &Reconciler{
		users:         config.Users,
		ledger:        config.Ledger,
		notifier:      config.Notifier,
		operatorEmail: config.OperatorEmail,
		claimLease:    config.ClaimLease,
		storeTimeout:  config.StoreTimeout,
		logger:        config.Logger,
		metrics:       config.Metrics,
	}
	if r.notifier == nil {
		r.notifier = NoopNotifier{}
	}
	if r.claimLease <= 0 {
		r.claimLease = defaultClaimLease
	}
	if r.storeTimeout <= 0 {
		r.storeTimeout = defaultStoreTimeout
	}
	if r.logger == nil {
		r.logger = &membership.NoopLogger{}
	}
	if r.metrics == nil {
		r.metrics = &NoopMetrics{}
	}
	return r, nil
}

// Reconcile applies one verified event. A nil error means the event needs no
// redelivery: it was applied, already applied, stale, ignored, or refers to
// a user that does not exist. Errors mean the provider should retry.
func (r *Reconciler) Reconcile(ctx context.Context, ev *Event) (*Result, error) {
	if ev == nil || ev.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrInvalidWebhookPayload)
	}

	res := &Result{EventID: ev.ID, Kind: ev.Kind}

	if ev.Kind == EventUnknown || ev.Kind == "" {
		r.logger.Info("ignoring unhandled billing event",
			membership.F("event_id", ev.ID),
			membership.F("event_type", ev.Type),
		)
		res.Outcome = membership.OutcomeIgnored
		r.metrics.RecordReconcileOutcome(string(EventUnknown), string(res.Outcome))
		return res, nil
	}

	claim, err := r.begin(ctx, ev)
	if err != nil {
		r.metrics.RecordReconcileOutcome(string(ev.Kind), "error")
		return nil, fmt.Errorf("failed to claim event %s: %w", ev.ID, err)
	}
	switch claim {
	case membership.ClaimDuplicate:
		r.logger.Debug("billing event already processed", membership.F("event_id", ev.ID))
		res.Outcome = membership.OutcomeDuplicate
		r.metrics.RecordReconcileOutcome(string(ev.Kind), string(res.Outcome))
		return res, nil
	case membership.ClaimInFlight:
		r.metrics.RecordReconcileOutcome(string(ev.Kind), "in_flight")
		return nil, ErrEventInFlight
	}

	outcome, err := r.dispatch(ctx, ev, res)
	if err != nil {
		r.releaseClaim(ctx, ev.ID, err)
		r.metrics.RecordReconcileOutcome(string(ev.Kind), "error")
		return nil, err
	}

	if err := r.complete(ctx, ev.ID, outcome); err != nil {
		err = fmt.Errorf("failed to complete event %s: %w", ev.ID, err)
		r.releaseClaim(ctx, ev.ID, err)
		r.metrics.RecordReconcileOutcome(string(ev.Kind), "error")
		return nil, err
	}

	res.Outcome = outcome
	r.metrics.RecordReconcileOutcome(string(ev.Kind), string(outcome))
	r.logger.Info("billing event reconciled",
		membership.F("event_id", ev.ID),
		membership.F("event_type", ev.Type),
		membership.F("outcome", string(outcome)),
		membership.F("user_id", res.UserID),
		membership.F("status", string(res.Status)),
	)
	return res, nil
}

// dispatch resolves the user, computes the transition and applies it.
func (r *Reconciler) dispatch(ctx context.Context, ev *Event, res *Result) (membership.EventOutcome, error) {
	user, err := r.resolveUser(ctx, ev)
	if errors.Is(err, membership.ErrUserNotFound) {
		r.reportUnresolved(ctx, ev)
		return membership.OutcomeUnresolved, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve user: %w", err)
	}
	res.UserID = user.ID
	res.Status = user.SubscriptionStatus
	res.Role = user.Role

	if ev.Kind.SubscriptionScoped() && ev.SubscriptionID != "" &&
		user.SubscriptionID != "" && user.SubscriptionID != ev.SubscriptionID {
		r.logger.Info("billing event refers to a superseded subscription",
			membership.F("event_id", ev.ID),
			membership.F("user_id", user.ID),
			membership.F("event_subscription_id", ev.SubscriptionID),
			membership.F("current_subscription_id", user.SubscriptionID),
		)
		return membership.OutcomeStale, nil
	}

	upd, ok := r.transition(ev, user)
	if !ok {
		return membership.OutcomeIgnored, nil
	}

	applied, err := r.apply(ctx, upd)
	if errors.Is(err, membership.ErrUserNotFound) {
		r.reportUnresolved(ctx, ev)
		return membership.OutcomeUnresolved, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to update user %s: %w", user.ID, err)
	}
	if !applied {
		r.logger.Debug("billing event older than stored state",
			membership.F("event_id", ev.ID),
			membership.F("user_id", user.ID),
			membership.F("occurred_at", ev.OccurredAt),
			membership.F("stored_at", user.SubscriptionUpdatedAt),
		)
		if ev.Kind == EventCheckoutCompleted {
			stored, err := r.reload(ctx, user.ID)
			switch {
			case err == nil:
				r.welcomeFor(ctx, ev, stored)
			case !errors.Is(err, membership.ErrUserNotFound):
				return "", fmt.Errorf("failed to reload user %s: %w", user.ID, err)
			}
		}
		return membership.OutcomeStale, nil
	}

	res.Status = upd.Status
	res.Role = upd.Role
	if user.SubscriptionStatus != upd.Status {
		r.metrics.RecordStatusTransition(string(user.SubscriptionStatus), string(upd.Status))
	}
	if user.Role != upd.Role {
		r.metrics.RecordRoleChange(string(user.Role), string(upd.Role))
	}

	if ev.Kind == EventCheckoutCompleted {
		after := *user
		after.Apply(upd)
		r.welcomeFor(ctx, ev, &after)
	} else {
		r.notifyFor(ctx, ev, user, upd)
	}
	return membership.OutcomeApplied, nil
}

// welcomeFor sends the welcome for a checkout whenever the stored state shows
// the checkout's subscription live, whether or not this delivery wrote it.
// The dedupe key is per subscription.
func (r *Reconciler) welcomeFor(ctx context.Context, ev *Event, stored *membership.User) {
	if ev.SubscriptionID != "" && stored.SubscriptionID != ev.SubscriptionID {
		return
	}
	if !stored.SubscriptionStatus.Live() {
		return
	}
	if stored.Email == "" {
		r.logger.Warn("user has no email, notification skipped",
			membership.F("user_id", stored.ID),
			membership.F("kind", string(membership.NotifyWelcome)),
		)
		return
	}

	key := ev.SubscriptionID
	if key == "" {
		key = ev.ID
	}
	r.notifier.Notify(ctx, membership.NotificationRequest{
		Kind:      membership.NotifyWelcome,
		Recipient: stored.Email,
		DedupeKey: membership.NotificationKey(membership.NotifyWelcome, key),
		Metadata: map[string]string{
			"user_id":         stored.ID,
			"full_name":       stored.FullName,
			"email":           stored.Email,
			"membership_type": string(stored.MembershipType),
			"role":            string(stored.Role),
			"status":          string(stored.SubscriptionStatus),
			"subscription_id": stored.SubscriptionID,
			"event_id":        ev.ID,
		},
	})
}

// transition maps an event onto the update it implies for user. The second
// return value is false when the event carries nothing to apply.
func (r *Reconciler) transition(ev *Event, user *membership.User) (*membership.SubscriptionUpdate, bool) {
	membershipType := user.MembershipType
	hinted, known := membership.ParseMembershipType(ev.MembershipType)
	if known {
		membershipType = hinted
	} else if ev.MembershipType != "" {
		r.logger.Warn("unrecognized membership type, role left unchanged",
			membership.F("event_id", ev.ID),
			membership.F("user_id", user.ID),
			membership.F("membership_type", ev.MembershipType),
		)
	}

	var status membership.SubscriptionStatus
	var endedAt *time.Time

	switch ev.Kind {
	case EventCheckoutCompleted:
		status = membership.StatusActive
		if ev.PaymentPending {
			status = membership.StatusPending
		}
	case EventInvoicePaymentSucceeded:
		status = membership.StatusActive
	case EventInvoicePaymentFailed:
		status = membership.StatusPastDue
	case EventSubscriptionUpdated:
		mapped, ok := membership.ParseProviderStatus(ev.ProviderStatus)
		if !ok {
			r.logger.Warn("unrecognized subscription status, no action taken",
				membership.F("event_id", ev.ID),
				membership.F("user_id", user.ID),
				membership.F("provider_status", ev.ProviderStatus),
			)
			return nil, false
		}
		status = mapped
	case EventSubscriptionDeleted:
		status = membership.StatusCanceled
		ended := ev.OccurredAt
		if ev.EndedAt != nil {
			ended = *ev.EndedAt
		}
		endedAt = &ended
	default:
		return nil, false
	}

	upd := &membership.SubscriptionUpdate{
		UserID:         user.ID,
		Role:           membership.DeriveRole(user.Role, status, membershipType),
		Status:         status,
		SubscriptionID: ev.SubscriptionID,
		CustomerID:     ev.CustomerID,
		EndedAt:        endedAt,
		OccurredAt:     ev.OccurredAt,
	}
	if known {
		upd.MembershipType = hinted
	}
	return upd, true
}

// notifyFor emits the lapse notifications implied by an applied transition.
func (r *Reconciler) notifyFor(ctx context.Context, ev *Event, before *membership.User,
	upd *membership.SubscriptionUpdate) {
	var kind membership.NotificationKind
	switch {
	case upd.Status == membership.StatusPastDue && before.SubscriptionStatus != membership.StatusPastDue:
		kind = membership.NotifyPastDue
	case upd.Status == membership.StatusCanceled && before.SubscriptionStatus != membership.StatusCanceled:
		kind = membership.NotifyCanceled
	default:
		return
	}

	if before.Email == "" {
		r.logger.Warn("user has no email, notification skipped",
			membership.F("user_id", before.ID),
			membership.F("kind", string(kind)),
		)
		return
	}

	membershipType := upd.MembershipType
	if membershipType == "" {
		membershipType = before.MembershipType
	}

	r.notifier.Notify(ctx, membership.NotificationRequest{
		Kind:      kind,
		Recipient: before.Email,
		DedupeKey: membership.NotificationKey(kind, ev.ID),
		Metadata: map[string]string{
			"user_id":         before.ID,
			"full_name":       before.FullName,
			"email":           before.Email,
			"membership_type": string(membershipType),
			"role":            string(upd.Role),
			"status":          string(upd.Status),
			"subscription_id": upd.SubscriptionID,
			"event_id":        ev.ID,
		},
	})
}

// reportUnresolved makes a billing/application drift visible to operators.
func (r *Reconciler) reportUnresolved(ctx context.Context, ev *Event) {
	r.logger.Error("billing event does not match any user",
		membership.F("event_id", ev.ID),
		membership.F("event_type", ev.Type),
		membership.F("user_id", ev.UserID),
		membership.F("customer_id", ev.CustomerID),
		membership.F("customer_email", ev.CustomerEmail),
		membership.F("subscription_id", ev.SubscriptionID),
	)
	if r.operatorEmail == "" {
		return
	}
	r.notifier.Notify(ctx, membership.NotificationRequest{
		Kind:      membership.NotifyOperatorAlert,
		Recipient: r.operatorEmail,
		DedupeKey: membership.NotificationKey(membership.NotifyOperatorAlert, ev.ID),
		Metadata: map[string]string{
			"event_id":        ev.ID,
			"event_type":      ev.Type,
			"customer_id":     ev.CustomerID,
			"customer_email":  ev.CustomerEmail,
			"subscription_id": ev.SubscriptionID,
			"user_id":         ev.UserID,
		},
	})
}

type lookup struct {
	key  string
	find func(context.Context, string) (*membership.User, error)
}

// resolveUser tries the payload's keys from most to least stable.
func (r *Reconciler) resolveUser(ctx context.Context, ev *Event) (*membership.User, error) {
	byUser := lookup{ev.UserID, r.users.GetUser}
	byCustomer := lookup{ev.CustomerID, r.users.FindUserByCustomerID}
	bySubscription := lookup{ev.SubscriptionID, r.users.FindUserBySubscriptionID}
	byEmail := lookup{ev.CustomerEmail, r.users.FindUserByEmail}

	order := []lookup{bySubscription, byCustomer, byUser, byEmail}
	if ev.Kind == EventCheckoutCompleted {
		order = []lookup{byUser, byCustomer, byEmail}
	}

	for _, l := range order {
		if l.key == "" {
			continue
		}
		storeCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
		user, err := l.find(storeCtx, l.key)
		cancel()
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, membership.ErrUserNotFound) {
			return nil, err
		}
	}
	return nil, membership.ErrUserNotFound
}

func (r *Reconciler) begin(ctx context.Context, ev *Event) (membership.ClaimResult, error) {
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	storeCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	return r.ledger.BeginEvent(storeCtx, &membership.EventRecord{
		ID:             ev.ID,
		Provider:       ev.Provider,
		Type:           ev.Type,
		OccurredAt:     ev.OccurredAt,
		ReceivedAt:     receivedAt,
		Payload:        ev.Payload,
		SignatureValid: true,
	}, r.claimLease)
}

func (r *Reconciler) apply(ctx context.Context, upd *membership.SubscriptionUpdate) (bool, error) {
	storeCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	return r.users.ApplySubscriptionUpdate(storeCtx, upd)
}

func (r *Reconciler) reload(ctx context.Context, userID string) (*membership.User, error) {
	storeCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	return r.users.GetUser(storeCtx, userID)
}

func (r *Reconciler) complete(ctx context.Context, eventID string, outcome membership.EventOutcome) error {
	storeCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	return r.ledger.CompleteEvent(storeCtx, eventID, outcome)
}

// releaseClaim marks the event failed so a redelivery retries it at once
// instead of waiting for the lease. The caller is already returning an error.
func (r *Reconciler) releaseClaim(ctx context.Context, eventID string, cause error) {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.storeTimeout)
	defer cancel()
	if err := r.ledger.FailEvent(storeCtx, eventID, cause.Error()); err != nil {
		r.logger.Warn("failed to release event claim",
			membership.F("event_id", eventID),
			membership.F("error", err),
		)
	}
	r.logger.Error("billing event processing failed",
		membership.F("event_id", eventID),
		membership.F("error", cause),
	)
}
