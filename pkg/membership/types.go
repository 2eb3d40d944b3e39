// Package membership defines the user, subscription and notification model
// shared by the billing core, its stores and the access middlewares.
package membership

import (
	"strings"
	"time"
)

// Role is the application-level role of a user account.
type Role string

const (
	RoleVisitor      Role = "visitor"
	RolePatient      Role = "patient"
	RoleProfessional Role = "professional"
	RoleClinicAdmin  Role = "clinic_admin"
	RoleSuperAdmin   Role = "super_admin"
)

// BaseRole is the non-paying role a signed-up user falls back to when a
// subscription ends.
const BaseRole = RolePatient

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleVisitor, RolePatient, RoleProfessional, RoleClinicAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// SubscriptionStatus is the reconciled state of a user's subscription.
type SubscriptionStatus string

const (
	StatusNone     SubscriptionStatus = "none"
	StatusPending  SubscriptionStatus = "pending"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
)

// Precedence orders statuses for transitions that carry the same provider
// timestamp. The higher value wins a tie.
func (s SubscriptionStatus) Precedence() int {
	switch s {
	case StatusPending:
		return 1
	case StatusActive:
		return 2
	case StatusPastDue:
		return 3
	case StatusCanceled:
		return 4
	default:
		return 0
	}
}

// Live reports whether the status belongs to a subscription that has not ended.
func (s SubscriptionStatus) Live() bool {
	return s == StatusPending || s == StatusActive || s == StatusPastDue
}

// ParseProviderStatus maps a payment provider subscription status onto the
// reconciled status set. The second return value is false for statuses that
// have no mapping; callers log those and leave the user untouched.
func ParseProviderStatus(raw string) (SubscriptionStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active", "trialing":
		return StatusActive, true
	case "past_due", "unpaid":
		return StatusPastDue, true
	case "canceled", "incomplete_expired":
		return StatusCanceled, true
	case "incomplete":
		return StatusPending, true
	default:
		return "", false
	}
}

// MembershipType is the paid membership a user chose at checkout.
type MembershipType string

const (
	MembershipProfessional MembershipType = "professional"
	MembershipClinicAdmin  MembershipType = "clinic_admin"
)

// ParseMembershipType maps the free-form checkout hint onto the closed set of
// membership types. Unknown or empty values return false.
func ParseMembershipType(raw string) (MembershipType, bool) {
	switch MembershipType(strings.ToLower(strings.TrimSpace(raw))) {
	case MembershipProfessional:
		return MembershipProfessional, true
	case MembershipClinicAdmin:
		return MembershipClinicAdmin, true
	default:
		return "", false
	}
}

// Role returns the role granted by the membership.
func (m MembershipType) Role() Role {
	switch m {
	case MembershipProfessional:
		return RoleProfessional
	case MembershipClinicAdmin:
		return RoleClinicAdmin
	default:
		return ""
	}
}

// DeriveRole computes a user's role from the reconciled subscription status
// and recorded membership type. Super admins are never changed by billing.
// A pending subscription keeps the current role until the provider confirms it.
func DeriveRole(current Role, status SubscriptionStatus, membershipType MembershipType) Role {
	if current == RoleSuperAdmin {
		return current
	}
	switch status {
	case StatusActive, StatusPastDue:
		if r := membershipType.Role(); r != "" {
			return r
		}
		return current
	case StatusCanceled, StatusNone:
		return BaseRole
	default:
		return current
	}
}

// User is an application account tied to an authentication identity.
type User struct {
	ID                    string             `json:"id"`
	Email                 string             `json:"email"`
	FullName              string             `json:"fullName,omitempty"`
	Role                  Role               `json:"role"`
	CustomerID            string             `json:"customerId,omitempty"`
	SubscriptionID        string             `json:"subscriptionId,omitempty"`
	SubscriptionStatus    SubscriptionStatus `json:"subscriptionStatus"`
	MembershipType        MembershipType     `json:"membershipType,omitempty"`
	SubscriptionUpdatedAt time.Time          `json:"subscriptionUpdatedAt,omitempty"`
	SubscriptionEndedAt   *time.Time         `json:"subscriptionEndedAt,omitempty"`
	CreatedAt             time.Time          `json:"createdAt"`
}

// SubscriptionUpdate is one reconciled transition to apply to a user record.
// Empty string fields leave the stored value unchanged.
type SubscriptionUpdate struct {
	UserID         string
	Role           Role
	Status         SubscriptionStatus
	SubscriptionID string
	CustomerID     string
	MembershipType MembershipType
	EndedAt        *time.Time

	// OccurredAt is the provider timestamp of the event (see User.Supersedes).
	OccurredAt time.Time
}

// Supersedes reports whether upd wins over the stored state of u: a newer
// provider timestamp always wins. At an equal timestamp the higher status
// precedence wins, and an equal precedence wins only if it changes a field.
func (u *User) Supersedes(upd *SubscriptionUpdate) bool {
	if u.SubscriptionUpdatedAt.IsZero() || u.SubscriptionUpdatedAt.Before(upd.OccurredAt) {
		return true
	}
	if !u.SubscriptionUpdatedAt.Equal(upd.OccurredAt) {
		return false
	}
	if p, cur := upd.Status.Precedence(), u.SubscriptionStatus.Precedence(); p != cur {
		return p > cur
	}
	return (upd.Role != "" && upd.Role != u.Role) ||
		(upd.SubscriptionID != "" && upd.SubscriptionID != u.SubscriptionID) ||
		(upd.CustomerID != "" && upd.CustomerID != u.CustomerID) ||
		(upd.MembershipType != "" && upd.MembershipType != u.MembershipType)
}

// Apply writes the update onto u. Callers check Supersedes first.
func (u *User) Apply(upd *SubscriptionUpdate) {
	if upd.Role != "" {
		u.Role = upd.Role
	}
	u.SubscriptionStatus = upd.Status
	if upd.SubscriptionID != "" {
		u.SubscriptionID = upd.SubscriptionID
	}
	if upd.CustomerID != "" {
		u.CustomerID = upd.CustomerID
	}
	if upd.MembershipType != "" {
		u.MembershipType = upd.MembershipType
	}
	if upd.EndedAt != nil {
		ended := *upd.EndedAt
		u.SubscriptionEndedAt = &ended
	} else if upd.Status.Live() {
		u.SubscriptionEndedAt = nil
	}
	u.SubscriptionUpdatedAt = upd.OccurredAt
}
