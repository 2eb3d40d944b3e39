package api

import "time"

// CheckoutRequest is the body of POST /api/checkout
type CheckoutRequest struct {
	PriceID        string `json:"priceId" validate:"required,max=255"`
	UserID         string `json:"userId" validate:"required,max=255"`
	MembershipType string `json:"membershipType,omitempty" validate:"omitempty,max=64"`
}

// CheckoutResponse carries the hosted checkout URL the browser is sent to
type CheckoutResponse struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
}

// MembershipResponse is the caller's current standing
type MembershipResponse struct {
	UserID             string     `json:"userId"`
	Role               string     `json:"role"`
	SubscriptionStatus string     `json:"subscriptionStatus"`
	MembershipType     string     `json:"membershipType,omitempty"`
	HasAccess          bool       `json:"hasAccess"`
	Warning            string     `json:"warning,omitempty"` // "past_due"
	UpdatedAt          *time.Time `json:"updatedAt,omitempty"`
	EndedAt            *time.Time `json:"endedAt,omitempty"`
}
