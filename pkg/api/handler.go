package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/alliedcare/membersync/pkg/billing"
	"github.com/alliedcare/membersync/pkg/internal"
	"github.com/alliedcare/membersync/pkg/membership"
)

const (
	maxUserIDLen       = 255
	maxCheckoutBodyLen = 16 * 1024
)

var errLoadUser = errors.New("failed to load user")

// Handler provides the JSON endpoints of the membership site
type Handler struct {
	config   Config
	validate *validator.Validate
}

func newValidator() *validator.Validate {
	return validator.New()
}

// GetMembership returns the caller's role, subscription status and
// member hub access.
func (h *Handler) GetMembership(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	user, err := h.config.Users.GetUser(r.Context(), userID)
	if errors.Is(err, membership.ErrUserNotFound) {
		h.handleError(w, r, err, http.StatusNotFound)
		return
	}
	if err != nil {
		h.config.Logger.Error("failed to load user",
			membership.F("user_id", userID),
			membership.F("error", err),
		)
		h.handleError(w, r, errLoadUser, http.StatusInternalServerError)
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, membershipResponse(user))
}

// CreateCheckout starts a hosted checkout for the caller. It never changes
// the caller's subscription; that waits for the provider's webhook.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxCheckoutBodyLen)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			h.handleError(w, r, err, http.StatusRequestEntityTooLarge)
			return
		}
		h.handleError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}

	var req CheckoutRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}
	req.PriceID = strings.TrimSpace(req.PriceID)
	req.UserID = strings.TrimSpace(req.UserID)
	if err := h.validate.Struct(req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request: %s", describeValidation(err)), http.StatusBadRequest)
		return
	}
	if req.UserID != userID {
		h.handleError(w, r, fmt.Errorf("userId does not match the authenticated user"), http.StatusForbidden)
		return
	}

	session, err := h.config.Provider.CreateCheckoutSession(r.Context(), billing.CheckoutRequest{
		UserID:         req.UserID,
		PriceID:        req.PriceID,
		MembershipType: req.MembershipType,
	})
	switch {
	case err == nil:
	case errors.Is(err, billing.ErrPlanNotConfigured):
		h.handleError(w, r, billing.ErrPlanNotConfigured, http.StatusBadRequest)
		return
	case errors.Is(err, billing.ErrInvalidMembershipType):
		h.handleError(w, r, billing.ErrInvalidMembershipType, http.StatusBadRequest)
		return
	case errors.Is(err, membership.ErrUserNotFound):
		h.handleError(w, r, membership.ErrUserNotFound, http.StatusNotFound)
		return
	case errors.Is(err, billing.ErrProviderAPIError):
		h.handleError(w, r, fmt.Errorf("unable to create checkout session"), http.StatusBadGateway)
		return
	default:
		h.config.Logger.Error("checkout failed",
			membership.F("user_id", userID),
			membership.F("error", err),
		)
		h.handleError(w, r, fmt.Errorf("unable to create checkout session"), http.StatusInternalServerError)
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, CheckoutResponse{URL: session.URL, SessionID: session.ID})
}

// ResyncUser re-reads a user's subscription from the provider. Only super
// admins may call it; the target comes from the {userID} route parameter.
func (h *Handler) ResyncUser(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	caller, err := h.config.Users.GetUser(r.Context(), callerID)
	if err != nil && !errors.Is(err, membership.ErrUserNotFound) {
		h.config.Logger.Error("failed to load user",
			membership.F("user_id", callerID),
			membership.F("error", err),
		)
		h.handleError(w, r, errLoadUser, http.StatusInternalServerError)
		return
	}
	if caller == nil || caller.Role != membership.RoleSuperAdmin {
		h.handleError(w, r, fmt.Errorf("forbidden"), http.StatusForbidden)
		return
	}

	target := strings.TrimSpace(chi.URLParam(r, "userID"))
	if target == "" || len(target) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return
	}

	res, err := h.config.Provider.SyncUser(r.Context(), target)
	switch {
	case err == nil:
	case errors.Is(err, membership.ErrUserNotFound):
		h.handleError(w, r, membership.ErrUserNotFound, http.StatusNotFound)
		return
	case errors.Is(err, billing.ErrEventInFlight):
		h.handleError(w, r, billing.ErrEventInFlight, http.StatusConflict)
		return
	case errors.Is(err, billing.ErrProviderAPIError):
		h.handleError(w, r, fmt.Errorf("billing provider unavailable"), http.StatusBadGateway)
		return
	default:
		h.config.Logger.Error("resync failed",
			membership.F("user_id", target),
			membership.F("error", err),
		)
		h.handleError(w, r, fmt.Errorf("resync failed"), http.StatusInternalServerError)
		return
	}

	h.config.Logger.Info("user resynced",
		membership.F("user_id", target),
		membership.F("operator_id", callerID),
		membership.F("outcome", string(res.Outcome)),
	)
	_ = internal.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(h.config.GetUserID(r))
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func membershipResponse(u *membership.User) MembershipResponse {
	access := membership.HasMemberAccess(u)
	resp := MembershipResponse{
		UserID:             u.ID,
		Role:               string(u.Role),
		SubscriptionStatus: string(u.SubscriptionStatus),
		MembershipType:     string(u.MembershipType),
		HasAccess:          access.Allowed,
		Warning:            access.Warning,
		EndedAt:            u.SubscriptionEndedAt,
	}
	if resp.SubscriptionStatus == "" {
		resp.SubscriptionStatus = string(membership.StatusNone)
	}
	if !u.SubscriptionUpdatedAt.IsZero() {
		t := u.SubscriptionUpdatedAt
		resp.UpdatedAt = &t
	}
	return resp
}

// describeValidation turns validator errors into "field: rule" pairs
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s %s", lowerFirst(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	internal.WriteError(w, statusCode, err.Error())
}
