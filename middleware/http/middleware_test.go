package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alliedcare/membersync/pkg/membership"
	"github.com/alliedcare/membersync/storage/memory"
)

// Test helper to create a store with one user per access case
func setupTestStore(t *testing.T) *memory.Storage {
	t.Helper()

	store := memory.New()
	users := []*membership.User{
		{ID: "active", Role: membership.RoleProfessional, SubscriptionStatus: membership.StatusActive},
		{ID: "pastdue", Role: membership.RoleClinicAdmin, SubscriptionStatus: membership.StatusPastDue},
		{ID: "canceled", Role: membership.RoleProfessional, SubscriptionStatus: membership.StatusCanceled},
		{ID: "patient", Role: membership.RolePatient, SubscriptionStatus: membership.StatusNone},
		{ID: "admin", Role: membership.RoleSuperAdmin, SubscriptionStatus: membership.StatusNone},
	}
	for _, u := range users {
		if err := store.PutUser(context.Background(), u); err != nil {
			t.Fatalf("Failed to put user: %v", err)
		}
	}
	return store
}

type failingStore struct {
	*memory.Storage
}

func (failingStore) GetUser(context.Context, string) (*membership.User, error) {
	return nil, errors.New("connection refused")
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserFromContext(r.Context()); !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("welcome"))
	})
}

func serve(handler http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/hub", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Access(t *testing.T) {
	store := setupTestStore(t)
	handler := Middleware(Config{
		Users:     store,
		GetUserID: FromHeader("X-User-ID"),
	})(okHandler())

	tests := []struct {
		userID  string
		status  int
		warning string
	}{
		{"active", http.StatusOK, ""},
		{"pastdue", http.StatusOK, membership.AccessWarningPastDue},
		{"admin", http.StatusOK, ""},
		{"canceled", http.StatusForbidden, ""},
		{"patient", http.StatusForbidden, ""},
		{"unknown", http.StatusForbidden, ""},
		{"", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		rec := serve(handler, tt.userID)
		if rec.Code != tt.status {
			t.Errorf("user %q: expected status %d, got %d", tt.userID, tt.status, rec.Code)
		}
		if got := rec.Header().Get(WarningHeader); got != tt.warning {
			t.Errorf("user %q: expected warning %q, got %q", tt.userID, tt.warning, got)
		}
	}
}

func TestMiddleware_StoreError(t *testing.T) {
	handler := Middleware(Config{
		Users:     failingStore{memory.New()},
		GetUserID: FromHeader("X-User-ID"),
	})(okHandler())

	rec := serve(handler, "active")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	store := setupTestStore(t)
	var forbiddenUser *membership.User
	var gotErr error

	config := Config{
		Users:     store,
		GetUserID: FromHeader("X-User-ID"),
		OnUnauthorized: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		},
		OnForbidden: func(w http.ResponseWriter, r *http.Request, user *membership.User) {
			forbiddenUser = user
			http.Redirect(w, r, "/membership", http.StatusSeeOther)
		},
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			gotErr = err
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	}
	handler := Middleware(config)(okHandler())

	if rec := serve(handler, ""); rec.Code != http.StatusTeapot {
		t.Errorf("Expected custom unauthorized status, got %d", rec.Code)
	}

	rec := serve(handler, "canceled")
	if rec.Code != http.StatusSeeOther {
		t.Errorf("Expected redirect, got %d", rec.Code)
	}
	if forbiddenUser == nil || forbiddenUser.ID != "canceled" {
		t.Errorf("Expected OnForbidden to receive the user, got %+v", forbiddenUser)
	}

	config.Users = failingStore{memory.New()}
	handler = Middleware(config)(okHandler())
	if rec := serve(handler, "active"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected custom error status, got %d", rec.Code)
	}
	if gotErr == nil {
		t.Error("Expected OnError to receive the error")
	}
}

func TestMiddleware_RequiresConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing Users")
		}
	}()
	Middleware(Config{GetUserID: FromHeader("X-User-ID")})
}

func TestHandlerFunc(t *testing.T) {
	store := setupTestStore(t)
	mw := HandlerFunc(Config{Users: store, GetUserID: FromContext(UserIDKey)})

	handler := mw(func(w http.ResponseWriter, r *http.Request) {
		user, _ := UserFromContext(r.Context())
		_, _ = w.Write([]byte(user.ID))
	})

	req := httptest.NewRequest("GET", "/hub", nil)
	req = req.WithContext(WithUserID(req.Context(), "active"))
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "active" {
		t.Errorf("Expected 'active', got %s", rec.Body.String())
	}
}
