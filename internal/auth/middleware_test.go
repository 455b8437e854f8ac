package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jewgo-app/core-platform/internal/auth/token"
)

type fakeVerifier struct {
	verified *token.Verified
	err      error
}

func (f *fakeVerifier) Verify(raw string, want token.Type) (*token.Verified, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.verified, nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareRejectsMissingAuthorizationHeader(t *testing.T) {
	mw := Middleware(&fakeVerifier{}, nil)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	mw(okHandler()).ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestMiddlewareRejectsInvalidToken(t *testing.T) {
	mw := Middleware(&fakeVerifier{err: errors.New("bad token")}, nil)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer garbage")
	w := httptest.NewRecorder()

	mw(okHandler()).ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestMiddlewareRejectsBlacklistedToken(t *testing.T) {
	v := &fakeVerifier{verified: &token.Verified{
		UserID: "user-1",
		JTI:    "jti-1",
		Claims: token.Claims{Type: token.TypeAccess},
	}}
	mw := Middleware(v, func(jti string) bool { return jti == "jti-1" })

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer valid-looking-token")
	w := httptest.NewRecorder()

	mw(okHandler()).ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for blacklisted token, got %d", w.Code)
	}
}

func TestMiddlewareAttachesIdentityOnSuccess(t *testing.T) {
	v := &fakeVerifier{verified: &token.Verified{
		UserID: "user-1",
		JTI:    "jti-2",
		Claims: token.Claims{
			Type: token.TypeAccess, SessionID: "sid-1", FamilyID: "fid-1",
			Roles: []string{"user"}, Permissions: []string{"read:public"}, Email: "user@example.com",
		},
	}}
	mw := Middleware(v, func(string) bool { return false })

	var gotID *Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer valid-looking-token")
	w := httptest.NewRecorder()

	mw(next).ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if gotID == nil || gotID.UserID != "user-1" || gotID.Email != "user@example.com" {
		t.Fatalf("expected identity attached to context, got %+v", gotID)
	}
}

func TestRequireAuthRejectsUnauthenticatedRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	RequireAuth(okHandler()).ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireAuthAllowsAuthenticatedRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(NewContext(r.Context(), &Identity{UserID: "user-1"}))
	w := httptest.NewRecorder()

	RequireAuth(okHandler()).ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRequireMinRoleEnforcesHierarchy(t *testing.T) {
	mw := RequireMinRole(RoleAdmin)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(NewContext(r.Context(), &Identity{UserID: "user-1", Roles: []string{"user"}}))
	w := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for insufficient role, got %d", w.Code)
	}

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2 = r2.WithContext(NewContext(r2.Context(), &Identity{UserID: "admin-1", Roles: []string{"admin"}}))
	w2 := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(w2, r2)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200 for sufficient role, got %d", w2.Code)
	}
}

func TestRequireMinRoleRejectsMissingIdentity(t *testing.T) {
	mw := RequireMinRole(RoleUser)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	mw(okHandler()).ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestRequirePermissionEnforcesPermission(t *testing.T) {
	mw := RequirePermission("admin:manage_users")

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(NewContext(r.Context(), &Identity{UserID: "user-1", Permissions: []string{"read:public"}}))
	w := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing permission, got %d", w.Code)
	}

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2 = r2.WithContext(NewContext(r2.Context(), &Identity{UserID: "admin-1", Permissions: []string{"*"}}))
	w2 := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(w2, r2)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200 for wildcard permission, got %d", w2.Code)
	}
}

func TestIdentityHasPermissionWildcard(t *testing.T) {
	id := &Identity{Permissions: []string{"*"}}
	if !id.HasPermission("anything:at-all") {
		t.Fatalf("expected wildcard permission to satisfy any check")
	}

	id2 := &Identity{Permissions: []string{"read:public"}}
	if id2.HasPermission("write:own") {
		t.Fatalf("expected missing permission to be denied")
	}
}
