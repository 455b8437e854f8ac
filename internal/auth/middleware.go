package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jewgo-app/core-platform/internal/auth/token"
)

// Identity is the authenticated principal attached to a request context
// after a token has been verified.
type Identity struct {
	UserID      string
	Email       string
	Roles       []string
	Permissions []string
	SessionID   string
	FamilyID    string
}

// HasPermission reports whether id carries perm, or the wildcard
// super-admin permission.
func (id *Identity) HasPermission(perm string) bool {
	for _, p := range id.Permissions {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}

type identityKey struct{}

// NewContext returns a copy of ctx carrying id.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the Identity stored in ctx, or nil if none.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// verifier is the subset of token.Manager the middleware depends on.
type verifier interface {
	Verify(raw string, want token.Type) (*token.Verified, error)
}

// Middleware returns HTTP middleware that authenticates the caller via a
// Bearer access token and stores the resulting Identity in the request
// context.
func Middleware(v verifier, blacklist func(jti string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				respondErr(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

			verified, err := v.Verify(raw, token.TypeAccess)
			if err != nil {
				respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
				return
			}

			if blacklist != nil && blacklist(verified.JTI) {
				respondErr(w, http.StatusUnauthorized, "unauthorized", "token has been revoked")
				return
			}

			id := &Identity{
				UserID:      verified.UserID,
				Email:       verified.Claims.Email,
				Roles:       verified.Claims.Roles,
				Permissions: verified.Claims.Permissions,
				SessionID:   verified.Claims.SessionID,
				FamilyID:    verified.Claims.FamilyID,
			}

			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), id)))
		})
	}
}

// RequireAuth rejects requests that have no authenticated identity.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			respondErr(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireMinRole returns middleware that rejects requests whose identity
// does not meet minRole's privilege level per the role hierarchy.
func RequireMinRole(minRole Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				respondForbidden(w, "authentication required")
				return
			}
			if !HasMinRole(id.Roles, minRole) {
				respondForbidden(w, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermission returns middleware that rejects requests whose identity
// lacks perm.
func RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				respondForbidden(w, "authentication required")
				return
			}
			if !id.HasPermission(perm) {
				respondForbidden(w, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func respondForbidden(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "forbidden",
		"message": message,
	})
}

func respondErr(w http.ResponseWriter, status int, errStr, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errStr,
		"message": message,
	})
}
