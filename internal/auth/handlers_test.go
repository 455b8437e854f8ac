package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/jewgo-app/core-platform/internal/auth/session"
)

func newTestHandler(t *testing.T, mockDB pgxmock.PgxPoolIface) *Handler {
	t.Helper()
	svc := New(mockDB, session.New(mockDB), testTokenManager(t), newFakeCache(), nil, nil, testConfig())
	return NewHandler(svc)
}

func doRequest(t *testing.T, router chi.Router, method, path string, body any, identity *Identity) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	r := httptest.NewRequest(method, path, reader)
	r.Header.Set("Content-Type", "application/json")
	if identity != nil {
		r = r.WithContext(NewContext(r.Context(), identity))
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

func TestHandleRegisterSuccess(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("creating pgxmock pool: %v", err)
	}
	defer mockDB.Close()

	mockDB.ExpectExec("INSERT INTO users").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockDB.ExpectExec("INSERT INTO user_roles").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockDB.ExpectExec("INSERT INTO auth_audit_log").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	h := newTestHandler(t, mockDB)
	w := doRequest(t, h.Routes(), http.MethodPost, "/register", registerRequest{
		Email: "new@example.com", Password: "Str0ng!Pass", Name: "New User",
	}, nil)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleRegisterRejectsWeakPassword(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("creating pgxmock pool: %v", err)
	}
	defer mockDB.Close()

	h := newTestHandler(t, mockDB)
	w := doRequest(t, h.Routes(), http.MethodPost, "/register", registerRequest{
		Email: "new@example.com", Password: "weak", Name: "New User",
	}, nil)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleLoginSuccess(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("creating pgxmock pool: %v", err)
	}
	defer mockDB.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte("Str0ng!Pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}

	now := time.Now()
	rows := pgxmock.NewRows(userRowColumns()).
		AddRow("user-1", "user@example.com", string(hash), "User", true, 0, nil, nil, now, now, []string{"user"})

	mockDB.ExpectQuery("SELECT").WillReturnRows(rows)
	mockDB.ExpectExec("UPDATE users SET failed_login_attempts = 0").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mockDB.ExpectExec("INSERT INTO auth_audit_log").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockDB.ExpectExec("INSERT INTO auth_sessions").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	h := newTestHandler(t, mockDB)
	w := doRequest(t, h.Routes(), http.MethodPost, "/login", loginRequest{
		Email: "user@example.com", Password: "Str0ng!Pass",
	}, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var tokens Tokens
	if err := json.Unmarshal(w.Body.Bytes(), &tokens); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("expected non-empty tokens, got %+v", tokens)
	}
}

func TestHandleLoginRejectsBadCredentials(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("creating pgxmock pool: %v", err)
	}
	defer mockDB.Close()

	mockDB.ExpectQuery("SELECT").WillReturnError(pgx.ErrNoRows)
	mockDB.ExpectExec("INSERT INTO auth_audit_log").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	h := newTestHandler(t, mockDB)
	w := doRequest(t, h.Routes(), http.MethodPost, "/login", loginRequest{
		Email: "nobody@example.com", Password: "Str0ng!Pass",
	}, nil)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleCreateGuestReturnsTokens(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("creating pgxmock pool: %v", err)
	}
	defer mockDB.Close()

	mockDB.ExpectExec("INSERT INTO users").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockDB.ExpectExec("INSERT INTO user_roles").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockDB.ExpectExec("INSERT INTO auth_audit_log").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockDB.ExpectExec("INSERT INTO auth_sessions").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	h := newTestHandler(t, mockDB)
	w := doRequest(t, h.Routes(), http.MethodPost, "/guest", nil, nil)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleUpgradeGuestRequiresIdentity(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("creating pgxmock pool: %v", err)
	}
	defer mockDB.Close()

	h := newTestHandler(t, mockDB)
	w := doRequest(t, h.AuthenticatedRoutes(), http.MethodPost, "/guest/upgrade", upgradeGuestRequest{
		Email: "new@example.com", Password: "Str0ng!Pass",
	}, nil)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleUpgradeGuestSuccess(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("creating pgxmock pool: %v", err)
	}
	defer mockDB.Close()

	mockDB.ExpectQuery("SELECT email FROM users").
		WithArgs("guest-1").
		WillReturnRows(pgxmock.NewRows([]string{"email"}).AddRow("guest-1@guest.local"))
	mockDB.ExpectExec("UPDATE users SET email").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mockDB.ExpectExec("UPDATE user_roles SET is_active = false").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mockDB.ExpectExec("INSERT INTO user_roles").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockDB.ExpectExec("INSERT INTO auth_audit_log").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	now := time.Now()
	mockDB.ExpectQuery("SELECT").WillReturnRows(pgxmock.NewRows(userRowColumns()).
		AddRow("guest-1", "new@example.com", "", "New Name", false, 0, nil, nil, now, now, []string{"user"}))

	h := newTestHandler(t, mockDB)
	w := doRequest(t, h.AuthenticatedRoutes(), http.MethodPost, "/guest/upgrade", upgradeGuestRequest{
		Email: "new@example.com", Password: "Str0ng!Pass", Name: "New Name",
	}, &Identity{UserID: "guest-1"})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleMeRequiresIdentity(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("creating pgxmock pool: %v", err)
	}
	defer mockDB.Close()

	h := newTestHandler(t, mockDB)
	w := doRequest(t, h.AuthenticatedRoutes(), http.MethodGet, "/me", nil, nil)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleMeReturnsProfile(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("creating pgxmock pool: %v", err)
	}
	defer mockDB.Close()

	now := time.Now()
	mockDB.ExpectQuery("SELECT").WillReturnRows(pgxmock.NewRows(userRowColumns()).
		AddRow("user-1", "user@example.com", "", "User", true, 0, nil, nil, now, now, []string{"user"}))

	h := newTestHandler(t, mockDB)
	w := doRequest(t, h.AuthenticatedRoutes(), http.MethodGet, "/me", nil, &Identity{UserID: "user-1"})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleRefreshRejectsInvalidToken(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("creating pgxmock pool: %v", err)
	}
	defer mockDB.Close()

	h := newTestHandler(t, mockDB)
	w := doRequest(t, h.Routes(), http.MethodPost, "/refresh", refreshRequest{RefreshToken: "garbage"}, nil)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleListSessionsRequiresIdentity(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("creating pgxmock pool: %v", err)
	}
	defer mockDB.Close()

	h := newTestHandler(t, mockDB)
	w := doRequest(t, h.AuthenticatedRoutes(), http.MethodGet, "/sessions", nil, nil)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
}
