// Package auth implements the auth service (C11): registration,
// authentication with lockout, token issuance and rotation, password
// lifecycle, step-up challenges, and session management, composed from the
// token manager (C9) and session store (C10).
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/jewgo-app/core-platform/internal/auth/session"
	"github.com/jewgo-app/core-platform/internal/auth/token"
	"github.com/jewgo-app/core-platform/internal/telemetry"
	"github.com/jewgo-app/core-platform/pkg/apierr"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// User mirrors the users table row.
type User struct {
	ID                  string     `json:"id"`
	Email               string     `json:"email"`
	PasswordHash        string     `json:"-"`
	Name                string     `json:"name"`
	EmailVerified       bool       `json:"email_verified"`
	VerificationToken   string     `json:"-"`
	VerificationExpires *time.Time `json:"-"`
	ResetToken          string     `json:"-"`
	ResetExpires        *time.Time `json:"-"`
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"-"`
	LastLogin           *time.Time `json:"last_login,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	Roles               []string   `json:"roles"`
}

// Tokens is the bundle returned to callers after a successful
// authentication or refresh.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

// userStore is the subset of *pgxpool.Pool the service depends on for user
// and audit persistence.
type userStore interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// blacklistStore is the Redis-backed surface for the token blacklist and
// step-up challenges.
type blacklistStore interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration, tags []string) bool
	Get(ctx context.Context, key string, def any) any
	GetInto(ctx context.Context, key string, dst any) bool
	Delete(ctx context.Context, key string) bool
}

// Notifier dispatches best-effort verification/reset emails. Failures are
// logged, never propagated: dispatch is always best-effort.
type Notifier interface {
	SendVerificationEmail(ctx context.Context, email, token string) error
	SendPasswordResetEmail(ctx context.Context, email, token string) error
}

// Config holds the service's tunables.
type Config struct {
	AccessTTL              time.Duration
	RefreshTTL             time.Duration
	RememberMeRefreshTTL   time.Duration
	BcryptCost             int
	MaxFailedLoginAttempts int
	AccountLockoutMinutes  int
}

// Service is the auth service (C11).
type Service struct {
	db       userStore
	sessions *session.Store
	tokens   *token.Manager
	cache    blacklistStore
	notifier Notifier
	logger   *slog.Logger
	cfg      Config
}

// New creates a Service.
func New(db userStore, sessions *session.Store, tokens *token.Manager, cache blacklistStore, notifier Notifier, logger *slog.Logger, cfg Config) *Service {
	return &Service{db: db, sessions: sessions, tokens: tokens, cache: cache, notifier: notifier, logger: logger, cfg: cfg}
}

// PasswordStrength is the result of ValidatePassword.
type PasswordStrength struct {
	Score    int
	Failures []string
}

// ValidatePassword enforces the password policy: 8+ chars, at least one
// upper, one lower, one digit, one symbol. Score is 0-5, one point per
// satisfied rule.
func ValidatePassword(pw string) PasswordStrength {
	var failures []string
	score := 0

	if len(pw) >= 8 {
		score++
	} else {
		failures = append(failures, "must be at least 8 characters")
	}
	if regexp.MustCompile(`[A-Z]`).MatchString(pw) {
		score++
	} else {
		failures = append(failures, "must contain an uppercase letter")
	}
	if regexp.MustCompile(`[a-z]`).MatchString(pw) {
		score++
	} else {
		failures = append(failures, "must contain a lowercase letter")
	}
	if regexp.MustCompile(`[0-9]`).MatchString(pw) {
		score++
	} else {
		failures = append(failures, "must contain a digit")
	}
	if regexp.MustCompile(`[^A-Za-z0-9]`).MatchString(pw) {
		score++
	} else {
		failures = append(failures, "must contain a symbol")
	}

	return PasswordStrength{Score: score, Failures: failures}
}

func randomToken() string {
	return uuid.NewString() + uuid.NewString()
}

// RegisterUser validates input, hashes the password, inserts the user with
// a default "user" role and a 24h verification token, and best-effort
// dispatches a verification email.
func (s *Service) RegisterUser(ctx context.Context, email, password, name string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(email) {
		return nil, apierr.Validation("invalid email address", apierr.FieldError{Field: "email", Message: "not a valid email address"})
	}

	strength := ValidatePassword(password)
	if len(strength.Failures) > 0 {
		fields := make([]apierr.FieldError, len(strength.Failures))
		for i, f := range strength.Failures {
			fields[i] = apierr.FieldError{Field: "password", Message: f}
		}
		return nil, apierr.Validation("password does not meet policy", fields...)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "hashing password", err)
	}

	verificationToken := randomToken()
	verificationExpires := time.Now().Add(24 * time.Hour)
	id := uuid.NewString()

	_, err = s.db.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, name, email_verified, verification_token, verification_expires)
		VALUES ($1, $2, $3, $4, false, $5, $6)
	`, id, email, string(hash), name, verificationToken, verificationExpires)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apierr.New(apierr.KindConflict, "an account with that email already exists")
		}
		return nil, apierr.Wrap(apierr.KindInternal, "inserting user", err)
	}

	if _, err := s.db.Exec(ctx, `
		INSERT INTO user_roles (user_id, role, level, granted_at, is_active)
		VALUES ($1, 'user', 1, now(), true)
	`, id); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "granting default role", err)
	}

	if s.notifier != nil {
		if err := s.notifier.SendVerificationEmail(ctx, email, verificationToken); err != nil && s.logger != nil {
			s.logger.Warn("auth: sending verification email failed", "email", email, "error", err)
		}
	}

	s.audit(ctx, &id, "register", "", true, map[string]any{"email": email})

	return &User{
		ID: id, Email: email, Name: name, EmailVerified: false,
		VerificationToken: verificationToken, VerificationExpires: &verificationExpires,
		Roles: []string{string(RoleUser)},
	}, nil
}

// CreateGuestUser provisions a guest account: email `guest-<id>@guest.local`,
// pre-verified, no password, granted only the guest role at level 0.
func (s *Service) CreateGuestUser(ctx context.Context, ip string) (*User, error) {
	id := uuid.NewString()
	email := fmt.Sprintf("guest-%s@guest.local", id)

	if _, err := s.db.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, name, email_verified)
		VALUES ($1, $2, '', 'Guest User', true)
	`, id, email); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "inserting guest user", err)
	}

	if _, err := s.db.Exec(ctx, `
		INSERT INTO user_roles (user_id, role, level, granted_at, granted_by, is_active)
		VALUES ($1, 'guest', 0, now(), $1, true)
	`, id); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "granting guest role", err)
	}

	s.audit(ctx, &id, "guest_created", ip, true, nil)

	return &User{
		ID: id, Email: email, Name: "Guest User", EmailVerified: true,
		Roles: []string{string(RoleGuest)},
	}, nil
}

// UpgradeGuestToEmail converts a guest account into a full email/password
// account. Per spec.md §9 Open Question 3, an authenticated guest session
// is never enough on its own to grant the upgrade — password is validated
// fresh here exactly as it would be for a brand-new registration, so an
// already-authenticated guest cannot mint elevated-role credentials from
// its session alone.
func (s *Service) UpgradeGuestToEmail(ctx context.Context, uid, email, password, name string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(email) {
		return nil, apierr.Validation("invalid email address", apierr.FieldError{Field: "email", Message: "not a valid email address"})
	}

	strength := ValidatePassword(password)
	if len(strength.Failures) > 0 {
		fields := make([]apierr.FieldError, len(strength.Failures))
		for i, f := range strength.Failures {
			fields[i] = apierr.FieldError{Field: "password", Message: f}
		}
		return nil, apierr.Validation("password does not meet policy", fields...)
	}

	var currentEmail string
	if err := s.db.QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, uid).Scan(&currentEmail); err != nil {
		return nil, apierr.New(apierr.KindNotFound, "user not found")
	}
	if !strings.HasSuffix(currentEmail, "@guest.local") {
		return nil, apierr.New(apierr.KindValidation, "only guest accounts can be upgraded")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "hashing password", err)
	}

	verificationToken := randomToken()
	verificationExpires := time.Now().Add(24 * time.Hour)

	tag, err := s.db.Exec(ctx, `
		UPDATE users SET email = $2, name = COALESCE(NULLIF($3, ''), name), password_hash = $4,
		                  email_verified = false, verification_token = $5, verification_expires = $6, updated_at = now()
		WHERE id = $1
	`, uid, email, name, string(hash), verificationToken, verificationExpires)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apierr.New(apierr.KindConflict, "an account with that email already exists")
		}
		return nil, apierr.Wrap(apierr.KindInternal, "upgrading guest account", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, apierr.New(apierr.KindNotFound, "user not found")
	}

	if _, err := s.db.Exec(ctx, `
		UPDATE user_roles SET is_active = false WHERE user_id = $1 AND role = 'guest' AND is_active = true
	`, uid); err != nil && s.logger != nil {
		s.logger.Warn("auth: deactivating guest role failed", "user_id", uid, "error", err)
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO user_roles (user_id, role, level, granted_at, granted_by, is_active)
		VALUES ($1, 'user', 1, now(), $1, true)
		ON CONFLICT (user_id, role) DO UPDATE SET is_active = true, level = excluded.level
	`, uid); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "granting user role", err)
	}

	if s.notifier != nil {
		if err := s.notifier.SendVerificationEmail(ctx, email, verificationToken); err != nil && s.logger != nil {
			s.logger.Warn("auth: sending verification email failed", "email", email, "error", err)
		}
	}

	s.audit(ctx, &uid, "guest_upgraded", "", true, map[string]any{"email": email})

	return s.findUserByID(ctx, uid)
}

// AuthenticateUser verifies credentials, applying lockout accounting.
// Always writes an audit record regardless of outcome.
func (s *Service) AuthenticateUser(ctx context.Context, email, password, ip string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	u, err := s.findUserByEmail(ctx, email)
	if err != nil {
		s.audit(ctx, nil, "login", ip, false, map[string]any{"email": email, "reason": "not_found"})
		return nil, apierr.Authentication(err)
	}

	if u.LockedUntil != nil && u.LockedUntil.After(time.Now()) {
		s.audit(ctx, &u.ID, "login", ip, false, map[string]any{"reason": "locked"})
		return nil, apierr.New(apierr.KindAuthentication, "account is temporarily locked")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		s.recordFailedLogin(ctx, u)
		s.audit(ctx, &u.ID, "login", ip, false, map[string]any{"reason": "bad_password"})
		return nil, apierr.Authentication(err)
	}

	if _, err := s.db.Exec(ctx, `
		UPDATE users SET failed_login_attempts = 0, locked_until = NULL, last_login = now(), updated_at = now()
		WHERE id = $1
	`, u.ID); err != nil && s.logger != nil {
		s.logger.Warn("auth: clearing login failure state failed", "user_id", u.ID, "error", err)
	}

	s.audit(ctx, &u.ID, "login", ip, true, nil)
	return u, nil
}

func (s *Service) recordFailedLogin(ctx context.Context, u *User) {
	attempts := u.FailedLoginAttempts + 1
	var lockedUntil *time.Time
	if attempts >= s.cfg.MaxFailedLoginAttempts {
		t := time.Now().Add(time.Duration(s.cfg.AccountLockoutMinutes) * time.Minute)
		lockedUntil = &t
		telemetry.AuthAccountLockoutsTotal.Inc()
	}
	if _, err := s.db.Exec(ctx, `
		UPDATE users SET failed_login_attempts = $2, locked_until = $3, updated_at = now() WHERE id = $1
	`, u.ID, attempts, lockedUntil); err != nil && s.logger != nil {
		s.logger.Warn("auth: recording failed login failed", "user_id", u.ID, "error", err)
	}
}

// GenerateTokens mints a fresh access/refresh pair for u, establishing a new
// session row. rememberMe selects the longer refresh TTL.
func (s *Service) GenerateTokens(ctx context.Context, u *User, rememberMe bool, userAgent, ip string) (*Tokens, error) {
	sid := session.NewSessionID()
	fid := session.NewFamilyID()

	refreshTTL := s.cfg.RefreshTTL
	if rememberMe {
		refreshTTL = s.cfg.RememberMeRefreshTTL
	}

	permissions := PermissionsFromRoles(u.Roles)

	access, err := s.tokens.Mint(token.TypeAccess, u.ID, sid, fid, u.Roles, permissions, u.Email)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "minting access token", err)
	}
	refresh, err := s.tokens.Mint(token.TypeRefresh, u.ID, sid, fid, u.Roles, permissions, u.Email)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "minting refresh token", err)
	}

	now := time.Now()
	if err := s.sessions.PersistInitial(ctx, session.Session{
		SID: sid, FID: fid, UserID: u.ID, UserAgent: userAgent, IP: ip,
		CreatedAt: now, LastUsed: now, ExpiresAt: now.Add(refreshTTL),
	}); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "persisting session", err)
	}

	return &Tokens{AccessToken: access.Raw, RefreshToken: refresh.Raw, ExpiresIn: int64(s.cfg.AccessTTL.Seconds())}, nil
}

// ErrInvalidRefresh is returned by RefreshAccessToken for any failure that
// should not distinguish its cause to the caller, per the usual opacity
// rule for authentication errors.
var ErrInvalidRefresh = errors.New("auth: invalid refresh token")

// RefreshAccessToken verifies the refresh token, rotates the session, and
// mints a new access token bound to the rotated session.
func (s *Service) RefreshAccessToken(ctx context.Context, refreshToken string) (*Tokens, error) {
	verified, err := s.tokens.Verify(refreshToken, token.TypeRefresh)
	if err != nil {
		return nil, ErrInvalidRefresh
	}

	newSID := session.NewSessionID()
	now := time.Now()
	rotated, err := s.sessions.RotateOrReject(ctx, verified.Claims.SessionID, session.Session{
		SID: newSID, UserID: verified.UserID,
		CreatedAt: now, LastUsed: now, ExpiresAt: now.Add(s.cfg.RefreshTTL),
	})
	if err != nil {
		if errors.Is(err, session.ErrReuseDetected) {
			s.audit(ctx, &verified.UserID, "refresh_reuse_detected", "", false, map[string]any{"fid": verified.Claims.FamilyID})
			telemetry.AuthTokenRefreshReuseTotal.Inc()
		}
		return nil, ErrInvalidRefresh
	}

	access, err := s.tokens.Mint(token.TypeAccess, verified.UserID, rotated.SID, rotated.FID, verified.Claims.Roles, verified.Claims.Permissions, verified.Claims.Email)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "minting access token", err)
	}
	newRefresh, err := s.tokens.Mint(token.TypeRefresh, verified.UserID, rotated.SID, rotated.FID, verified.Claims.Roles, verified.Claims.Permissions, verified.Claims.Email)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "minting refresh token", err)
	}

	return &Tokens{AccessToken: access.Raw, RefreshToken: newRefresh.Raw, ExpiresIn: int64(s.cfg.AccessTTL.Seconds())}, nil
}

func blacklistKey(jti string) string { return "blacklist:" + jti }

// InvalidateToken blacklists the token's jti until its natural expiry, and
// for a refresh token cascades a full family revocation.
func (s *Service) InvalidateToken(ctx context.Context, raw string, typ token.Type) error {
	verified, err := s.tokens.Verify(raw, typ)
	if err != nil {
		return nil // already invalid/expired; nothing to blacklist
	}

	ttl := time.Until(verified.ExpiresAt)
	if ttl < 0 {
		ttl = 0
	}
	s.cache.Set(ctx, blacklistKey(verified.JTI), true, ttl, nil)

	if typ == token.TypeRefresh {
		if _, err := s.sessions.RevokeFamily(ctx, verified.Claims.FamilyID); err != nil && s.logger != nil {
			s.logger.Warn("auth: revoking family on invalidate failed", "fid", verified.Claims.FamilyID, "error", err)
		}
	}
	return nil
}

// IsTokenBlacklisted checks the Redis blacklist namespace for jti.
func (s *Service) IsTokenBlacklisted(ctx context.Context, jti string) bool {
	v := s.cache.Get(ctx, blacklistKey(jti), false)
	b, _ := v.(bool)
	return b
}

// ChangePassword verifies the current password and replaces it.
func (s *Service) ChangePassword(ctx context.Context, uid, current, newPassword string) error {
	var hash string
	if err := s.db.QueryRow(ctx, `SELECT password_hash FROM users WHERE id = $1`, uid).Scan(&hash); err != nil {
		return apierr.New(apierr.KindNotFound, "user not found")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(current)); err != nil {
		return apierr.Authentication(err)
	}

	strength := ValidatePassword(newPassword)
	if len(strength.Failures) > 0 {
		return apierr.Validation("password does not meet policy")
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.cfg.BcryptCost)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "hashing password", err)
	}

	_, err = s.db.Exec(ctx, `UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`, uid, string(newHash))
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "updating password", err)
	}
	s.audit(ctx, &uid, "change_password", "", true, nil)
	return nil
}

// InitiatePasswordReset always reports success to the caller regardless of
// whether email matches a user, to avoid account enumeration.
func (s *Service) InitiatePasswordReset(ctx context.Context, email string) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := s.findUserByEmail(ctx, email)
	if err != nil {
		return
	}

	resetToken := randomToken()
	expires := time.Now().Add(time.Hour)
	if _, err := s.db.Exec(ctx, `UPDATE users SET reset_token = $2, reset_expires = $3 WHERE id = $1`, u.ID, resetToken, expires); err != nil {
		if s.logger != nil {
			s.logger.Error("auth: initiating password reset failed", "user_id", u.ID, "error", err)
		}
		return
	}
	if s.notifier != nil {
		if err := s.notifier.SendPasswordResetEmail(ctx, email, resetToken); err != nil && s.logger != nil {
			s.logger.Warn("auth: sending reset email failed", "email", email, "error", err)
		}
	}
}

// ResetPasswordWithToken validates the reset token and replaces the
// password, clearing lockout state.
func (s *Service) ResetPasswordWithToken(ctx context.Context, resetToken, newPassword string) error {
	var uid string
	var expires time.Time
	err := s.db.QueryRow(ctx, `SELECT id, reset_expires FROM users WHERE reset_token = $1`, resetToken).Scan(&uid, &expires)
	if err != nil || expires.Before(time.Now()) {
		return apierr.New(apierr.KindValidation, "invalid or expired reset token")
	}

	strength := ValidatePassword(newPassword)
	if len(strength.Failures) > 0 {
		return apierr.Validation("password does not meet policy")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.cfg.BcryptCost)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "hashing password", err)
	}

	_, err = s.db.Exec(ctx, `
		UPDATE users SET password_hash = $2, reset_token = NULL, reset_expires = NULL,
		                  failed_login_attempts = 0, locked_until = NULL, updated_at = now()
		WHERE id = $1
	`, uid, string(hash))
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "resetting password", err)
	}
	s.audit(ctx, &uid, "reset_password", "", true, nil)
	return nil
}

// VerifyEmail marks a user's email verified via a pending verification
// token.
func (s *Service) VerifyEmail(ctx context.Context, verificationToken string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE users SET email_verified = true, verification_token = NULL, verification_expires = NULL, updated_at = now()
		WHERE verification_token = $1 AND verification_expires > now()
	`, verificationToken)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "verifying email", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.KindValidation, "invalid or expired verification token")
	}
	return nil
}

// ListSessions returns uid's active sessions.
func (s *Service) ListSessions(ctx context.Context, uid string) ([]session.Session, error) {
	return s.sessions.ListSessions(ctx, uid)
}

// RevokeSession revokes a single session owned by uid.
func (s *Service) RevokeSession(ctx context.Context, uid, sid string) error {
	sess, err := s.sessions.Get(ctx, sid)
	if err != nil {
		return apierr.New(apierr.KindNotFound, "session not found")
	}
	if sess.UserID != uid {
		return apierr.Authorization("cannot revoke another user's session")
	}
	return s.sessions.RevokeSession(ctx, sid)
}

// RevokeAllSessions revokes every active session for uid, optionally
// sparing exceptSID (used when a user signs out "everywhere else").
func (s *Service) RevokeAllSessions(ctx context.Context, uid string, exceptSID string) error {
	sessions, err := s.sessions.ListSessions(ctx, uid)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.SID == exceptSID {
			continue
		}
		if err := s.sessions.RevokeSession(ctx, sess.SID); err != nil {
			return err
		}
	}
	return nil
}

// GetUserProfile returns uid's profile.
func (s *Service) GetUserProfile(ctx context.Context, uid string) (*User, error) {
	return s.findUserByID(ctx, uid)
}

// UpdateUserProfile applies a partial update to uid's profile (only name is
// mutable through this path; email changes require re-verification and are
// out of scope here).
func (s *Service) UpdateUserProfile(ctx context.Context, uid, name string) error {
	_, err := s.db.Exec(ctx, `UPDATE users SET name = $2, updated_at = now() WHERE id = $1`, uid, name)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "updating profile", err)
	}
	return nil
}

func (s *Service) findUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRow(ctx, userSelectByEmail, email))
}

func (s *Service) findUserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRow(ctx, userSelectByID, id))
}

const userColumns = `u.id, u.email, u.password_hash, u.name, u.email_verified,
	u.failed_login_attempts, u.locked_until, u.last_login, u.created_at, u.updated_at,
	COALESCE(array_agg(r.role) FILTER (WHERE r.role IS NOT NULL), '{}')`

var userSelectByEmail = fmt.Sprintf(`
	SELECT %s FROM users u
	LEFT JOIN user_roles r ON r.user_id = u.id AND r.is_active = true
	WHERE u.email = $1
	GROUP BY u.id
`, userColumns)

var userSelectByID = fmt.Sprintf(`
	SELECT %s FROM users u
	LEFT JOIN user_roles r ON r.user_id = u.id AND r.is_active = true
	WHERE u.id = $1
	GROUP BY u.id
`, userColumns)

func (s *Service) scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.EmailVerified,
		&u.FailedLoginAttempts, &u.LockedUntil, &u.LastLogin, &u.CreatedAt, &u.UpdatedAt, &u.Roles); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.New(apierr.KindNotFound, "user not found")
		}
		return nil, err
	}
	return &u, nil
}

func (s *Service) audit(ctx context.Context, uid *string, action, ip string, success bool, details map[string]any) {
	detailsJSON := "{}"
	if details != nil {
		if b, err := marshalDetails(details); err == nil {
			detailsJSON = b
		}
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO auth_audit_log (user_id, action, ip, success, details, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, now())
	`, uid, action, ip, success, detailsJSON); err != nil && s.logger != nil {
		s.logger.Warn("auth: writing audit log failed", "action", action, "error", err)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func marshalDetails(details map[string]any) (string, error) {
	b, err := json.Marshal(details)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
