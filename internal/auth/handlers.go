package auth

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jewgo-app/core-platform/internal/auth/token"
	"github.com/jewgo-app/core-platform/internal/httpserver"
	"github.com/jewgo-app/core-platform/internal/telemetry"
	"github.com/jewgo-app/core-platform/pkg/apierr"
)

// Handler exposes the auth service over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates a Handler over svc.
func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// Routes returns the public (pre-authentication) auth routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/register", h.handleRegister)
	r.Post("/login", h.handleLogin)
	r.Post("/guest", h.handleCreateGuest)
	r.Post("/refresh", h.handleRefresh)
	r.Post("/logout", h.handleLogout)
	r.Post("/password-reset", h.handleInitiatePasswordReset)
	r.Post("/password-reset/confirm", h.handleResetPassword)
	r.Post("/verify-email", h.handleVerifyEmail)
	return r
}

// AuthenticatedRoutes returns the routes requiring a valid access token.
func (h *Handler) AuthenticatedRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/me", h.handleMe)
	r.Post("/change-password", h.handleChangePassword)
	r.Post("/guest/upgrade", h.handleUpgradeGuest)
	r.Get("/sessions", h.handleListSessions)
	r.Delete("/sessions/{sid}", h.handleRevokeSession)
	return r
}

// handleCreateGuest provisions a guest account and returns a token pair for
// it, the same shape login returns, so callers treat a guest session
// identically to a registered one until they choose to upgrade.
func (h *Handler) handleCreateGuest(w http.ResponseWriter, r *http.Request) {
	ip := r.RemoteAddr
	u, err := h.svc.CreateGuestUser(r.Context(), ip)
	if err != nil {
		respondServiceErr(w, err)
		return
	}
	tokens, err := h.svc.GenerateTokens(r.Context(), u, false, r.UserAgent(), ip)
	if err != nil {
		respondServiceErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, tokens)
}

type upgradeGuestRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Name     string `json:"name"`
}

func (h *Handler) handleUpgradeGuest(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "no authenticated identity")
		return
	}
	var req upgradeGuestRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	u, err := h.svc.UpgradeGuestToEmail(r.Context(), id.UserID, req.Email, req.Password, req.Name)
	if err != nil {
		respondServiceErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, u)
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Name     string `json:"name" validate:"required"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	u, err := h.svc.RegisterUser(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		respondServiceErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, u)
}

type loginRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required"`
	RememberMe bool   `json:"remember_me"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	ip := r.RemoteAddr
	u, err := h.svc.AuthenticateUser(r.Context(), req.Email, req.Password, ip)
	if err != nil {
		telemetry.AuthLoginAttemptsTotal.WithLabelValues("failure").Inc()
		respondServiceErr(w, err)
		return
	}
	telemetry.AuthLoginAttemptsTotal.WithLabelValues("success").Inc()

	tokens, err := h.svc.GenerateTokens(r.Context(), u, req.RememberMe, r.UserAgent(), ip)
	if err != nil {
		respondServiceErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, tokens)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	tokens, err := h.svc.RefreshAccessToken(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidRefresh) {
			httpserver.RespondError(w, http.StatusUnauthorized, "invalid_refresh_token", "refresh token is invalid or expired")
			return
		}
		respondServiceErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, tokens)
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.svc.InvalidateToken(r.Context(), req.RefreshToken, token.TypeRefresh); err != nil {
		respondServiceErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "no authenticated identity")
		return
	}
	u, err := h.svc.GetUserProfile(r.Context(), id.UserID)
	if err != nil {
		respondServiceErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, u)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "no authenticated identity")
		return
	}
	var req changePasswordRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.svc.ChangePassword(r.Context(), id.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		respondServiceErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

type initiatePasswordResetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (h *Handler) handleInitiatePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req initiatePasswordResetRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	h.svc.InitiatePasswordReset(r.Context(), req.Email)
	httpserver.Respond(w, http.StatusAccepted, map[string]string{"message": "if the email exists, a reset link has been sent"})
}

type resetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required"`
}

func (h *Handler) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.svc.ResetPasswordWithToken(r.Context(), req.Token, req.NewPassword); err != nil {
		respondServiceErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

type verifyEmailRequest struct {
	Token string `json:"token" validate:"required"`
}

func (h *Handler) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.svc.VerifyEmail(r.Context(), req.Token); err != nil {
		respondServiceErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "no authenticated identity")
		return
	}
	sessions, err := h.svc.ListSessions(r.Context(), id.UserID)
	if err != nil {
		respondServiceErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, sessions)
}

func (h *Handler) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "no authenticated identity")
		return
	}
	sid := chi.URLParam(r, "sid")
	if err := h.svc.RevokeSession(r.Context(), id.UserID, sid); err != nil {
		respondServiceErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func respondServiceErr(w http.ResponseWriter, err error) {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		httpserver.RespondError(w, statusForKind(ae.Kind), string(ae.Kind), ae.Message)
		return
	}
	httpserver.RespondError(w, http.StatusInternalServerError, "internal", "an unexpected error occurred")
}

func statusForKind(k apierr.Kind) int {
	switch k {
	case apierr.KindValidation:
		return http.StatusUnprocessableEntity
	case apierr.KindAuthentication:
		return http.StatusUnauthorized
	case apierr.KindAuthorization:
		return http.StatusForbidden
	case apierr.KindRateLimited:
		return http.StatusTooManyRequests
	case apierr.KindNotFound:
		return http.StatusNotFound
	case apierr.KindConflict:
		return http.StatusConflict
	case apierr.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
