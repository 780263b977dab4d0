package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"portal-auth/internal/model"
	"portal-auth/internal/repository/scylla"
	"portal-auth/internal/service"
	"portal-auth/internal/token"
	"portal-auth/internal/util"
)

type contextKey string

const (
	claimsContextKey  contextKey = "auth_claims"
	sessionContextKey contextKey = "auth_session"
)

// AuthHandler handles all authentication HTTP endpoints.
type AuthHandler struct {
	login      *service.LoginService
	sessions   *service.SessionService
	twoFactor  *service.TwoFactorService
	recovery   *service.RecoveryService
	access     *service.AccessService
	identity   *service.IdentityService
	tokens     *token.Manager
	identities scylla.IdentityStore
	logger     *zap.Logger
}

func NewAuthHandler(
	login *service.LoginService,
	sessions *service.SessionService,
	twoFactor *service.TwoFactorService,
	recovery *service.RecoveryService,
	access *service.AccessService,
	identity *service.IdentityService,
	tokens *token.Manager,
	identities scylla.IdentityStore,
	logger *zap.Logger,
) *AuthHandler {
	return &AuthHandler{
		login:      login,
		sessions:   sessions,
		twoFactor:  twoFactor,
		recovery:   recovery,
		access:     access,
		identity:   identity,
		tokens:     tokens,
		identities: identities,
		logger:     logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers all auth routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		// Login state machine
		r.Post("/email", h.BeginLogin)
		r.Post("/password", h.SubmitPassword)
		r.Post("/2fa", h.SubmitSecondFactor)

		// 2FA enrollment (password-authenticated, not bearer)
		r.Post("/setup-2fa", h.Setup2FA)
		r.Post("/verify-2fa-setup", h.Verify2FASetup)

		// Recovery
		r.Post("/forgot-password", h.ForgotPassword)
		r.Post("/verify-reset-token", h.VerifyResetToken)
		r.Post("/verify-reset-code", h.VerifyResetCode)
		r.Post("/reset-password", h.ResetPassword)

		// Bearer-protected
		r.Group(func(r chi.Router) {
			r.Use(h.RequireToken)
			r.Post("/logout", h.Logout)
			r.Post("/change-password", h.ChangePassword)
			r.Post("/validate-token", h.ValidateToken)
			r.Get("/me", h.Me)

			r.Group(func(r chi.Router) {
				r.Use(h.RequireFounder)
				r.Post("/nda/approve", h.NDAApprove)
				r.Post("/nda/revoke", h.NDARevoke)
				r.Post("/nda/extend", h.NDAExtend)
				r.Post("/identities", h.IdentityCreate)
				r.Post("/identities/deactivate", h.IdentityDeactivate)
			})
		})
	})
}

// RequireToken verifies the bearer token signature and the session
// registry before the request reaches a protected handler.
func (h *AuthHandler) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, session, err := h.authenticate(r)
		if err != nil {
			h.respondWithError(w, h.getStatusCode(err), err, "Authentication required")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		ctx = context.WithValue(ctx, sessionContextKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireFounder gates the NDA administration endpoints.
func (h *AuthHandler) RequireFounder(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil || claims.PortalType != string(model.PortalFounder) {
			h.respondWithError(w, http.StatusForbidden, service.ErrForbidden, "Founder access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *AuthHandler) authenticate(r *http.Request) (*token.Claims, *model.Session, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, nil, service.ErrTokenInvalid
	}

	claims, err := h.tokens.Parse(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		return nil, nil, service.ErrTokenInvalid
	}

	session, err := h.sessions.Validate(claims.ID)
	if err != nil {
		return nil, nil, err
	}

	return claims, session, nil
}

func claimsFromContext(ctx context.Context) *token.Claims {
	claims, _ := ctx.Value(claimsContextKey).(*token.Claims)
	return claims
}

func sessionFromContext(ctx context.Context) *model.Session {
	session, _ := ctx.Value(sessionContextKey).(*model.Session)
	return session
}

// BeginLogin handles step 1 of the login flow
func (h *AuthHandler) BeginLogin(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if !util.IsValidEmail(req.Email) {
		h.respondWithError(w, http.StatusBadRequest, errors.New("invalid email"), "A valid email is required")
		return
	}

	result, err := h.login.Begin(r.Context(), req.Email, r.RemoteAddr)
	if err != nil {
		h.respondWithAuthError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Continue with password"))
	h.logger.Debug("Login begun via HTTP",
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "BeginLogin"),
	)
}

// SubmitPassword handles step 2 of the login flow
func (h *AuthHandler) SubmitPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if !util.IsValidEmail(req.Email) || req.Password == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("invalid input"), "Email and password are required")
		return
	}

	result, err := h.login.SubmitPassword(r.Context(), req.Email, req.Password, r.RemoteAddr, r.UserAgent())
	if err != nil {
		h.respondWithAuthError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Password accepted"))
}

// SubmitSecondFactor handles step 3 of the login flow
func (h *AuthHandler) SubmitSecondFactor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if !util.IsValidEmail(req.Email) || req.Code == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("invalid input"), "Email and code are required")
		return
	}

	completion, err := h.login.SubmitSecondFactor(r.Context(), req.Email, req.Code, r.RemoteAddr, r.UserAgent())
	if err != nil {
		h.respondWithAuthError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(completion, "Login complete"))
}

// Setup2FA starts TOTP enrollment
func (h *AuthHandler) Setup2FA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if !util.IsValidEmail(req.Email) || req.Password == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("invalid input"), "Email and password are required")
		return
	}

	result, err := h.twoFactor.Enroll(r.Context(), req.Email, req.Password)
	if err != nil {
		h.respondWithAuthError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Scan the QR code and verify to activate"))
}

// Verify2FASetup completes TOTP enrollment
func (h *AuthHandler) Verify2FASetup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.twoFactor.Activate(r.Context(), req.Email, req.Code); err != nil {
		h.respondWithAuthError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Two-factor authentication enabled"))
}

// ForgotPassword starts the recovery flow. The response is identical
// whether or not the account exists.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if !util.IsValidEmail(req.Email) {
		h.respondWithError(w, http.StatusBadRequest, errors.New("invalid email"), "A valid email is required")
		return
	}

	if err := h.recovery.RequestReset(r.Context(), req.Email); err != nil {
		h.respondWithAuthError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil,
		"If an account exists for that address, reset instructions have been sent"))
}

// VerifyResetToken probes a recovery URL token
func (h *AuthHandler) VerifyResetToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	email, err := h.recovery.VerifyToken(req.Token)
	if err != nil {
		h.respondWithAuthError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{"email": email}, "Token is valid"))
}

// VerifyResetCode probes an emailed recovery code
func (h *AuthHandler) VerifyResetCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.recovery.VerifyCode(req.Email, req.Code); err != nil {
		h.respondWithAuthError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Code is valid"))
}

// ResetPassword consumes a recovery token or code and sets the new
// password. All sessions for the identity are revoked.
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token,omitempty"`
		Email       string `json:"email,omitempty"`
		Code        string `json:"code,omitempty"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if len(req.NewPassword) < 8 {
		h.respondWithError(w, http.StatusBadRequest, errors.New("password too short"), "Password must be at least 8 characters")
		return
	}

	var err error
	switch {
	case req.Token != "":
		err = h.recovery.ResetWithToken(r.Context(), req.Token, req.NewPassword)
	case req.Email != "" && req.Code != "":
		err = h.recovery.ResetWithCode(r.Context(), req.Email, req.Code, req.NewPassword)
	default:
		h.respondWithError(w, http.StatusBadRequest, errors.New("missing credentials"), "A reset token or email and code are required")
		return
	}
	if err != nil {
		h.respondWithAuthError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Password has been reset"))
}

// Logout revokes the presented session only
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())

	if err := h.sessions.Revoke(session.TokenID); err != nil {
		h.respondWithAuthError(w, err)
		return
	}
	h.sessions.RecordLogout(session)

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

// ChangePassword rotates the password for the authenticated identity
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if len(req.NewPassword) < 8 {
		h.respondWithError(w, http.StatusBadRequest, errors.New("password too short"), "Password must be at least 8 characters")
		return
	}

	if err := h.recovery.ChangePassword(r.Context(), claims.Email, req.CurrentPassword, req.NewPassword); err != nil {
		h.respondWithAuthError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Password changed"))
}

// ValidateToken re-checks the presented token and returns claims plus a
// live access-gate evaluation.
func (h *AuthHandler) ValidateToken(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	identityID, err := claims.IdentityID()
	if err != nil {
		h.respondWithError(w, http.StatusUnauthorized, service.ErrTokenInvalid, "Malformed token subject")
		return
	}

	identity, err := h.identities.GetIdentityByID(identityID)
	if err != nil {
		h.respondWithError(w, http.StatusUnauthorized, service.ErrTokenInvalid, "Identity no longer exists")
		return
	}

	decision := h.access.Evaluate(identity)

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"claims": claims,
		"access": decision,
	}, "Token is valid"))
}

// Me returns the live identity behind the token
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	identityID, err := claims.IdentityID()
	if err != nil {
		h.respondWithError(w, http.StatusUnauthorized, service.ErrTokenInvalid, "Malformed token subject")
		return
	}

	// Resolved by the immutable subject id, not the email claim
	identity, err := h.identities.GetIdentityByID(identityID)
	if err != nil {
		h.respondWithError(w, http.StatusNotFound, service.ErrNotFound, "Identity no longer exists")
		return
	}

	decision := h.access.Evaluate(identity)

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"identity": identity,
		"access":   decision,
	}, "OK"))
}

// NDAApprove transitions an identity's access gate to approved
func (h *AuthHandler) NDAApprove(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req struct {
		Email       string `json:"email"`
		ExpiresDays int    `json:"expires_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	identity, err := h.access.Approve(r.Context(), req.Email, claims.Email, req.ExpiresDays)
	if err != nil {
		h.respondWithAuthError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(identity, "Access approved"))
}

// NDARevoke revokes an identity's access gate
func (h *AuthHandler) NDARevoke(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	identity, err := h.access.Revoke(r.Context(), req.Email, claims.Email)
	if err != nil {
		h.respondWithAuthError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(identity, "Access revoked"))
}

// NDAExtend pushes an identity's access-gate expiry forward
func (h *AuthHandler) NDAExtend(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req struct {
		Email      string `json:"email"`
		ExtendDays int    `json:"extend_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	identity, err := h.access.Extend(r.Context(), req.Email, claims.Email, req.ExtendDays)
	if err != nil {
		h.respondWithAuthError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(identity, "Access extended"))
}

// IdentityCreate provisions a new portal identity
func (h *AuthHandler) IdentityCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email      string `json:"email"`
		Name       string `json:"name"`
		Password   string `json:"password"`
		PortalType string `json:"portal_type"`
		Company    string `json:"company,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if !util.IsValidEmail(req.Email) {
		h.respondWithError(w, http.StatusBadRequest, errors.New("invalid email"), "A valid email is required")
		return
	}
	if len(req.Password) < 8 {
		h.respondWithError(w, http.StatusBadRequest, errors.New("password too short"), "Password must be at least 8 characters")
		return
	}
	portalType, ok := model.ParsePortalType(req.PortalType)
	if !ok {
		h.respondWithError(w, http.StatusBadRequest, errors.New("unknown portal type"), "Portal type must be investor, customer, partner, or founder")
		return
	}

	identity, err := h.identity.Create(req.Email, req.Name, req.Password, portalType, req.Company)
	if err != nil {
		h.respondWithAuthError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(identity, "Identity created"))
}

// IdentityDeactivate soft-deactivates an identity and revokes its sessions
func (h *AuthHandler) IdentityDeactivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if !util.IsValidEmail(req.Email) {
		h.respondWithError(w, http.StatusBadRequest, errors.New("invalid email"), "A valid email is required")
		return
	}

	revoked, err := h.identity.Deactivate(req.Email)
	if err != nil {
		h.respondWithAuthError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]int{"revoked_sessions": revoked}, "Identity deactivated"))
}

// Helper Methods

func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// respondWithAuthError maps service errors onto the auth-specific
// status codes; a lockout carries retry_after_seconds.
func (h *AuthHandler) respondWithAuthError(w http.ResponseWriter, err error) {
	statusCode := h.getStatusCode(err)

	var locked *service.LockedError
	if errors.As(err, &locked) {
		resp := errorResponse(service.ErrAccountLocked, "Account temporarily locked")
		resp.Data = map[string]int{"retry_after_seconds": locked.RetryAfterSeconds()}
		w.Header().Set("Retry-After", strconv.Itoa(locked.RetryAfterSeconds()))
		h.respondWithJSON(w, statusCode, resp)
		return
	}

	h.respondWithError(w, statusCode, err, http.StatusText(statusCode))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *AuthHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrInvalidSecondFactor),
		errors.Is(err, service.ErrTokenInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrSessionRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrAccountLocked), errors.Is(err, service.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrFlowExpired):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
