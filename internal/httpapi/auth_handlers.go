package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"pipecrm.org/internal/audit"
	"pipecrm.org/internal/auth"
	"pipecrm.org/internal/session"
	"pipecrm.org/internal/throttle"
	"pipecrm.org/internal/verify"
)

const refreshCookie = "refresh_token"

type registerRequest struct {
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	Password       string `json:"password"`
}

type verifyEmailRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	TokenType        string    `json:"token_type"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type loginResponse struct {
	tokenPairResponse
	User  *auth.Identity `json:"user"`
	Roles []string       `json:"roles"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	identity, err := a.sessions.Register(r.Context(), session.RegisterInput{
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		Email:          req.Email,
		Phone:          req.Phone,
		Password:       req.Password,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.register", map[string]any{
		"identity_id": identity.ID,
		"email":       identity.Email,
	})
	writeJSON(w, http.StatusCreated, identity)
}

func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req verifyEmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.sessions.VerifyEmail(r.Context(), req.Email, req.Code); err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.email_verified", map[string]any{
		"email": strings.ToLower(strings.TrimSpace(req.Email)),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "verified"})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, principal, err := a.sessions.Login(r.Context(), session.LoginInput{
		Email:      req.Email,
		Password:   req.Password,
		RemoteAddr: clientIP(r),
		RememberMe: req.RememberMe,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.setRefreshCookie(w, pair.RefreshToken, req.RememberMe)
	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"identity_id": principal.Identity.ID,
		"remote_addr": clientIP(r),
	})
	writeJSON(w, http.StatusOK, loginResponse{
		tokenPairResponse: pairResponse(pair),
		User:              principal.Identity,
		Roles:             principal.Roles,
	})
}

func (a *API) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token := a.refreshTokenFromRequest(w, r)
	if token == "" {
		writeError(w, r, http.StatusBadRequest, "refresh token is required")
		return
	}
	pair, principal, err := a.sessions.Refresh(r.Context(), token)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	// Rotation replaces the cookie, keeping the persistence the client
	// chose at login.
	a.setRefreshCookie(w, pair.RefreshToken, pair.Remember)
	_ = audit.LogEvent(r.Context(), "auth.refresh", map[string]any{
		"identity_id": principal.Identity.ID,
	})
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	token, ok := auth.TokenFromContext(r.Context())
	if !ok || token == "" {
		writeError(w, r, http.StatusBadRequest, "access token is required")
		return
	}
	if err := a.sessions.Logout(r.Context(), principal.Identity.ID, token); err != nil {
		writeError(w, r, http.StatusInternalServerError, "logout failed")
		return
	}
	a.clearRefreshCookie(w)
	_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{
		"identity_id": principal.Identity.ID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

// refreshTokenFromRequest prefers the JSON body and falls back to the
// refresh cookie so browser clients never handle the token directly.
func (a *API) refreshTokenFromRequest(w http.ResponseWriter, r *http.Request) string {
	if r.Body != nil && r.ContentLength != 0 {
		var req refreshRequest
		if err := decodeJSON(w, r, &req); err == nil {
			if token := strings.TrimSpace(req.RefreshToken); token != "" {
				return token
			}
		}
	}
	if c, err := r.Cookie(refreshCookie); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

func (a *API) setRefreshCookie(w http.ResponseWriter, token string, persist bool) {
	c := &http.Cookie{
		Name:     refreshCookie,
		Value:    token,
		Path:     "/v1/auth",
		HttpOnly: true,
		Secure:   !a.devMode,
		SameSite: http.SameSiteStrictMode,
	}
	if persist {
		c.MaxAge = int(a.sessions.RefreshTTL() / time.Second)
	}
	http.SetCookie(w, c)
}

func (a *API) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     "/v1/auth",
		HttpOnly: true,
		Secure:   !a.devMode,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func pairResponse(pair session.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:      pair.AccessToken,
		TokenType:        "Bearer",
		ExpiresAt:        pair.AccessExpiresAt,
		RefreshToken:     pair.RefreshToken,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
}

func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusBadRequest, "account already exists")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "account not found")
	case errors.Is(err, throttle.ErrTooManyAttempts):
		writeError(w, r, http.StatusTooManyRequests, "too many login attempts, try again later")
	case errors.Is(err, session.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, session.ErrNotVerified):
		writeError(w, r, http.StatusForbidden, "email is not verified")
	case errors.Is(err, session.ErrInvalidRefreshToken):
		writeError(w, r, http.StatusForbidden, "invalid refresh token")
	case errors.Is(err, verify.ErrInvalidCode):
		writeError(w, r, http.StatusBadRequest, "invalid or expired code")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
