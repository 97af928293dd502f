package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"pipecrm.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// TokenBlacklist answers whether an access token was revoked. A read error
// is not "not revoked": callers fail closed.
type TokenBlacklist interface {
	IsBlacklisted(ctx context.Context, subjectID, token string) (bool, error)
}

var publicPaths = []string{
	"/v1/auth/register",
	"/v1/auth/verify-email",
	"/v1/auth/login",
	"/v1/auth/refresh-token",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.issuer.VerifyAccess(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		// Logout must keep working for a token that is already on the
		// blacklist, so repeating it stays idempotent.
		if r.URL.Path != "/v1/auth/logout" {
			revoked, err := a.blacklist.IsBlacklisted(r.Context(), claims.Subject, token)
			if err != nil {
				writeError(w, r, http.StatusServiceUnavailable, "authentication unavailable")
				return
			}
			if revoked {
				writeError(w, r, http.StatusForbidden, "token revoked")
				return
			}
		}

		principal, err := a.resolver.ResolveByID(r.Context(), claims.Subject)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrNotFound):
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole gates a handler on role membership. It composes downstream of
// withAuth: any role in the allowed set grants access.
func RequireRole(allowed ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, r, http.StatusUnauthorized, "authentication required")
				return
			}
			if !principal.HasAnyRole(allowed...) {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, r, http.StatusForbidden, "role not allowed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ensurePermissions writes the error response itself and reports whether the
// caller may proceed.
func (a *API) ensurePermissions(w http.ResponseWriter, r *http.Request, perms ...string) bool {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if !principal.HasAnyPermission(perms...) {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return false
	}
	return true
}

// ensureSelfOrAdmin allows the identity itself, or anyone with the admin
// role, to act on the resource.
func (a *API) ensureSelfOrAdmin(w http.ResponseWriter, r *http.Request, identityID string) bool {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if principal.Identity.ID == identityID || principal.HasRole(auth.RoleAdmin) {
		return true
	}
	writeError(w, r, http.StatusForbidden, "permission denied")
	return false
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
