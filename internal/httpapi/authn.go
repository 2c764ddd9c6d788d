package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"paneldesk.org/internal/audit"
	"paneldesk.org/internal/rbac"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/login",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

// withAuth authenticates bearer tokens and loads the principal for the
// request. The principal snapshot is built fresh on every request, so a
// revoked role or permission takes effect immediately.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.auth == nil || a.rbac == nil {
		return next
	}
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

		userID, err := a.auth.ParseAndValidate(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		principal, err := a.rbac.Principal(r.Context(), userID)
		if err != nil {
			if errors.Is(err, rbac.ErrNotFound) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}
		if !principal.User.IsActive {
			writeError(w, r, http.StatusForbidden, "account disabled")
			return
		}

		ctx := rbac.ContextWithPrincipal(r.Context(), principal)
		ctx = audit.WithActor(ctx, audit.Actor{
			UserID:    principal.User.ID,
			IPAddress: clientIP(r),
			UserAgent: r.UserAgent(),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ensurePermissions writes the error response itself and reports whether
// the handler may proceed. Holding any one of the named permissions is
// enough.
func (a *API) ensurePermissions(w http.ResponseWriter, r *http.Request, perms ...string) bool {
	principal, ok := rbac.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if !principal.HasPermission(perms...) {
		handleDomainError(w, r, rbac.Denied(perms...))
		return false
	}
	return true
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
