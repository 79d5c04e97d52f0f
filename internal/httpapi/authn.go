package httpapi

import (
	"net/http"
	"strings"

	"pitstop.dev/internal/audit"
	"pitstop.dev/internal/auth"
)

// publicPaths are reachable without a bearer token.
var publicPaths = map[string]struct{}{
	"/healthz":       {},
	"/readyz":        {},
	"/metrics":       {},
	"/v1/info":       {},
	"/v1/auth/token": {},
}

// withAuth validates the bearer token, places the principal on the
// context and stamps the request's audit metadata. The organization on
// the principal is the only tenant identity the rest of the stack ever
// sees; nothing downstream reads a tenant from the request body or URL.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := publicPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeError(w, r, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		principal := auth.Principal{
			UserID:         claims.Subject,
			OrganizationID: claims.OrganizationID,
		}
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = audit.WithMeta(ctx, audit.Meta{
			ActorUserID:    principal.UserID,
			OrganizationID: principal.OrganizationID,
			IPAddress:      clientIP(r),
			UserAgent:      r.UserAgent(),
			RequestID:      RequestIDFromContext(ctx),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// principal returns the authenticated caller or answers 401 itself.
func principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing bearer token")
		return auth.Principal{}, false
	}
	return p, true
}

// ensurePermission gates a handler on one capability. Resolution errors
// deny: a caller whose account vanished mid-session gets the same 403 as
// one who simply lacks the capability.
func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, key string) (auth.Principal, bool) {
	p, ok := principal(w, r)
	if !ok {
		return auth.Principal{}, false
	}
	allowed, err := a.rbac.HasPermission(r.Context(), p.UserID, key)
	if err != nil || !allowed {
		if err != nil {
			logServerError(r, err)
		}
		writeForbidden(w, r)
		return auth.Principal{}, false
	}
	return p, true
}
