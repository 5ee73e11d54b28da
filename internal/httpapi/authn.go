package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"vetsync.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth requires a valid bearer token. Browsers cannot set headers on
// websocket upgrades, so /v1/changes also accepts ?access_token=.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if a.Signer == nil {
			writeError(w, r, http.StatusServiceUnavailable, "authentication is not configured")
			return
		}

		header := r.Header.Get(authHeader)
		if header == "" && r.URL.Path == "/v1/changes" {
			if tok := r.URL.Query().Get("access_token"); tok != "" {
				header = bearer + tok
			}
		}
		token, err := extractBearerToken(header)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="vetsync"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.Signer.ParseAndValidate(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="vetsync", error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		if strings.TrimSpace(claims.Org) == "" {
			writeError(w, r, http.StatusForbidden, "token is not scoped to an organization")
			return
		}

		ctx := auth.ContextWithIdentity(r.Context(), auth.Identity{
			UserID: claims.Subject,
			OrgID:  claims.Org,
			Roles:  claims.Roles,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects callers without role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := auth.IdentityFromContext(r.Context()); !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="vetsync"`)
				writeError(w, r, http.StatusUnauthorized, "authentication required")
				return
			}
			if !auth.HasRole(r.Context(), role) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="vetsync", error="insufficient_scope"`)
				writeError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
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
