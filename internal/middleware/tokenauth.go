// Package middleware provides HTTP middlewares for authentication and logging.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/atinyakov/hexlock/internal/token"
)

type ctxKey string

const principalKey ctxKey = "principal"

// TokenAuth is a middleware that requires a valid delegation token.
//
// The token is read from the "Authorization: Bearer" header and checked with
// verifier, which refuses the anonymous principal. On success the textual
// principal is stored in the request context for the handlers downstream.
func TokenAuth(verifier *token.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearer(r)
			if !ok {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			id, err := verifier.Verify(raw)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, id.AccountID())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, raw, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

// GetPrincipalFromContext extracts the authenticated principal from the
// request context. Returns an empty string if not found.
func GetPrincipalFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(principalKey).(string); ok {
		return s
	}
	return ""
}
