// Package identity authenticates API callers.
package identity

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const callerKey contextKey = iota

// Anonymous is the caller recorded when no token is configured.
const Anonymous = "anonymous"

// CallerFromContext returns the authenticated caller of the request.
func CallerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(callerKey).(string); ok {
		return v
	}
	return Anonymous
}

// Middleware requires "Authorization: Bearer <token>" on every request when
// token is non-empty. An empty token disables the check.
func Middleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, Anonymous)))
				return
			}

			presented, ok := bearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="arbiter"`)
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), callerKey, "token:"+IPFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
