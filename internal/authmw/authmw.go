// Package authmw provides HTTP middleware for bearer token authentication
// and caller role extraction.
package authmw

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/linnemanlabs/hazardwatch/internal/authz"
)

// Headers set by the identity proxy in front of the API.
const (
	RoleHeader  = "X-Hazardwatch-Role"
	ActorHeader = "X-Hazardwatch-Actor"
)

type callerKey struct{}

// Caller is the authenticated principal of a request.
type Caller struct {
	Role  authz.Role
	Actor string
}

// BearerToken returns middleware that validates the Authorization header
// contains a Bearer token matching the expected value. Comparison uses
// constant-time equality.
func BearerToken(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				jsonError(w, "missing or malformed authorization header", http.StatusUnauthorized)
				return
			}

			got := []byte(auth[len("Bearer "):])

			if subtle.ConstantTimeCompare(got, expected) != 1 {
				jsonError(w, "invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Identify reads the caller role and actor headers into the request
// context. A missing role falls back to def; an unknown role is refused.
func Identify(def authz.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := def
			if h := r.Header.Get(RoleHeader); h != "" {
				parsed, ok := authz.ParseRole(h)
				if !ok {
					jsonError(w, "unknown role", http.StatusForbidden)
					return
				}
				role = parsed
			}
			c := Caller{Role: role, Actor: strings.TrimSpace(r.Header.Get(ActorHeader))}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), c)))
		})
	}
}

// Require refuses requests whose caller role fails allow.
func Require(allow func(authz.Role) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, ok := CallerFromContext(r.Context())
			if !ok || !allow(c.Role) {
				jsonError(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithCaller stores c in ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext returns the caller stored by Identify.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
