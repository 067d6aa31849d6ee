// Package middleware provides the authentication and rate limiting layers
// of the authority API.
package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/linuxmuster/lmn-authority/internal/logger"
)

type contextKey string

// tokenKey carries the authenticated bearer token through the request
// context so the rate limiter can key on it.
const tokenKey contextKey = "authToken"

// skipPaths are served without authentication or rate limiting.
var skipPaths = map[string]struct{}{
	"/health":  {},
	"/ready":   {},
	"/metrics": {},
}

// SkipAuth reports whether a path bypasses auth and rate limiting.
func SkipAuth(path string) bool {
	_, ok := skipPaths[path]
	return ok
}

// TokenFromContext returns the bearer token stored by the auth middleware.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

// Auth returns a middleware enforcing bearer tokens and the CIDR
// allowlist. An empty allowlist admits every source address. When
// trustProxy is set, the first X-Forwarded-For entry is used as the
// client address.
func Auth(tokens map[string]struct{}, networks []*net.IPNet, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if SkipAuth(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED",
					"Missing or invalid Authorization header")
				return
			}
			token := auth[len("Bearer "):]
			if _, ok := tokens[token]; !ok {
				writeAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED",
					"Missing or invalid Authorization header")
				return
			}

			clientIP := resolveClientIP(r, trustProxy)
			if !ipAllowed(clientIP, networks) {
				logger.Warn("request from disallowed address", logger.KeyClientIP, clientIP)
				writeAuthError(w, http.StatusForbidden, "FORBIDDEN",
					fmt.Sprintf("Source IP %s is not in the allowlist", clientIP))
				return
			}

			ctx := context.WithValue(r.Context(), tokenKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// resolveClientIP returns the client address, preferring the first
// X-Forwarded-For entry only when the proxy is trusted.
func resolveClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipAllowed checks ip against the allowlist. Empty allowlist allows all.
func ipAllowed(ip string, networks []*net.IPNet) bool {
	if len(networks) == 0 {
		return true
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	for _, network := range networks {
		if network.Contains(addr) {
			return true
		}
	}
	return false
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q,"message":%q}`, code, message)
}
