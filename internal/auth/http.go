// ABOUTME: HTTP middleware for JWT authentication on transport and API endpoints
// ABOUTME: Extracts JWT from Authorization header and adds the principal to context

package auth

import (
	"log/slog"
	"net/http"
)

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates JWT tokens.
func HTTPAuthMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				if logger != nil {
					logger.Warn("auth failure", "reason", errMsg, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				}
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				if logger != nil {
					logger.Warn("auth failure", "reason", "invalid token", "path", r.URL.Path, "error", err)
				}
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			authCtx := &AuthContext{PrincipalID: claims.PrincipalID, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// NoAuthMiddleware installs the anonymous context.
func NoAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), Anonymous)))
		})
	}
}

// RequireRole creates an HTTP middleware that admits only the given roles.
// Must be used after HTTPAuthMiddleware or NoAuthMiddleware.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}
			if !authCtx.HasRole(roles...) {
				http.Error(w, `{"error":"role not permitted"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
