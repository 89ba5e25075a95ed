// ABOUTME: HTTP middleware for JWT bearer authentication
// ABOUTME: Extracts the token from the Authorization header and adds the subject to context

package auth

import (
	"net/http"
	"strings"
)

// BearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func BearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// HTTPAuthMiddleware rejects requests without a valid bearer token. A nil
// verifier disables authentication.
func HTTPAuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if verifier == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			// Browsers cannot set headers on websocket upgrades.
			if header == "" {
				if tok := r.URL.Query().Get("token"); tok != "" {
					header = "Bearer " + tok
				}
			}
			token, errMsg := BearerToken(header)
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			subject, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}
