// ABOUTME: HTTP helpers for token extraction and console-only API middleware
// ABOUTME: Bearer header takes precedence over the ?token= query parameter

package auth

import (
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
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

// TokenFromRequest returns the presented token: the Authorization bearer
// value if set, otherwise the "token" query parameter. Browsers cannot set
// headers on a WebSocket handshake, hence the query fallback.
func TokenFromRequest(r *http.Request) string {
	if token, errMsg := extractBearerToken(r.Header.Get("Authorization")); errMsg == "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// RequireConsoleHTTP creates an HTTP middleware that only admits requests
// carrying a valid console session token. Agents have no HTTP API access.
func RequireConsoleHTTP(validator Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := validator.Validate(TokenFromRequest(r))
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
				return
			}
			if id.Role != RoleConsole {
				writeJSONError(w, http.StatusForbidden, "console token required")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
