package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
)

type contextKey string

// UserEmailKey is the context key used to store the authenticated user's email.
const UserEmailKey contextKey = "user_email"

// ErrNoToken is returned when a request carries no usable bearer token.
var ErrNoToken = errors.New("no bearer token")

// RequireAuth middleware checks for a valid bearer token in the Authorization header
// and stores the user's email in the request context. Returns 401 Unauthorized otherwise.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			log.Printf("Auth: %v", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		userEmail, err := ValidateToken(token)
		if err != nil {
			log.Printf("Auth: Token validation failed: %v", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserEmail(r.Context(), userEmail)))
	})
}

// BearerToken extracts the token from an Authorization header value.
// The scheme is matched case-insensitively (RFC 7235).
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("%w: no Authorization header present", ErrNoToken)
	}

	fields := strings.Fields(header)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
		return "", fmt.Errorf("%w: invalid Authorization header format", ErrNoToken)
	}

	token := strings.TrimSpace(strings.Join(fields[1:], " "))
	if token == "" {
		return "", fmt.Errorf("%w: empty token after Bearer", ErrNoToken)
	}
	return token, nil
}

// TokenFromRequest reads the token from the "token" query parameter, falling back
// to the Authorization header. Browsers cannot set headers on WebSocket requests.
func TokenFromRequest(r *http.Request) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return BearerToken(r.Header.Get("Authorization"))
}

// WithUserEmail returns a context carrying the authenticated user's email.
func WithUserEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, UserEmailKey, email)
}

// GetUserEmailFromContext returns the user email from the context.
func GetUserEmailFromContext(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(UserEmailKey).(string)
	return email, ok
}

// ValidateToken validates the token and returns the user's email.
// In test mode (VMAIL_TEST_MODE=true) a token of the form "email:user@example.com"
// authenticates as that address. Every other token maps to "test@example.com".
func ValidateToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" || token == "email:" {
		return "", fmt.Errorf("token is empty")
	}

	if os.Getenv("VMAIL_TEST_MODE") == "true" {
		if email, ok := strings.CutPrefix(token, "email:"); ok && email != "" {
			return email, nil
		}
	}

	// TODO: Validate the token against Authelia (AUTHELIA_URL) once the session endpoint is wired.

	return "test@example.com", nil
}
