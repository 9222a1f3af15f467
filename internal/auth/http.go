// ABOUTME: HTTP middleware authenticating requests with access gateway tokens
// ABOUTME: Resolves the verified identity to an active user and stores it in context

package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/dispatch-relay/internal/store"
)

// Token carriers checked in order by ExtractToken.
const (
	AccessJWTHeader = "Cf-Access-Jwt-Assertion"
	AccessCookie    = "CF_Authorization"
)

// UserResolver turns a verified email into a durable user record.
type UserResolver interface {
	GetOrCreateUser(ctx context.Context, email, name string) (*store.User, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// ExtractToken finds the access token on a request: the Authorization bearer
// header first, then the access gateway's assertion header, then its cookie.
func ExtractToken(r *http.Request) (string, error) {
	if token, errMsg := extractBearerToken(r.Header.Get("Authorization")); errMsg == "" {
		return token, nil
	}
	if token := strings.TrimSpace(r.Header.Get(AccessJWTHeader)); token != "" {
		return token, nil
	}
	if c, err := r.Cookie(AccessCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", ErrMissingToken
}

// Middleware authenticates every request. Missing or invalid tokens get 401,
// a failed user lookup gets 500, and inactive users get 403.
func Middleware(validator TokenValidator, users UserResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := ExtractToken(r)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "missing token")
				return
			}

			claims, err := validator.Validate(r.Context(), token)
			if err != nil {
				logger.Info("rejected token", "remote_addr", r.RemoteAddr, "error", err)
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			user, err := users.GetOrCreateUser(r.Context(), claims.Email, claims.Name)
			if err != nil {
				logger.Error("resolving user", "email", claims.Email, "error", err)
				writeJSONError(w, http.StatusInternalServerError, "user lookup failed")
				return
			}

			if !user.IsActive {
				logger.Info("refused inactive user", "user_id", user.ID, "email", user.Email)
				writeJSONError(w, http.StatusForbidden, "user is inactive")
				return
			}

			ctx := WithAuth(r.Context(), &AuthContext{Claims: claims, User: user})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
