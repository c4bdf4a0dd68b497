// Package auth guards API routes with HS256 bearer tokens.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const SubjectContextKey ContextKey = "subject"

// DefaultTTL is the lifetime of tokens issued without an explicit TTL.
const DefaultTTL = 24 * time.Hour

const issuer = "docqa"

type Claims struct {
	jwt.RegisteredClaims
}

var (
	authConfig *AuthConfig
)

type AuthConfig struct {
	JwtSecret []byte
	Enabled   bool
}

// InitializeAuth sets up the auth configuration
func InitializeAuth(jwtSecret string, enabled bool) {
	authConfig = &AuthConfig{
		JwtSecret: []byte(jwtSecret),
		Enabled:   enabled,
	}
}

// IsAuthEnabled returns whether authentication is enabled
func IsAuthEnabled() bool {
	if authConfig == nil {
		return false
	}
	return authConfig.Enabled
}

// GenerateJWT issues a token for subject valid for ttl (DefaultTTL when ttl <= 0).
func GenerateJWT(subject string, ttl time.Duration) (string, error) {
	if authConfig == nil {
		return "", errors.New("auth not initialized")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(authConfig.JwtSecret)
}

// ValidateJWT validates a token and returns its subject.
func ValidateJWT(tokenString string) (string, error) {
	if authConfig == nil {
		return "", errors.New("auth not initialized")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return authConfig.JwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())

	if err != nil {
		return "", err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.Subject != "" {
		return claims.Subject, nil
	}

	return "", fmt.Errorf("invalid token")
}

// OptionalAuthMiddleware requires a valid bearer token when auth is enabled
// and passes every request through otherwise.
func OptionalAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenString == "" {
			unauthorized(w, "authentication required")
			return
		}

		subject, err := ValidateJWT(tokenString)
		if err != nil {
			unauthorized(w, "invalid authentication token")
			return
		}

		ctx := context.WithValue(r.Context(), SubjectContextKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetSubjectFromContext returns the authenticated subject, or "" if none.
func GetSubjectFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(SubjectContextKey).(string); ok {
		return s
	}
	return ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="docqa"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
