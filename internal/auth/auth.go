// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth provides authentication middleware for the HTTP API.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const userContextKey contextKey = "user"

// User is an authenticated API caller.
type User struct {
	ID     string
	Name   string
	Scopes []string
}

// UserFromContext extracts the authenticated user from the request context.
func UserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userContextKey).(*User)
	return user, ok
}

// ContextWithUser returns a new context carrying the user. Primarily for tests.
func ContextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// Config contains authentication configuration.
type Config struct {
	// Enabled controls whether authentication is required.
	Enabled bool

	// APIKeys is the list of valid static API keys.
	APIKeys []APIKey

	// JWT enables JWT bearer tokens when set.
	JWT *JWTConfig

	// RateLimit configures per-caller rate limiting.
	RateLimit RateLimitConfig

	// Logger for audit logging.
	Logger *slog.Logger
}

// APIKey is a static credential with metadata.
type APIKey struct {
	// Key is the credential value.
	Key string `json:"key"`

	// Name is a human-readable identifier for audit logs.
	Name string `json:"name"`

	// Scopes limits what the key can access (empty means all).
	Scopes []string `json:"scopes,omitempty"`
}

// Middleware authenticates requests with API keys or JWTs and applies
// per-caller rate limits.
type Middleware struct {
	mu          sync.RWMutex
	config      Config
	keyLookup   map[string]*APIKey
	rateLimiter *RateLimiter
	logger      *slog.Logger
}

// NewMiddleware creates an auth middleware from config.
func NewMiddleware(cfg Config) *Middleware {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Middleware{
		config:      cfg,
		keyLookup:   make(map[string]*APIKey),
		rateLimiter: NewRateLimiter(cfg.RateLimit),
		logger:      cfg.Logger,
	}
	for i := range cfg.APIKeys {
		key := &cfg.APIKeys[i]
		m.keyLookup[key.Key] = key
	}
	return m
}

// Wrap enforces authentication on next. Health and metrics endpoints are
// always reachable; credentials in query parameters are rejected outright.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		if r.URL.Query().Get("api_key") != "" {
			m.unauthorized(w, "API keys in query parameters are not supported. Use Authorization header or X-API-Key header.")
			return
		}

		token := extractToken(r)
		if token == "" {
			m.unauthorized(w, "Authentication required")
			return
		}

		var user *User

		if m.config.JWT != nil && strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			if claims, err := ValidateJWT(token, *m.config.JWT); err == nil {
				user = &User{
					ID:     claims.UserID,
					Name:   claims.Subject,
					Scopes: claims.Scopes,
				}
			}
		}

		if user == nil {
			key, valid := m.validateKey(token)
			if !valid {
				m.logger.Warn("rejected request with invalid credentials",
					"path", r.URL.Path, "remote", r.RemoteAddr)
				m.unauthorized(w, "Invalid credentials")
				return
			}
			user = &User{ID: key.Name, Name: key.Name, Scopes: key.Scopes}
		}

		if !m.rateLimiter.Allow(user.ID) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
	})
}

// extractToken reads a credential from the Authorization or X-API-Key header.
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return ""
}

// validateKey checks a static API key in constant time.
func (m *Middleware) validateKey(key string) (*APIKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	apiKey, exists := m.keyLookup[key]
	if !exists {
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey.Key)) != 1 {
		return nil, false
	}
	return apiKey, true
}

func (m *Middleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GenerateKey generates a new random API key.
func GenerateKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "drb_" + hex.EncodeToString(bytes), nil
}
