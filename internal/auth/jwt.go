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

package auth

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig contains JWT validation configuration.
type JWTConfig struct {
	// Secret is the signing key for HS256. Either Secret or PublicKey must be set.
	Secret []byte

	// PublicKey verifies EdDSA-signed tokens.
	PublicKey ed25519.PublicKey

	// PrivateKey signs tokens; only needed for token generation.
	PrivateKey ed25519.PrivateKey

	// Issuer is the expected issuer claim, if non-empty.
	Issuer string

	// Audience is the expected audience claim, if non-empty.
	Audience string

	// ClockSkew is the leeway applied to exp/nbf validation.
	ClockSkew time.Duration
}

// Claims are the JWT claims accepted by the API.
type Claims struct {
	jwt.RegisteredClaims
	// UserID identifies the authenticated caller.
	UserID string `json:"user_id,omitempty"`
	// Scopes limits what the token can access.
	Scopes []string `json:"scopes,omitempty"`
}

// ValidateJWT parses and validates a token, returning its claims.
func ValidateJWT(tokenString string, cfg JWTConfig) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token is empty")
	}

	parser := jwt.NewParser(jwt.WithLeeway(cfg.ClockSkew))

	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.Alg() {
		case "HS256":
			if len(cfg.Secret) == 0 {
				return nil, fmt.Errorf("HS256 requires secret key")
			}
			return cfg.Secret, nil
		case "EdDSA":
			if cfg.PublicKey == nil {
				return nil, fmt.Errorf("EdDSA requires public key")
			}
			return cfg.PublicKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
		return nil, fmt.Errorf("invalid issuer: expected %s, got %s", cfg.Issuer, claims.Issuer)
	}
	if cfg.Audience != "" {
		valid := false
		for _, aud := range claims.Audience {
			if aud == cfg.Audience {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("invalid audience: expected %s", cfg.Audience)
		}
	}

	return claims, nil
}

// GenerateJWT signs a token with the configured key.
func GenerateJWT(claims Claims, cfg JWTConfig) (string, error) {
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(24 * time.Hour))
	}
	if cfg.Issuer != "" && claims.Issuer == "" {
		claims.Issuer = cfg.Issuer
	}

	switch {
	case cfg.PrivateKey != nil:
		token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
		signed, err := token.SignedString(cfg.PrivateKey)
		if err != nil {
			return "", fmt.Errorf("failed to sign token: %w", err)
		}
		return signed, nil
	case len(cfg.Secret) > 0:
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString(cfg.Secret)
		if err != nil {
			return "", fmt.Errorf("failed to sign token: %w", err)
		}
		return signed, nil
	default:
		return "", fmt.Errorf("no signing key configured")
	}
}
