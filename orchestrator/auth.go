// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTMiddleware validates Bearer tokens on API routes. An empty secret
// disables authentication entirely (local development deployments).
type JWTMiddleware struct {
	secret []byte
}

// NewJWTMiddleware creates the middleware. Pass an empty secret to disable.
func NewJWTMiddleware(secret string) *JWTMiddleware {
	return &JWTMiddleware{secret: []byte(secret)}
}

// Enabled reports whether token validation is active.
func (m *JWTMiddleware) Enabled() bool {
	return len(m.secret) > 0
}

// Wrap enforces a valid HS256 Bearer token when enabled.
func (m *JWTMiddleware) Wrap(next http.Handler) http.Handler {
	if !m.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return m.secret, nil
		})
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
