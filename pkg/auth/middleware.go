// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/mcpbox/mcpbox/pkg/api/errors"
)

// RequireAdmin guards the admin API: a valid Bearer access token is
// required, and the resulting identity lands in the request context.
func RequireAdmin(issuer *Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				apierrors.WriteError(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			subject, err := issuer.Verify(raw, TokenTypeAccess)
			if err != nil {
				apierrors.WriteError(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := WithIdentity(r.Context(), &Identity{
				Subject: subject,
				Claims:  jwt.MapClaims{"sub": subject},
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
