// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth provides admin login, access/refresh tokens, and identity
// verification for remote-mode callers.
package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is an authenticated caller.
type Identity struct {
	// Subject is the stable principal id: the admin username for local
	// logins, the OIDC sub for remote-mode callers.
	Subject string
	// Email is the verified email claim; empty when the token carries none.
	Email string
	// Claims holds the raw token claims for authorization decisions.
	Claims jwt.MapClaims
}

// identityContextKey keys the Identity in a request context. An empty struct
// type cannot collide with keys from other packages.
type identityContextKey struct{}

// WithIdentity stores an Identity in the context.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext retrieves the Identity stored by the auth middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*Identity)
	return identity, ok
}
