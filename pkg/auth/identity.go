// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/mcpbox/mcpbox/pkg/errors"
)

// IdentityVerifierConfig configures remote-mode identity verification. The
// fronting proxy forwards the caller's assertion; the gateway re-verifies it
// against the issuer's JWKS as defense in depth.
type IdentityVerifierConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
}

// IdentityVerifier validates forwarded identity assertions.
type IdentityVerifier struct {
	issuer   string
	audience string
	jwksURL  string
	cache    *jwk.Cache

	// JWKS registration is lazy so boot does not depend on the IdP.
	registerOnce sync.Mutex
	registered   bool
	registerErr  error
}

// NewIdentityVerifier creates a verifier with an auto-refreshing JWKS cache.
func NewIdentityVerifier(ctx context.Context, cfg IdentityVerifierConfig) (*IdentityVerifier, error) {
	if cfg.JWKSURL == "" {
		return nil, errors.NewValidationError("jwks url is required", nil)
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient())
	if err != nil {
		return nil, errors.NewInternalError("failed to create JWKS cache", err)
	}
	return &IdentityVerifier{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		jwksURL:  cfg.JWKSURL,
		cache:    cache,
	}, nil
}

// Verify parses and validates one assertion, returning the caller identity.
func (v *IdentityVerifier) Verify(ctx context.Context, raw string) (*Identity, error) {
	token, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		return v.keyFor(ctx, token)
	}, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}))
	if err != nil || !token.Valid {
		return nil, errors.NewAuthzError("invalid identity assertion", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.NewAuthzError("invalid identity claims", nil)
	}
	if err := v.checkClaims(claims); err != nil {
		return nil, err
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		return nil, errors.NewAuthzError("identity assertion has no subject", nil)
	}
	email, _ := claims["email"].(string)

	return &Identity{Subject: subject, Email: email, Claims: claims}, nil
}

func (v *IdentityVerifier) keyFor(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}
	keySet, err := v.cache.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}
	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key id %s not found in JWKS", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export JWKS key: %w", err)
	}
	return rawKey, nil
}

func (v *IdentityVerifier) ensureRegistered(ctx context.Context) error {
	v.registerOnce.Lock()
	defer v.registerOnce.Unlock()
	if v.registered {
		return v.registerErr
	}

	registerCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := v.cache.Register(registerCtx, v.jwksURL); err != nil {
		v.registerErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.registered = true
	return v.registerErr
}

func (v *IdentityVerifier) checkClaims(claims jwt.MapClaims) error {
	if v.issuer != "" {
		issuer, err := claims.GetIssuer()
		if err != nil || strings.TrimSpace(issuer) != strings.TrimSpace(v.issuer) {
			return errors.NewAuthzError("identity assertion has the wrong issuer", nil)
		}
	}
	if v.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return errors.NewAuthzError("identity assertion has no audience", nil)
		}
		found := false
		for _, aud := range audiences {
			if aud == v.audience {
				found = true
				break
			}
		}
		if !found {
			return errors.NewAuthzError("identity assertion has the wrong audience", nil)
		}
	}
	return nil
}
