// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mcpbox/mcpbox/pkg/errors"
)

// Token types carried in the "typ" claim. A refresh token can never be used
// where an access token is expected, and vice versa.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Default lifetimes.
const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// TokenPair is what a successful login or refresh returns.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Issuer mints and verifies the admin HS256 tokens.
type Issuer struct {
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration

	// now is replaceable for tests.
	now func() time.Time
}

// NewIssuer creates an issuer over the signing key. Zero TTLs take the
// defaults.
func NewIssuer(key []byte, accessTTL, refreshTTL time.Duration) (*Issuer, error) {
	if len(key) < 32 {
		return nil, errors.NewValidationError(
			"jwt signing key must be at least 32 bytes", nil)
	}
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}
	return &Issuer{key: key, accessTTL: accessTTL, refreshTTL: refreshTTL, now: time.Now}, nil
}

// Issue mints an access + refresh pair for the subject.
func (i *Issuer) Issue(subject string) (*TokenPair, error) {
	access, err := i.sign(subject, TokenTypeAccess, i.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := i.sign(subject, TokenTypeRefresh, i.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Verify checks the signature, expiry, and token type, returning the
// subject.
func (i *Issuer) Verify(tokenString, wantType string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return i.key, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return "", errors.NewAuthzError("invalid or expired token", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.NewAuthzError("invalid token claims", nil)
	}
	if typ, _ := claims["typ"].(string); typ != wantType {
		return "", errors.NewAuthzError(
			fmt.Sprintf("expected a %s token", wantType), nil)
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return "", errors.NewAuthzError("token has no subject", nil)
	}
	return subject, nil
}

func (i *Issuer) sign(subject, typ string, ttl time.Duration) (string, error) {
	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"typ": typ,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", errors.NewInternalError("failed to sign token", err)
	}
	return signed, nil
}
