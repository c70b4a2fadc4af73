// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbox/mcpbox/pkg/errors"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	issuer, err := NewIssuer(testKey, 0, 0)
	require.NoError(t, err)
	return issuer
}

func TestIssuerRejectsShortKey(t *testing.T) {
	t.Parallel()
	_, err := NewIssuer([]byte("short"), 0, 0)
	assert.True(t, errors.IsValidation(err))
}

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()
	issuer := newTestIssuer(t)

	pair, err := issuer.Issue("admin")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	subject, err := issuer.Verify(pair.AccessToken, TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "admin", subject)

	subject, err = issuer.Verify(pair.RefreshToken, TokenTypeRefresh)
	require.NoError(t, err)
	assert.Equal(t, "admin", subject)
}

func TestTokenTypeIsEnforced(t *testing.T) {
	t.Parallel()
	issuer := newTestIssuer(t)
	pair, err := issuer.Issue("admin")
	require.NoError(t, err)

	_, err = issuer.Verify(pair.RefreshToken, TokenTypeAccess)
	assert.True(t, errors.IsAuthz(err))

	_, err = issuer.Verify(pair.AccessToken, TokenTypeRefresh)
	assert.True(t, errors.IsAuthz(err))
}

func TestExpiredTokenRefused(t *testing.T) {
	t.Parallel()
	issuer := newTestIssuer(t)
	issuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
	pair, err := issuer.Issue("admin")
	require.NoError(t, err)

	issuer.now = time.Now
	_, err = issuer.Verify(pair.AccessToken, TokenTypeAccess)
	assert.True(t, errors.IsAuthz(err))
}

func TestTamperedTokenRefused(t *testing.T) {
	t.Parallel()
	issuer := newTestIssuer(t)
	other, err := NewIssuer([]byte("ffffffffffffffffffffffffffffffff"), 0, 0)
	require.NoError(t, err)

	pair, err := other.Issue("admin")
	require.NoError(t, err)

	_, err = issuer.Verify(pair.AccessToken, TokenTypeAccess)
	assert.True(t, errors.IsAuthz(err))
}

func TestAuthenticator(t *testing.T) {
	t.Parallel()
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)

	a, err := NewAuthenticator("admin", hash)
	require.NoError(t, err)

	assert.NoError(t, a.Login("admin", "hunter2"))
	assert.True(t, errors.IsAuthz(a.Login("admin", "wrong")))
	assert.True(t, errors.IsAuthz(a.Login("other", "hunter2")))
}

func TestNewAuthenticatorRejectsPlaintextHash(t *testing.T) {
	t.Parallel()
	_, err := NewAuthenticator("admin", "not-a-bcrypt-hash")
	assert.True(t, errors.IsValidation(err))
}

func TestRequireAdminMiddleware(t *testing.T) {
	t.Parallel()
	issuer := newTestIssuer(t)
	pair, err := issuer.Issue("admin")
	require.NoError(t, err)

	var gotSubject string
	handler := RequireAdmin(issuer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		require.True(t, ok)
		gotSubject = identity.Subject
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "admin", gotSubject)
}

// jwksFor serves a one-key JWKS for the RSA public key.
func jwksFor(t *testing.T, pub *rsa.PublicKey, kid string) http.Handler {
	t.Helper()
	n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes())
	doc := map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA", "kid": kid, "use": "sig", "alg": "RS256", "n": n, "e": e,
		}},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	})
}

func TestIdentityVerifier(t *testing.T) {
	t.Parallel()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv := httptest.NewServer(jwksFor(t, &key.PublicKey, "k1"))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	verifier, err := NewIdentityVerifier(ctx, IdentityVerifierConfig{
		Issuer:   "https://idp.example.com",
		Audience: "mcpbox",
		JWKSURL:  srv.URL + "/jwks.json",
	})
	require.NoError(t, err)

	sign := func(claims jwt.MapClaims) string {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = "k1"
		raw, err := token.SignedString(key)
		require.NoError(t, err)
		return raw
	}

	good := sign(jwt.MapClaims{
		"iss":   "https://idp.example.com",
		"aud":   "mcpbox",
		"sub":   "user-1",
		"email": "alice@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	identity, err := verifier.Verify(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.Subject)
	assert.Equal(t, "alice@example.com", identity.Email)

	wrongIssuer := sign(jwt.MapClaims{
		"iss": "https://evil.example.com",
		"aud": "mcpbox",
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	_, err = verifier.Verify(ctx, wrongIssuer)
	assert.True(t, errors.IsAuthz(err))

	wrongAudience := sign(jwt.MapClaims{
		"iss": "https://idp.example.com",
		"aud": "someone-else",
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	_, err = verifier.Verify(ctx, wrongAudience)
	assert.True(t, errors.IsAuthz(err))

	_, err = verifier.Verify(ctx, "garbage")
	assert.True(t, errors.IsAuthz(err))
}
