// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbox/mcpbox/pkg/auth"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

type guardFixture struct {
	guard *RemoteGuard
	sign  func(claims jwt.MapClaims) string
}

func newGuardFixture(t *testing.T, policy *storage.SecurityPolicy) *guardFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	n := base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes())
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{{
				"kty": "RSA", "kid": "k1", "use": "sig", "alg": "RS256", "n": n, "e": e,
			}},
		})
	}))
	t.Cleanup(jwks.Close)

	verifier, err := auth.NewIdentityVerifier(context.Background(), auth.IdentityVerifierConfig{
		Issuer:   "https://idp.example.com",
		Audience: "mcpbox",
		JWKSURL:  jwks.URL,
	})
	require.NoError(t, err)

	guard := NewRemoteGuard(verifier, "", func(context.Context) (*storage.SecurityPolicy, error) {
		return policy, nil
	})

	return &guardFixture{
		guard: guard,
		sign: func(claims jwt.MapClaims) string {
			token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
			token.Header["kid"] = "k1"
			raw, err := token.SignedString(key)
			require.NoError(t, err)
			return raw
		},
	}
}

func (f *guardFixture) assertion(email string) string {
	return f.sign(jwt.MapClaims{
		"iss":   "https://idp.example.com",
		"aud":   "mcpbox",
		"sub":   "user-1",
		"email": email,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
}

func callGuard(t *testing.T, guard *RemoteGuard, rpcBody, assertion string) (*httptest.ResponseRecorder, *auth.Identity) {
	t.Helper()
	var seen *auth.Identity
	handler := guard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identity, ok := auth.IdentityFromContext(r.Context()); ok {
			seen = identity
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(rpcBody))
	req.Header.Set("Content-Type", "application/json")
	if assertion != "" {
		req.Header.Set(DefaultAssertionHeader, assertion)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seen
}

const toolsCallBody = `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"x"}}`

func TestGuardSkipsHandshakeMethods(t *testing.T) {
	t.Parallel()
	f := newGuardFixture(t, &storage.SecurityPolicy{Mode: storage.PolicyEveryone})

	for _, body := range []string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
		`{"jsonrpc":"2.0","id":2,"method":"ping"}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
	} {
		rec, _ := callGuard(t, f.guard, body, "")
		assert.Equal(t, http.StatusOK, rec.Code, body)
	}
}

func TestGuardRefusesMissingAssertion(t *testing.T) {
	t.Parallel()
	f := newGuardFixture(t, &storage.SecurityPolicy{Mode: storage.PolicyEveryone})

	rec, _ := callGuard(t, f.guard, toolsCallBody, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "authentication required")
}

func TestGuardRefusesBadAssertion(t *testing.T) {
	t.Parallel()
	f := newGuardFixture(t, &storage.SecurityPolicy{Mode: storage.PolicyEveryone})

	rec, _ := callGuard(t, f.guard, toolsCallBody, "garbage")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid identity assertion")
}

func TestGuardAppliesSecurityPolicy(t *testing.T) {
	t.Parallel()
	f := newGuardFixture(t, &storage.SecurityPolicy{
		Mode:   storage.PolicyEmails,
		Emails: []string{"alice@example.com"},
	})

	rec, identity := callGuard(t, f.guard, toolsCallBody, f.assertion("alice@example.com"))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, identity)
	assert.Equal(t, "alice@example.com", identity.Email)

	rec, _ = callGuard(t, f.guard, toolsCallBody, f.assertion("mallory@example.com"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "not permitted")
}

func TestGuardRequiresEmailClaim(t *testing.T) {
	t.Parallel()
	f := newGuardFixture(t, &storage.SecurityPolicy{Mode: storage.PolicyEveryone})

	noEmail := f.sign(jwt.MapClaims{
		"iss": "https://idp.example.com",
		"aud": "mcpbox",
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	rec, _ := callGuard(t, f.guard, toolsCallBody, noEmail)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "no verified email")
}

func TestGuardLeavesNonPostAlone(t *testing.T) {
	t.Parallel()
	f := newGuardFixture(t, &storage.SecurityPolicy{Mode: storage.PolicyEveryone})

	handler := f.guard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
