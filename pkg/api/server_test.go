// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbox/mcpbox/pkg/approval"
	"github.com/mcpbox/mcpbox/pkg/auth"
	"github.com/mcpbox/mcpbox/pkg/lifecycle"
	"github.com/mcpbox/mcpbox/pkg/metrics"
	"github.com/mcpbox/mcpbox/pkg/policy"
	"github.com/mcpbox/mcpbox/pkg/ratelimit"
	"github.com/mcpbox/mcpbox/pkg/sandbox"
	"github.com/mcpbox/mcpbox/pkg/secrets"
	"github.com/mcpbox/mcpbox/pkg/storage"
	"github.com/mcpbox/mcpbox/pkg/storage/sqlite"
)

var testMasterKey = []byte("0123456789abcdef0123456789abcdef")

type fakeSandbox struct {
	mu         sync.Mutex
	registered map[string]*sandbox.RegisterRequest
}

func (f *fakeSandbox) Register(_ context.Context, serverID string, req *sandbox.RegisterRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[serverID] = req
	return nil
}

func (f *fakeSandbox) Unregister(_ context.Context, serverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, serverID)
	return nil
}

func (f *fakeSandbox) Execute(context.Context, *sandbox.ExecuteRequest) (*sandbox.ExecuteResponse, error) {
	return &sandbox.ExecuteResponse{Success: true, Result: "ok"}, nil
}

type apiFixture struct {
	server  *httptest.Server
	store   *sqlite.Store
	sandbox *fakeSandbox
	engine  *approval.Engine
	token   string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(ctx, sqlite.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pol, err := policy.New(ctx, store)
	require.NoError(t, err)
	engine := approval.New(store, pol)

	secretStore := secrets.NewStore(testMasterKey, store)
	sb := &fakeSandbox{registered: make(map[string]*sandbox.RegisterRequest)}
	manager := lifecycle.New(store, secretStore, sb, engine, nil, nil)

	hash, err := auth.HashPassword("correct horse")
	require.NoError(t, err)
	authenticator, err := auth.NewAuthenticator("admin", hash)
	require.NoError(t, err)
	issuer, err := auth.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), 15*time.Minute, time.Hour)
	require.NoError(t, err)

	apiLimiter := ratelimit.NewRegistry("api", 1000, 100)
	loginLimiter := ratelimit.NewRegistry("login", 1000, 100)
	t.Cleanup(apiLimiter.Close)
	t.Cleanup(loginLimiter.Close)

	router := Router(Deps{
		Store:         store,
		Manager:       manager,
		Secrets:       secretStore,
		Approvals:     engine,
		Policy:        pol,
		Authenticator: authenticator,
		Issuer:        issuer,
		Metrics:       metrics.New(),
		APILimiter:    apiLimiter,
		LoginLimiter:  loginLimiter,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	f := &apiFixture{server: srv, store: store, sandbox: sb, engine: engine}
	f.token = f.login(t)
	return f
}

func (f *apiFixture) login(t *testing.T) string {
	t.Helper()
	resp := f.do(t, "", http.MethodPost, "/api/v1/auth/login",
		map[string]string{"username": "admin", "password": "correct horse"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pair auth.TokenPair
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pair))
	require.NotEmpty(t, pair.AccessToken)
	return pair.AccessToken
}

func (f *apiFixture) do(t *testing.T, token, method, path string, body any) *http.Response {
	t.Helper()
	var payload *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewBuffer(raw)
	} else {
		payload = &bytes.Buffer{}
	}
	req, err := http.NewRequest(method, f.server.URL+path, payload)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestUnauthenticatedEndpoints(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	resp := f.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, "", http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, "", http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	resp := f.do(t, "", http.MethodGet, "/api/v1/servers", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, "bogus", http.MethodGet, "/api/v1/servers", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestBadLoginRefusedGenerically(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	resp := f.do(t, "", http.MethodPost, "/api/v1/auth/login",
		map[string]string{"username": "admin", "password": "wrong"})
	defer resp.Body.Close()
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotContains(t, fmt.Sprint(body["error"]), "password", "no credential detail may leak")
}

func TestServerToolPublishWorkflow(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	ctx := context.Background()

	// Create a server.
	var server storage.Server
	resp := f.do(t, f.token, http.MethodPost, "/api/v1/servers",
		map[string]any{"name": "notes"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	decodeInto(t, resp, &server)

	// Create a tool under it.
	var tool storage.Tool
	resp = f.do(t, f.token, http.MethodPost, "/api/v1/servers/"+server.ID+"/tools",
		map[string]any{
			"name":   "add_note",
			"source": `async def main(text: str) -> dict: return {"ok": True}`,
		})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	decodeInto(t, resp, &tool)
	assert.Equal(t, storage.ApprovalDraft, tool.ApprovalStatus)

	// Starting now fails the precondition: nothing publishable.
	resp = f.do(t, f.token, http.MethodPost, "/api/v1/servers/"+server.ID+"/start", nil)
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	resp.Body.Close()

	// An LLM principal files the publish request; the admin approves it.
	request := &storage.ApprovalRequest{
		Kind:        storage.KindToolPublish,
		SubjectID:   tool.ID,
		Subject:     tool.Name,
		RequestedBy: "llm:agent",
	}
	require.NoError(t, f.engine.Submit(ctx, request))
	resp = f.do(t, f.token, http.MethodPost,
		"/api/v1/approvals/tools/"+request.ID+"/action", map[string]string{"action": "approve"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Enable and start.
	resp = f.do(t, f.token, http.MethodPost, "/api/v1/tools/"+tool.ID+"/enable", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	resp = f.do(t, f.token, http.MethodPost, "/api/v1/servers/"+server.ID+"/start", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	f.sandbox.mu.Lock()
	reg := f.sandbox.registered[server.ID]
	f.sandbox.mu.Unlock()
	require.NotNil(t, reg, "starting must register with the sandbox")
	require.Len(t, reg.Tools, 1)
	assert.Equal(t, "add_note", reg.Tools[0].Name)

	// Everything above left an audit trail.
	var page struct {
		Items []storage.ActivityLog `json:"items"`
		Total int                   `json:"total"`
	}
	resp = f.do(t, f.token, http.MethodGet, "/api/v1/logs/activity", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeInto(t, resp, &page)
	assert.GreaterOrEqual(t, page.Total, 3)
}

func TestValidateCodeDryRun(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	var result struct {
		Valid    bool `json:"valid"`
		Failures []struct {
			Kind string `json:"kind"`
		} `json:"failures"`
	}
	resp := f.do(t, f.token, http.MethodPost, "/api/v1/tools/validate-code",
		map[string]string{"source": `import os`})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeInto(t, resp, &result)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Failures)
}

func TestSecretsAreWriteOnly(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	var server storage.Server
	resp := f.do(t, f.token, http.MethodPost, "/api/v1/servers",
		map[string]any{"name": "vault"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	decodeInto(t, resp, &server)

	resp = f.do(t, f.token, http.MethodPut,
		"/api/v1/servers/"+server.ID+"/secrets/API_TOKEN", map[string]string{"value": "sekrit"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	// Bad key names are refused.
	resp = f.do(t, f.token, http.MethodPut,
		"/api/v1/servers/"+server.ID+"/secrets/bad-key", map[string]string{"value": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	var raw bytes.Buffer
	resp = f.do(t, f.token, http.MethodGet, "/api/v1/servers/"+server.ID+"/secrets", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err := raw.ReadFrom(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, raw.String(), "API_TOKEN")
	assert.Contains(t, raw.String(), "has_value")
	assert.NotContains(t, raw.String(), "sekrit", "secret values never leave the server")
}

func TestPageSizeIsCapped(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	var page struct {
		PageSize int `json:"page_size"`
	}
	resp := f.do(t, f.token, http.MethodGet, "/api/v1/servers?page_size=9999", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeInto(t, resp, &page)
	assert.Equal(t, 100, page.PageSize)
}
