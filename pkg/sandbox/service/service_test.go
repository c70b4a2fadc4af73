// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbox/mcpbox/pkg/metrics"
	"github.com/mcpbox/mcpbox/pkg/sandbox"
	"github.com/mcpbox/mcpbox/pkg/sandbox/interp"
	"github.com/mcpbox/mcpbox/pkg/sandbox/registry"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

const testToken = "test-service-token"

type allowAllModules struct{}

func (allowAllModules) IsAllowed(string) bool { return true }

func newTestService(t *testing.T) (*Service, http.Handler) {
	t.Helper()
	exec := interp.New(interp.Config{
		Workers:    2,
		CPUSeconds: 1,
		MaxWall:    5 * time.Second,
	}, allowAllModules{})
	t.Cleanup(exec.Close)

	svc := New(registry.New(), exec, testToken, metrics.New())
	t.Cleanup(svc.Close)
	return svc, svc.Router()
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.1.2.3:4567"
	if token != "" {
		req.Header.Set(sandbox.ServiceTokenHeader, token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func registerEcho(t *testing.T, h http.Handler) {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/servers/s1/register", testToken, sandbox.RegisterRequest{
		NetworkMode: storage.NetworkIsolated,
		Tools: []sandbox.ToolSpec{{
			Name: "echo",
			Source: "async def main(text: str) -> dict:\n" +
				"    return {\"echo\": text}\n",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []any{"text"},
				"properties": map[string]any{
					"text": map[string]any{"type": "string"},
				},
			},
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealthIsOpen(t *testing.T) {
	t.Parallel()
	_, h := newTestService(t)

	rec := do(t, h, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health sandbox.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 0, health.Servers)
}

func TestMutatingRoutesRequireToken(t *testing.T) {
	t.Parallel()
	_, h := newTestService(t)

	rec := do(t, h, http.MethodPost, "/execute", "", sandbox.ExecuteRequest{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/execute", "wrong-token", sandbox.ExecuteRequest{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/servers/s1/unregister", "wrong-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenFailuresAreRateLimited(t *testing.T) {
	t.Parallel()
	_, h := newTestService(t)

	for i := 0; i < tokenFailBurst; i++ {
		rec := do(t, h, http.MethodPost, "/execute", "wrong", sandbox.ExecuteRequest{})
		require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i)
	}

	rec := do(t, h, http.MethodPost, "/execute", "wrong", sandbox.ExecuteRequest{})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRegisterAndExecute(t *testing.T) {
	t.Parallel()
	_, h := newTestService(t)
	registerEcho(t, h)

	rec := do(t, h, http.MethodPost, "/execute", testToken, sandbox.ExecuteRequest{
		ServerID: "s1",
		ToolName: "echo",
		Args:     map[string]any{"text": "hi"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp sandbox.ExecuteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success, "error: %+v", resp.ErrorDetail)
	assert.Equal(t, map[string]any{"echo": "hi"}, resp.Result)
}

func TestExecuteUnknownToolIsNotFound(t *testing.T) {
	t.Parallel()
	_, h := newTestService(t)
	registerEcho(t, h)

	rec := do(t, h, http.MethodPost, "/execute", testToken, sandbox.ExecuteRequest{
		ServerID: "s1",
		ToolName: "missing",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/execute", testToken, sandbox.ExecuteRequest{
		ServerID: "unknown",
		ToolName: "echo",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteValidatesArgsAgainstSchema(t *testing.T) {
	t.Parallel()
	_, h := newTestService(t)
	registerEcho(t, h)

	rec := do(t, h, http.MethodPost, "/execute", testToken, sandbox.ExecuteRequest{
		ServerID: "s1",
		ToolName: "echo",
		Args:     map[string]any{"text": 42},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid arguments")

	// Missing required property.
	rec = do(t, h, http.MethodPost, "/execute", testToken, sandbox.ExecuteRequest{
		ServerID: "s1",
		ToolName: "echo",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterRefusesInvalidSource(t *testing.T) {
	t.Parallel()
	_, h := newTestService(t)

	rec := do(t, h, http.MethodPost, "/servers/s1/register", testToken, sandbox.RegisterRequest{
		Tools: []sandbox.ToolSpec{{
			Name:   "bad",
			Source: "def helper():\n    return 1\n",
		}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `tool "bad"`)
}

func TestUnregisterDropsTools(t *testing.T) {
	t.Parallel()
	_, h := newTestService(t)
	registerEcho(t, h)

	rec := do(t, h, http.MethodPost, "/servers/s1/unregister", testToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodPost, "/execute", testToken, sandbox.ExecuteRequest{
		ServerID: "s1",
		ToolName: "echo",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type bigResultInvoker struct{}

func (bigResultInvoker) Execute(
	_ context.Context, _ *registry.Artifact, _ *registry.ServerEntry, _ map[string]any,
) *sandbox.ExecuteResponse {
	return &sandbox.ExecuteResponse{
		Success: true,
		Result:  strings.Repeat("x", 4*ResultCapBytes),
		Stdout:  strings.Repeat("y", 2*ResultCapBytes),
	}
}

func TestExecuteTruncatesOversizedResults(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	reg.Register("s1", &registry.ServerEntry{
		Tools: map[string]*registry.Artifact{
			"big": {Source: "async def main():\n    return 1\n"},
		},
	})
	svc := New(reg, bigResultInvoker{}, testToken, metrics.New())
	t.Cleanup(svc.Close)
	h := svc.Router()

	rec := do(t, h, http.MethodPost, "/execute", testToken, sandbox.ExecuteRequest{
		ServerID: "s1",
		ToolName: "big",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp sandbox.ExecuteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	assert.True(t, resp.Truncated)
	assert.Len(t, resp.Result, ResultCapBytes)
	assert.Len(t, resp.Stdout, ResultCapBytes)
}

func TestExecuteInvocationRateLimit(t *testing.T) {
	t.Parallel()
	_, h := newTestService(t)
	registerEcho(t, h)

	for i := 0; i < invokeBurst; i++ {
		rec := do(t, h, http.MethodPost, "/execute", testToken, sandbox.ExecuteRequest{
			ServerID: "s1",
			ToolName: "echo",
			Args:     map[string]any{"text": "x"},
		})
		require.Equal(t, http.StatusOK, rec.Code, "invocation %d", i)
	}

	rec := do(t, h, http.MethodPost, "/execute", testToken, sandbox.ExecuteRequest{
		ServerID: "s1",
		ToolName: "echo",
		Args:     map[string]any{"text": "x"},
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
