// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/metrics"
	"github.com/mcpbox/mcpbox/pkg/sandbox"
	"github.com/mcpbox/mcpbox/pkg/secrets"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

// fakeCatalog is an in-memory Catalog.
type fakeCatalog struct {
	mu         sync.Mutex
	servers    map[string]*storage.Server
	tools      map[string]*storage.Tool
	executions []*storage.ExecutionLog
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		servers: map[string]*storage.Server{},
		tools:   map[string]*storage.Tool{},
	}
}

func (c *fakeCatalog) GetServer(_ context.Context, id string) (*storage.Server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.servers[id]; ok {
		return s, nil
	}
	return nil, errors.NewNotFoundError("server not found", nil)
}

func (c *fakeCatalog) ListServersByStatus(_ context.Context, status storage.ServerStatus) ([]*storage.Server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*storage.Server
	for _, s := range c.servers {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *fakeCatalog) ListServerTools(_ context.Context, serverID string) ([]*storage.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*storage.Tool
	for _, tool := range c.tools {
		if tool.ServerID == serverID {
			out = append(out, tool)
		}
	}
	return out, nil
}

func (c *fakeCatalog) GetTool(_ context.Context, id string) (*storage.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tool, ok := c.tools[id]; ok {
		return tool, nil
	}
	return nil, errors.NewNotFoundError("tool not found", nil)
}

func (c *fakeCatalog) AppendExecution(_ context.Context, entry *storage.ExecutionLog) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executions = append(c.executions, entry)
	return nil
}

type fakeInvoker struct {
	resp *sandbox.ExecuteResponse
	err  error
	last *sandbox.ExecuteRequest
}

func (f *fakeInvoker) Execute(_ context.Context, req *sandbox.ExecuteRequest) (*sandbox.ExecuteResponse, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type fakeDispatcher struct {
	out any
	err error
}

func (f *fakeDispatcher) CallTool(context.Context, string, string, map[string]any) (any, error) {
	return f.out, f.err
}

// fakeSecretReader hands out a fresh view per call, the way the real store
// does.
type fakeSecretReader struct {
	values map[string]string
}

func (f *fakeSecretReader) ViewForServer(context.Context, string) (*secrets.View, error) {
	return secrets.NewView(f.values), nil
}

func newTestGateway(t *testing.T, catalog Catalog, invoker Invoker, external Dispatcher) *Gateway {
	t.Helper()
	return newTestGatewayWithSecrets(t, catalog, nil, invoker, external)
}

func newTestGatewayWithSecrets(
	t *testing.T, catalog Catalog, secretSource SecretReader, invoker Invoker, external Dispatcher,
) *Gateway {
	t.Helper()
	g := New(Config{
		Name:       "mcpbox-test",
		Version:    "0.0.1",
		ToolPrefix: true,
		SessionTTL: time.Minute,
	}, catalog, secretSource, invoker, external, metrics.New())
	t.Cleanup(g.Close)
	return g
}

func seedCatalog(c *fakeCatalog) (*storage.Server, *storage.Tool) {
	srv := &storage.Server{ID: "srv-1", Name: "notes", Status: storage.ServerRunning}
	tool := &storage.Tool{
		ID: "tool-1", ServerID: "srv-1", Name: "add_note",
		ToolType: storage.ToolTypePythonCode,
		Enabled:  true, ApprovalStatus: storage.ApprovalApproved,
		InputSchema: map[string]any{"type": "object"},
	}
	c.servers[srv.ID] = srv
	c.tools[tool.ID] = tool
	return srv, tool
}

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	return text.Text
}

func TestSyncToolsPublishesApprovedEnabledOnly(t *testing.T) {
	t.Parallel()
	catalog := newFakeCatalog()
	seedCatalog(catalog)
	catalog.tools["tool-2"] = &storage.Tool{
		ID: "tool-2", ServerID: "srv-1", Name: "draft_tool",
		ToolType: storage.ToolTypePythonCode,
		Enabled:  false, ApprovalStatus: storage.ApprovalDraft,
	}
	catalog.servers["srv-2"] = &storage.Server{ID: "srv-2", Name: "stopped", Status: storage.ServerStopped}
	catalog.tools["tool-3"] = &storage.Tool{
		ID: "tool-3", ServerID: "srv-2", Name: "hidden",
		ToolType: storage.ToolTypePythonCode,
		Enabled:  true, ApprovalStatus: storage.ApprovalApproved,
	}

	g := newTestGateway(t, catalog, &fakeInvoker{}, nil)
	require.NoError(t, g.SyncTools(context.Background()))

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Len(t, g.registered, 1)
	assert.Contains(t, g.registered, "mcpbox_notes_add_note")
}

func TestSyncToolsDropsRemovedTools(t *testing.T) {
	t.Parallel()
	catalog := newFakeCatalog()
	_, tool := seedCatalog(catalog)

	g := newTestGateway(t, catalog, &fakeInvoker{}, nil)
	require.NoError(t, g.SyncTools(context.Background()))

	catalog.mu.Lock()
	tool.Enabled = false
	catalog.mu.Unlock()
	require.NoError(t, g.SyncTools(context.Background()))

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Empty(t, g.registered)
}

func TestDispatchNativeSuccess(t *testing.T) {
	t.Parallel()
	catalog := newFakeCatalog()
	seedCatalog(catalog)
	invoker := &fakeInvoker{resp: &sandbox.ExecuteResponse{
		Success: true, Result: map[string]any{"ok": true}, DurationMs: 12,
	}}

	g := newTestGateway(t, catalog, invoker, nil)
	require.NoError(t, g.SyncTools(context.Background()))

	binding := toolBinding{serverID: "srv-1", serverName: "notes", toolID: "tool-1"}
	result, err := g.dispatch(context.Background(), binding, map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.JSONEq(t, `{"ok":true}`, textOf(t, result))

	require.NotNil(t, invoker.last)
	assert.Equal(t, "srv-1", invoker.last.ServerID)
	assert.Equal(t, "add_note", invoker.last.ToolName)

	require.Len(t, catalog.executions, 1)
	entry := catalog.executions[0]
	assert.True(t, entry.Success)
	assert.Equal(t, "mcp-client", entry.Actor)
	assert.Equal(t, int64(12), entry.DurationMS)
}

func TestDispatchGuestFailureIsToolResultError(t *testing.T) {
	t.Parallel()
	catalog := newFakeCatalog()
	seedCatalog(catalog)
	invoker := &fakeInvoker{resp: &sandbox.ExecuteResponse{
		Success:     false,
		ErrorKind:   sandbox.ErrorKindRuntime,
		ErrorDetail: &sandbox.ErrorDetail{Message: "division by zero", Line: 4},
	}}

	g := newTestGateway(t, catalog, invoker, nil)
	binding := toolBinding{serverID: "srv-1", serverName: "notes", toolID: "tool-1"}
	result, err := g.dispatch(context.Background(), binding, nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "Runtime: division by zero (line 4)", textOf(t, result))

	require.Len(t, catalog.executions, 1)
	assert.False(t, catalog.executions[0].Success)
	assert.Equal(t, "Runtime", catalog.executions[0].ErrorKind)
}

func TestDispatchSandboxUnavailableIsProtocolError(t *testing.T) {
	t.Parallel()
	catalog := newFakeCatalog()
	seedCatalog(catalog)
	invoker := &fakeInvoker{err: errors.NewUpstreamError("sandbox unreachable", nil)}

	g := newTestGateway(t, catalog, invoker, nil)
	binding := toolBinding{serverID: "srv-1", serverName: "notes", toolID: "tool-1"}
	_, err := g.dispatch(context.Background(), binding, nil)
	require.Error(t, err)
	assert.True(t, errors.IsUpstream(err))

	require.Len(t, catalog.executions, 1)
	assert.Equal(t, "Network", catalog.executions[0].ErrorKind)
}

func TestDispatchReChecksServerAndTool(t *testing.T) {
	t.Parallel()
	catalog := newFakeCatalog()
	srv, tool := seedCatalog(catalog)
	g := newTestGateway(t, catalog, &fakeInvoker{}, nil)
	binding := toolBinding{serverID: srv.ID, serverName: srv.Name, toolID: tool.ID}

	catalog.mu.Lock()
	srv.Status = storage.ServerStopped
	catalog.mu.Unlock()
	result, err := g.dispatch(context.Background(), binding, nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "server is not running", textOf(t, result))

	catalog.mu.Lock()
	srv.Status = storage.ServerRunning
	tool.Enabled = false
	catalog.mu.Unlock()
	result, err = g.dispatch(context.Background(), binding, nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "tool is no longer available", textOf(t, result))
}

func TestDispatchPassthrough(t *testing.T) {
	t.Parallel()
	catalog := newFakeCatalog()
	srv, tool := seedCatalog(catalog)
	catalog.mu.Lock()
	tool.ToolType = storage.ToolTypeMCPPassthrough
	tool.ExternalSourceID = "src-1"
	tool.ExternalToolName = "remote_add"
	catalog.mu.Unlock()

	g := newTestGateway(t, catalog, &fakeInvoker{}, &fakeDispatcher{out: map[string]any{"sum": 3}})
	binding := toolBinding{serverID: srv.ID, serverName: srv.Name, toolID: tool.ID}
	result, err := g.dispatch(context.Background(), binding, map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.JSONEq(t, `{"sum":3}`, textOf(t, result))
}

func TestDispatchPassthroughWithoutPool(t *testing.T) {
	t.Parallel()
	catalog := newFakeCatalog()
	srv, tool := seedCatalog(catalog)
	catalog.mu.Lock()
	tool.ToolType = storage.ToolTypeMCPPassthrough
	catalog.mu.Unlock()

	g := newTestGateway(t, catalog, &fakeInvoker{}, nil)
	binding := toolBinding{serverID: srv.ID, serverName: srv.Name, toolID: tool.ID}
	result, err := g.dispatch(context.Background(), binding, nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "external sources are not configured", textOf(t, result))
}

func TestExposedNameWithoutPrefix(t *testing.T) {
	t.Parallel()
	g := New(Config{Name: "t", Version: "v"}, newFakeCatalog(), nil, &fakeInvoker{}, nil, metrics.New())
	t.Cleanup(g.Close)
	assert.Equal(t, "add_note", g.ExposedName("notes", "add_note"))
}

func TestExecutionLogArgsAreRedacted(t *testing.T) {
	t.Parallel()
	catalog := newFakeCatalog()
	srv, tool := seedCatalog(catalog)
	invoker := &fakeInvoker{resp: &sandbox.ExecuteResponse{Success: true, Result: "ok"}}
	reader := &fakeSecretReader{values: map[string]string{"API_TOKEN": "sekrit-value"}}

	g := newTestGatewayWithSecrets(t, catalog, reader, invoker, nil)
	binding := toolBinding{serverID: srv.ID, serverName: srv.Name, toolID: tool.ID}
	_, err := g.dispatch(context.Background(), binding,
		map[string]any{"token": "sekrit-value", "note": "hello"})
	require.NoError(t, err)

	require.Len(t, catalog.executions, 1)
	entry := catalog.executions[0]
	assert.NotContains(t, entry.Args, "sekrit-value")
	assert.Contains(t, entry.Args, secrets.Redacted)
	assert.Contains(t, entry.Args, "hello")
}

func TestExecutionLogCarriesHTTPRequests(t *testing.T) {
	t.Parallel()
	catalog := newFakeCatalog()
	srv, tool := seedCatalog(catalog)
	invoker := &fakeInvoker{resp: &sandbox.ExecuteResponse{
		Success: true,
		Result:  "ok",
		HTTPLog: []sandbox.HTTPLogEntry{{
			Method: "GET", URL: "https://api.example.com/v1", Status: 200,
			DurationMs: 8, BodyPreview: `{"ok":true}`,
		}},
	}}

	g := newTestGateway(t, catalog, invoker, nil)
	binding := toolBinding{serverID: srv.ID, serverName: srv.Name, toolID: tool.ID}
	_, err := g.dispatch(context.Background(), binding, nil)
	require.NoError(t, err)

	require.Len(t, catalog.executions, 1)
	entry := catalog.executions[0]
	require.NotEmpty(t, entry.HTTPLog)
	assert.Contains(t, string(entry.HTTPLog), "https://api.example.com/v1")
	assert.Contains(t, string(entry.HTTPLog), `"status":200`)
}
