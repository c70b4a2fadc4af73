// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbox/mcpbox/pkg/approval"
	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/policy"
	"github.com/mcpbox/mcpbox/pkg/sandbox"
	"github.com/mcpbox/mcpbox/pkg/secrets"
	"github.com/mcpbox/mcpbox/pkg/storage"
	"github.com/mcpbox/mcpbox/pkg/storage/sqlite"
)

const sampleSource = `async def main(city: str) -> dict: return {"city": city}`

var testMasterKey = []byte("0123456789abcdef0123456789abcdef")

type fakeSandbox struct {
	mu           sync.Mutex
	registered   map[string]*sandbox.RegisterRequest
	unregistered []string
	executed     []*sandbox.ExecuteRequest
	executeResp  *sandbox.ExecuteResponse
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{
		registered:  make(map[string]*sandbox.RegisterRequest),
		executeResp: &sandbox.ExecuteResponse{Success: true, Result: "ok"},
	}
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
	f.unregistered = append(f.unregistered, serverID)
	return nil
}

func (f *fakeSandbox) Execute(_ context.Context, req *sandbox.ExecuteRequest) (*sandbox.ExecuteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, req)
	return f.executeResp, nil
}

func (f *fakeSandbox) registration(serverID string) *sandbox.RegisterRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered[serverID]
}

type fakeNotifier struct {
	mu    sync.Mutex
	fired int
}

func (f *fakeNotifier) ToolsChanged(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired++
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fired
}

type fixture struct {
	manager  *Manager
	store    *sqlite.Store
	sandbox  *fakeSandbox
	notifier *fakeNotifier
	secrets  *secrets.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(context.Background(), sqlite.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pol, err := policy.New(context.Background(), store)
	require.NoError(t, err)

	sb := newFakeSandbox()
	notifier := &fakeNotifier{}
	secretStore := secrets.NewStore(testMasterKey, store)
	manager := New(store, secretStore, sb, approval.New(store, pol), notifier, nil)
	return &fixture{manager: manager, store: store, sandbox: sb, notifier: notifier, secrets: secretStore}
}

func (f *fixture) createServer(t *testing.T) *storage.Server {
	t.Helper()
	server := &storage.Server{Name: "notes"}
	require.NoError(t, f.manager.CreateServer(context.Background(), "admin", server))
	return server
}

func (f *fixture) createTool(t *testing.T, serverID string) *storage.Tool {
	t.Helper()
	tool := &storage.Tool{
		ServerID: serverID,
		Name:     "lookup_city",
		ToolType: storage.ToolTypePythonCode,
		Source:   sampleSource,
	}
	require.NoError(t, f.manager.CreateTool(context.Background(), "admin", tool))
	return tool
}

func (f *fixture) publishTool(t *testing.T, toolID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.SetApprovalStatus(ctx, toolID, storage.ApprovalApproved))
	require.NoError(t, f.store.SetToolEnabled(ctx, toolID, true))
}

func TestCreateServerDefaults(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	server := f.createServer(t)
	stored, err := f.store.GetServer(context.Background(), server.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ServerReady, stored.Status)
	assert.Equal(t, storage.NetworkIsolated, stored.NetworkMode)
	assert.Equal(t, DefaultTimeoutMS, stored.DefaultTimeoutMS)
}

func TestStartRequiresPublishableTool(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	server := f.createServer(t)
	tool := f.createTool(t, server.ID)

	err := f.manager.StartServer(ctx, "admin", server.ID)
	assert.True(t, errors.IsPrecondition(err), "a draft tool must not be enough to start")

	f.publishTool(t, tool.ID)
	require.NoError(t, f.manager.StartServer(ctx, "admin", server.ID))

	stored, err := f.store.GetServer(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ServerRunning, stored.Status)

	reg := f.sandbox.registration(server.ID)
	require.NotNil(t, reg)
	require.Len(t, reg.Tools, 1)
	assert.Equal(t, "lookup_city", reg.Tools[0].Name)
	assert.Equal(t, sampleSource, reg.Tools[0].Source)
	assert.Equal(t, DefaultTimeoutMS, reg.Tools[0].TimeoutMS)
	assert.Positive(t, f.notifier.count())

	err = f.manager.StartServer(ctx, "admin", server.ID)
	assert.True(t, errors.IsConflict(err), "double start must be refused")
}

func TestStopServerUnregisters(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	server := f.createServer(t)
	tool := f.createTool(t, server.ID)
	f.publishTool(t, tool.ID)
	require.NoError(t, f.manager.StartServer(ctx, "admin", server.ID))

	require.NoError(t, f.manager.StopServer(ctx, "admin", server.ID))
	stored, err := f.store.GetServer(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ServerStopped, stored.Status)
	assert.Contains(t, f.sandbox.unregistered, server.ID)

	err = f.manager.StopServer(ctx, "admin", server.ID)
	assert.True(t, errors.IsPrecondition(err))
}

func TestDeleteRunningServerRefused(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	server := f.createServer(t)
	tool := f.createTool(t, server.ID)
	f.publishTool(t, tool.ID)
	require.NoError(t, f.manager.StartServer(ctx, "admin", server.ID))

	err := f.manager.DeleteServer(ctx, "admin", server.ID)
	assert.True(t, errors.IsPrecondition(err))

	require.NoError(t, f.manager.StopServer(ctx, "admin", server.ID))
	require.NoError(t, f.manager.DeleteServer(ctx, "admin", server.ID))
	_, err = f.store.GetServer(ctx, server.ID)
	assert.True(t, errors.IsNotFound(err))
}

func TestCreateToolDerivesSchema(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	server := f.createServer(t)
	tool := f.createTool(t, server.ID)

	stored, err := f.store.GetTool(context.Background(), tool.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ApprovalDraft, stored.ApprovalStatus)
	assert.False(t, stored.Enabled)
	assert.Equal(t, 1, stored.CurrentVersion)
	props := stored.InputSchema["properties"].(map[string]any)
	assert.Contains(t, props, "city")
}

func TestCreateToolRefusesBadSource(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	server := f.createServer(t)

	err := f.manager.CreateTool(context.Background(), "admin", &storage.Tool{
		ServerID: server.ID,
		Name:     "bad",
		ToolType: storage.ToolTypePythonCode,
		Source:   `async def helper(): return 1`,
	})
	assert.True(t, errors.IsValidation(err), "missing entry point must be refused")

	err = f.manager.CreateTool(context.Background(), "admin", &storage.Tool{
		ServerID: server.ID,
		Name:     "Bad-Name",
		ToolType: storage.ToolTypePythonCode,
		Source:   sampleSource,
	})
	assert.True(t, errors.IsValidation(err))
}

func TestUpdateSourceResetsApprovalAndLiveView(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	server := f.createServer(t)
	tool := f.createTool(t, server.ID)
	f.publishTool(t, tool.ID)
	require.NoError(t, f.manager.StartServer(ctx, "admin", server.ID))

	// An approved publish request covering the old source.
	req := &storage.ApprovalRequest{
		ID:          "req-1",
		Kind:        storage.KindToolPublish,
		SubjectID:   tool.ID,
		Subject:     tool.Name,
		RequestedBy: "llm:agent",
		Status:      storage.RequestPending,
	}
	require.NoError(t, f.store.CreateRequest(ctx, req))
	_, err := f.store.TransitionRequest(ctx, req.ID, storage.RequestPending, storage.RequestApproved, "admin")
	require.NoError(t, err)

	updated, err := f.manager.UpdateToolSource(ctx, "admin", tool.ID,
		`async def main(city: str, country: str) -> dict: return {}`, "add country")
	require.NoError(t, err)
	assert.Equal(t, 2, updated.CurrentVersion)
	assert.Equal(t, storage.ApprovalDraft, updated.ApprovalStatus)
	assert.False(t, updated.Enabled)

	// The past approval no longer covers the new code.
	reset, err := f.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RequestPending, reset.Status)

	// The running server's sandbox view dropped the tool.
	reg := f.sandbox.registration(server.ID)
	require.NotNil(t, reg)
	assert.Empty(t, reg.Tools)
}

func TestRollbackRestoresOldSource(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	server := f.createServer(t)
	tool := f.createTool(t, server.ID)

	_, err := f.manager.UpdateToolSource(ctx, "admin", tool.ID,
		`async def main(city: str, country: str) -> dict: return {}`, "v2")
	require.NoError(t, err)
	_, err = f.manager.UpdateToolSource(ctx, "admin", tool.ID,
		`async def main(city: str, country: str, limit: int = 5) -> dict: return {}`, "v3")
	require.NoError(t, err)

	result, err := f.manager.Rollback(ctx, "admin", tool.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Tool.CurrentVersion, "rollback appends, never rewrites history")
	assert.Equal(t, sampleSource, result.Tool.Source)
	assert.Equal(t, storage.ApprovalPendingReview, result.Tool.ApprovalStatus)
	assert.True(t, result.SchemaDrift, "v1 takes fewer parameters than v3")

	version, err := f.store.GetVersion(ctx, tool.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, sampleSource, version.Source)
}

func TestTestToolRunsSavedSourceInScratchRegistration(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	server := f.createServer(t)
	tool := f.createTool(t, server.ID)

	resp, err := f.manager.TestTool(ctx, "admin", tool.ID, map[string]any{"city": "oslo"})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	f.sandbox.mu.Lock()
	defer f.sandbox.mu.Unlock()
	require.Len(t, f.sandbox.executed, 1)
	exec := f.sandbox.executed[0]
	assert.Equal(t, "lookup_city", exec.ToolName)
	assert.NotEqual(t, server.ID, exec.ServerID, "test runs never touch the live registration")
	assert.Contains(t, f.sandbox.unregistered, exec.ServerID, "scratch registration is dropped")
}

func TestSetSecretValidatesNameAndResyncs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	server := f.createServer(t)
	tool := f.createTool(t, server.ID)
	f.publishTool(t, tool.ID)
	require.NoError(t, f.manager.StartServer(ctx, "admin", server.ID))

	err := f.manager.SetSecret(ctx, "admin", server.ID, "bad-key", "v")
	assert.True(t, errors.IsValidation(err))

	require.NoError(t, f.manager.SetSecret(ctx, "admin", server.ID, "API_TOKEN", "sekrit"))
	reg := f.sandbox.registration(server.ID)
	require.NotNil(t, reg)
	assert.Equal(t, "sekrit", reg.Secrets["API_TOKEN"], "running view picks up the new secret")

	require.NoError(t, f.manager.DeleteSecret(ctx, "admin", server.ID, "API_TOKEN"))
	reg = f.sandbox.registration(server.ID)
	assert.Empty(t, reg.Secrets)
}

func TestImportToolsCreatesPassthroughDrafts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	server := f.createServer(t)

	source := &storage.ExternalSource{
		ServerID:  server.ID,
		Name:      "remote",
		URL:       "https://mcp.example.com/mcp",
		Transport: storage.TransportStreamableHTTP,
		Auth:      storage.AuthNone,
	}
	require.NoError(t, f.manager.CreateSource(ctx, "admin", source))
	require.NoError(t, f.store.SetDiscovered(ctx, source.ID, []storage.ExternalTool{
		{Name: "Search-Web", Description: "search", InputSchema: map[string]any{"type": "object"}},
	}))

	created, err := f.manager.ImportTools(ctx, "admin", source.ID, []string{"Search-Web"})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "search_web", created[0].Name)
	assert.Equal(t, storage.ToolTypeMCPPassthrough, created[0].ToolType)
	assert.Equal(t, "Search-Web", created[0].ExternalToolName)

	stored, err := f.store.GetTool(ctx, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ApprovalDraft, stored.ApprovalStatus)
	assert.False(t, stored.Enabled)

	_, err = f.manager.ImportTools(ctx, "admin", source.ID, []string{"nonexistent"})
	assert.True(t, errors.IsNotFound(err))
}

func TestExportImportRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	server := f.createServer(t)
	f.createTool(t, server.ID)

	export, err := f.manager.ExportServer(ctx, server.ID)
	require.NoError(t, err)
	require.Len(t, export.Tools, 1)

	export.Name = "notes-copy"
	imported, err := f.manager.ImportServer(ctx, "admin", export)
	require.NoError(t, err)
	assert.Equal(t, storage.ServerImported, imported.Status)

	reExport, err := f.manager.ExportServer(ctx, imported.ID)
	require.NoError(t, err)
	assert.Equal(t, export.Description, reExport.Description)
	assert.Equal(t, export.NetworkMode, reExport.NetworkMode)
	assert.Equal(t, export.DefaultTimeoutMS, reExport.DefaultTimeoutMS)
	assert.Equal(t, export.Tools, reExport.Tools)
}

func TestApprovalHookResyncsRunningServer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	server := f.createServer(t)
	first := f.createTool(t, server.ID)
	f.publishTool(t, first.ID)
	require.NoError(t, f.manager.StartServer(ctx, "admin", server.ID))

	second := &storage.Tool{
		ServerID: server.ID,
		Name:     "second_tool",
		ToolType: storage.ToolTypePythonCode,
		Source:   `async def main() -> dict: return {}`,
	}
	require.NoError(t, f.manager.CreateTool(ctx, "admin", second))
	f.publishTool(t, second.ID)

	before := f.notifier.count()
	f.manager.OnApprovalResolved(&storage.ApprovalRequest{
		Kind:      storage.KindToolPublish,
		SubjectID: second.ID,
	}, "approved")

	reg := f.sandbox.registration(server.ID)
	require.NotNil(t, reg)
	assert.Len(t, reg.Tools, 2)
	assert.Greater(t, f.notifier.count(), before)
}
