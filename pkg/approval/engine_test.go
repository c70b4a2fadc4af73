// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package approval

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/policy"
	"github.com/mcpbox/mcpbox/pkg/storage"
	"github.com/mcpbox/mcpbox/pkg/storage/sqlite"
)

func newTestEngine(t *testing.T) (*Engine, *sqlite.Store, *policy.Policy) {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, sqlite.Options{
		Path: filepath.Join(t.TempDir(), "mcpbox.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pol, err := policy.New(ctx, store)
	require.NoError(t, err)

	return New(store, pol), store, pol
}

func seedServerAndTool(t *testing.T, store *sqlite.Store) (*storage.Server, *storage.Tool) {
	t.Helper()
	ctx := context.Background()
	server := &storage.Server{
		ID:          uuid.NewString(),
		Name:        "srv-" + uuid.NewString()[:8],
		NetworkMode: storage.NetworkIsolated,
		Status:      storage.ServerStopped,
	}
	require.NoError(t, store.CreateServer(ctx, server))

	tool := &storage.Tool{
		ID:             uuid.NewString(),
		ServerID:       server.ID,
		Name:           "greet",
		ToolType:       storage.ToolTypePythonCode,
		Source:         "async def main():\n    return 1\n",
		ApprovalStatus: storage.ApprovalPendingReview,
	}
	require.NoError(t, store.CreateTool(ctx, tool))
	return server, tool
}

func submitPublish(t *testing.T, e *Engine, toolID string) *storage.ApprovalRequest {
	t.Helper()
	req := &storage.ApprovalRequest{
		Kind:        storage.KindToolPublish,
		SubjectID:   toolID,
		Subject:     "greet",
		RequestedBy: "llm:agent-1",
	}
	require.NoError(t, e.Submit(context.Background(), req))
	return req
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	err := e.Submit(ctx, &storage.ApprovalRequest{Kind: storage.KindModule, SubjectID: "x"})
	assert.True(t, errors.IsValidation(err))

	err = e.Submit(ctx, &storage.ApprovalRequest{
		Kind: storage.KindModule, SubjectID: "x", RequestedBy: "llm:a", Subject: "os",
	})
	assert.True(t, errors.IsValidation(err), "permanently forbidden module must be refused")

	err = e.Submit(ctx, &storage.ApprovalRequest{
		Kind: storage.KindNetwork, SubjectID: "x", RequestedBy: "llm:a",
		Subject: "https://api.example.com/v1",
	})
	assert.True(t, errors.IsValidation(err), "URLs are not hosts")
}

func TestDuplicatePendingConflicts(t *testing.T) {
	t.Parallel()
	e, store, _ := newTestEngine(t)
	_, tool := seedServerAndTool(t, store)

	submitPublish(t, e, tool.ID)
	err := e.Submit(context.Background(), &storage.ApprovalRequest{
		Kind: storage.KindToolPublish, SubjectID: tool.ID, Subject: "greet", RequestedBy: "llm:agent-1",
	})
	assert.True(t, errors.IsConflict(err))
}

func TestSelfReviewRefused(t *testing.T) {
	t.Parallel()
	e, store, _ := newTestEngine(t)
	_, tool := seedServerAndTool(t, store)
	req := submitPublish(t, e, tool.ID)

	_, err := e.Approve(context.Background(), req.ID, "llm:agent-1")
	assert.True(t, errors.IsAuthz(err))
}

func TestLLMPrincipalCannotReview(t *testing.T) {
	t.Parallel()
	e, store, _ := newTestEngine(t)
	_, tool := seedServerAndTool(t, store)
	req := submitPublish(t, e, tool.ID)

	_, err := e.Approve(context.Background(), req.ID, "llm:agent-2")
	assert.True(t, errors.IsAuthz(err))

	_, err = e.Reject(context.Background(), req.ID, "llm:agent-2")
	assert.True(t, errors.IsAuthz(err))
}

func TestApproveToolPublishSetsApproval(t *testing.T) {
	t.Parallel()
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	_, tool := seedServerAndTool(t, store)
	req := submitPublish(t, e, tool.ID)

	var seen []string
	e.SetListener(func(_ *storage.ApprovalRequest, action string) {
		seen = append(seen, action)
	})

	resolved, err := e.Approve(ctx, req.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, storage.RequestApproved, resolved.Status)
	assert.Equal(t, "admin", resolved.ReviewedBy)
	assert.Contains(t, seen, "approved")

	got, err := store.GetTool(ctx, tool.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ApprovalApproved, got.ApprovalStatus)
}

func TestApproveModuleAddsToPolicy(t *testing.T) {
	t.Parallel()
	e, store, pol := newTestEngine(t)
	ctx := context.Background()
	_, tool := seedServerAndTool(t, store)

	req := &storage.ApprovalRequest{
		Kind: storage.KindModule, SubjectID: tool.ID, Subject: "yaml", RequestedBy: "llm:agent-1",
	}
	require.NoError(t, e.Submit(ctx, req))
	require.False(t, pol.IsAllowed("yaml"))

	_, err := e.Approve(ctx, req.ID, "admin")
	require.NoError(t, err)
	assert.True(t, pol.IsAllowed("yaml"))
}

func TestApproveNetworkAddsAllowedHost(t *testing.T) {
	t.Parallel()
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	server, _ := seedServerAndTool(t, store)

	req := &storage.ApprovalRequest{
		Kind: storage.KindNetwork, SubjectID: server.ID, Subject: "api.example.com",
		RequestedBy: "llm:agent-1",
	}
	require.NoError(t, e.Submit(ctx, req))

	_, err := e.Approve(ctx, req.ID, "admin")
	require.NoError(t, err)

	got, err := store.GetServer(ctx, server.ID)
	require.NoError(t, err)
	assert.Contains(t, got.AllowedHosts, "api.example.com")
}

func TestRevokeUndoesEffectAndReturnsToPending(t *testing.T) {
	t.Parallel()
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	server, _ := seedServerAndTool(t, store)

	req := &storage.ApprovalRequest{
		Kind: storage.KindNetwork, SubjectID: server.ID, Subject: "api.example.com",
		RequestedBy: "llm:agent-1",
	}
	require.NoError(t, e.Submit(ctx, req))
	_, err := e.Approve(ctx, req.ID, "admin")
	require.NoError(t, err)

	revoked, err := e.Revoke(ctx, req.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, storage.RequestPending, revoked.Status)

	got, err := store.GetServer(ctx, server.ID)
	require.NoError(t, err)
	assert.NotContains(t, got.AllowedHosts, "api.example.com")
}

func TestRevokeToolPublishDisablesTool(t *testing.T) {
	t.Parallel()
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	_, tool := seedServerAndTool(t, store)
	req := submitPublish(t, e, tool.ID)

	_, err := e.Approve(ctx, req.ID, "admin")
	require.NoError(t, err)
	require.NoError(t, store.SetToolEnabled(ctx, tool.ID, true))

	_, err = e.Revoke(ctx, req.ID, "admin")
	require.NoError(t, err)

	got, err := store.GetTool(ctx, tool.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ApprovalPendingReview, got.ApprovalStatus)
	assert.False(t, got.Enabled, "demoting approval must disable the tool")
}

func TestRejectResolvesWithoutEffect(t *testing.T) {
	t.Parallel()
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	_, tool := seedServerAndTool(t, store)
	req := submitPublish(t, e, tool.ID)

	resolved, err := e.Reject(ctx, req.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, storage.RequestRejected, resolved.Status)

	got, err := store.GetTool(ctx, tool.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ApprovalPendingReview, got.ApprovalStatus)
}

func TestResetSubjectFlipsApprovedBack(t *testing.T) {
	t.Parallel()
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	_, tool := seedServerAndTool(t, store)
	req := submitPublish(t, e, tool.ID)

	_, err := e.Approve(ctx, req.ID, "admin")
	require.NoError(t, err)

	require.NoError(t, e.ResetSubject(ctx, tool.ID))

	got, err := e.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RequestPending, got.Status)
}
