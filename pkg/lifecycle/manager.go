// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle orchestrates server and tool state: create/start/stop,
// source versioning and rollback, secrets, and external-source imports. It
// is the layer the admin API calls into; every mutation lands in the
// activity log and, when the published tool set changes, pokes the gateway
// notifier.
package lifecycle

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/mcpbox/mcpbox/pkg/approval"
	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/logger"
	"github.com/mcpbox/mcpbox/pkg/sandbox"
	"github.com/mcpbox/mcpbox/pkg/secrets"
	"github.com/mcpbox/mcpbox/pkg/storage"
	"github.com/mcpbox/mcpbox/pkg/validation"
)

// DefaultTimeoutMS applies when a server is created without one.
const DefaultTimeoutMS = 30000

var (
	toolNameRe   = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	secretNameRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
)

// Sandbox is the slice of the sandbox client the manager needs.
type Sandbox interface {
	Register(ctx context.Context, serverID string, req *sandbox.RegisterRequest) error
	Unregister(ctx context.Context, serverID string) error
	Execute(ctx context.Context, req *sandbox.ExecuteRequest) (*sandbox.ExecuteResponse, error)
}

// Notifier re-syncs the gateway tool set and broadcasts list_changed.
type Notifier interface {
	ToolsChanged(ctx context.Context) error
}

// SourceClient is the slice of the external client pool the manager needs
// for discovery and cache invalidation.
type SourceClient interface {
	Discover(ctx context.Context, sourceID string) ([]storage.ExternalTool, error)
	Invalidate(sourceID string)
}

// Manager coordinates persistent state, the sandbox service and the
// gateway. Notifier and SourceClient may be nil (headless setups, tests).
type Manager struct {
	store     storage.Store
	secrets   *secrets.Store
	sandbox   Sandbox
	approvals *approval.Engine
	notifier  Notifier
	external  SourceClient
}

// New builds a manager.
func New(
	store storage.Store, secretStore *secrets.Store, sb Sandbox,
	approvals *approval.Engine, notifier Notifier, external SourceClient,
) *Manager {
	return &Manager{
		store:     store,
		secrets:   secretStore,
		sandbox:   sb,
		approvals: approvals,
		notifier:  notifier,
		external:  external,
	}
}

// ---- servers ----

// CreateServer validates and persists a new server in the ready state.
func (m *Manager) CreateServer(ctx context.Context, actor string, server *storage.Server) error {
	if strings.TrimSpace(server.Name) == "" {
		return errors.NewValidationError("server name is required", nil)
	}
	if server.NetworkMode == "" {
		server.NetworkMode = storage.NetworkIsolated
	}
	if server.NetworkMode != storage.NetworkIsolated && server.NetworkMode != storage.NetworkAllowlist {
		return errors.NewValidationError(
			fmt.Sprintf("unknown network mode %q", server.NetworkMode), nil)
	}
	if server.DefaultTimeoutMS <= 0 {
		server.DefaultTimeoutMS = DefaultTimeoutMS
	}
	server.ID = uuid.NewString()
	server.Status = storage.ServerReady
	server.ErrorMessage = ""

	if err := m.store.CreateServer(ctx, server); err != nil {
		return err
	}
	m.activity(ctx, actor, "server.create", server.ID, server.Name)
	return nil
}

// UpdateServer applies metadata changes. When the server is running the
// sandbox registration is refreshed so timeout and network changes take
// effect immediately.
func (m *Manager) UpdateServer(ctx context.Context, actor string, server *storage.Server) error {
	current, err := m.store.GetServer(ctx, server.ID)
	if err != nil {
		return err
	}
	if server.DefaultTimeoutMS <= 0 {
		server.DefaultTimeoutMS = current.DefaultTimeoutMS
	}
	if server.NetworkMode == "" {
		server.NetworkMode = current.NetworkMode
	}
	server.Status = current.Status
	if err := m.store.UpdateServer(ctx, server); err != nil {
		return err
	}
	if current.Status == storage.ServerRunning {
		if err := m.registerServer(ctx, server.ID); err != nil {
			return err
		}
	}
	m.activity(ctx, actor, "server.update", server.ID, server.Name)
	return nil
}

// DeleteServer removes a stopped server and everything it owns.
func (m *Manager) DeleteServer(ctx context.Context, actor, id string) error {
	server, err := m.store.GetServer(ctx, id)
	if err != nil {
		return err
	}
	if server.Status == storage.ServerRunning {
		return errors.NewPreconditionError("server must be stopped before deletion", nil)
	}
	if err := m.store.DeleteServer(ctx, id); err != nil {
		return err
	}
	m.activity(ctx, actor, "server.delete", id, server.Name)
	return nil
}

// StartServer registers the server's publishable tools with the sandbox and
// transitions it to running. A server with nothing to publish refuses to
// start.
func (m *Manager) StartServer(ctx context.Context, actor, id string) error {
	server, err := m.store.GetServer(ctx, id)
	if err != nil {
		return err
	}
	if server.Status == storage.ServerRunning {
		return errors.NewConflictError("server is already running", nil)
	}

	req, publishable, err := m.buildRegistration(ctx, server)
	if err != nil {
		return err
	}
	if publishable == 0 {
		return errors.NewPreconditionError("server has no approved, enabled tools", nil)
	}
	if err := m.sandbox.Register(ctx, id, req); err != nil {
		return err
	}
	if err := m.store.UpdateServerStatus(ctx, id, storage.ServerRunning, ""); err != nil {
		return err
	}
	m.activity(ctx, actor, "server.start", id, server.Name)
	m.toolsChanged(ctx)
	return nil
}

// StopServer unregisters the server from the sandbox and marks it stopped.
func (m *Manager) StopServer(ctx context.Context, actor, id string) error {
	server, err := m.store.GetServer(ctx, id)
	if err != nil {
		return err
	}
	if server.Status != storage.ServerRunning {
		return errors.NewPreconditionError("server is not running", nil)
	}
	if err := m.sandbox.Unregister(ctx, id); err != nil && !errors.IsNotFound(err) {
		return err
	}
	if err := m.store.UpdateServerStatus(ctx, id, storage.ServerStopped, ""); err != nil {
		return err
	}
	m.activity(ctx, actor, "server.stop", id, server.Name)
	m.toolsChanged(ctx)
	return nil
}

// RegisterServer rebuilds and pushes the server's sandbox registration. The
// recovery loop uses it at boot; internally it backs every live re-sync.
func (m *Manager) RegisterServer(ctx context.Context, id string) error {
	return m.registerServer(ctx, id)
}

func (m *Manager) registerServer(ctx context.Context, id string) error {
	server, err := m.store.GetServer(ctx, id)
	if err != nil {
		return err
	}
	req, _, err := m.buildRegistration(ctx, server)
	if err != nil {
		return err
	}
	return m.sandbox.Register(ctx, id, req)
}

// buildRegistration compiles the server's sandbox view: approved + enabled
// native tools, the network policy, and the decrypted secret values. The
// returned count includes passthrough tools, which are publishable but
// never travel to the sandbox.
func (m *Manager) buildRegistration(
	ctx context.Context, server *storage.Server,
) (*sandbox.RegisterRequest, int, error) {
	tools, err := m.store.ListServerTools(ctx, server.ID)
	if err != nil {
		return nil, 0, err
	}

	publishable := 0
	specs := make([]sandbox.ToolSpec, 0, len(tools))
	for _, tool := range tools {
		if !tool.Enabled || tool.ApprovalStatus != storage.ApprovalApproved {
			continue
		}
		publishable++
		if tool.ToolType != storage.ToolTypePythonCode {
			continue
		}
		specs = append(specs, sandbox.ToolSpec{
			Name:        tool.Name,
			Source:      tool.Source,
			InputSchema: tool.InputSchema,
			TimeoutMS:   effectiveTimeout(tool, server),
		})
	}

	view, err := m.secrets.ViewForServer(ctx, server.ID)
	if err != nil {
		return nil, 0, err
	}

	return &sandbox.RegisterRequest{
		NetworkMode:  server.NetworkMode,
		AllowedHosts: server.AllowedHosts,
		Secrets:      view.Values(),
		Tools:        specs,
	}, publishable, nil
}

func effectiveTimeout(tool *storage.Tool, server *storage.Server) int {
	if tool.TimeoutMS > 0 {
		return tool.TimeoutMS
	}
	return server.DefaultTimeoutMS
}

// RemoveAllowedHost drops one host from the server's egress allowlist.
// Adding hosts goes through the approval engine; removal is direct.
func (m *Manager) RemoveAllowedHost(ctx context.Context, actor, serverID, host string) error {
	if err := m.store.RemoveAllowedHost(ctx, serverID, host); err != nil {
		return err
	}
	if err := m.resyncIfRunning(ctx, serverID); err != nil {
		return err
	}
	m.activity(ctx, actor, "server.allowed_host.remove", serverID, host)
	return nil
}

// ---- tools ----

// CreateTool validates and persists a new tool as a disabled draft.
func (m *Manager) CreateTool(ctx context.Context, actor string, tool *storage.Tool) error {
	if !toolNameRe.MatchString(tool.Name) {
		return errors.NewValidationError(
			fmt.Sprintf("tool name %q must match %s", tool.Name, toolNameRe.String()), nil)
	}
	if _, err := m.store.GetServer(ctx, tool.ServerID); err != nil {
		return err
	}

	switch tool.ToolType {
	case storage.ToolTypePythonCode:
		result := validation.Validate(tool.Source)
		if !result.Valid {
			return validationError(result)
		}
		tool.InputSchema = result.InputSchema
		tool.ExternalSourceID = ""
		tool.ExternalToolName = ""
	case storage.ToolTypeMCPPassthrough:
		if tool.ExternalSourceID == "" || tool.ExternalToolName == "" {
			return errors.NewValidationError("passthrough tool needs a source binding", nil)
		}
		tool.Source = ""
	default:
		return errors.NewValidationError(
			fmt.Sprintf("unknown tool type %q", tool.ToolType), nil)
	}

	tool.ID = uuid.NewString()
	tool.Enabled = false
	tool.ApprovalStatus = storage.ApprovalDraft
	tool.CurrentVersion = 1

	if err := m.store.CreateTool(ctx, tool); err != nil {
		return err
	}
	m.activity(ctx, actor, "tool.create", tool.ID, tool.Name)
	return nil
}

// UpdateToolSource stores new source as the next version. The tool drops
// back to draft, is disabled, and any approvals covering the old source are
// voided so a past review can never cover new code.
func (m *Manager) UpdateToolSource(
	ctx context.Context, actor, id, source, description string,
) (*storage.Tool, error) {
	tool, err := m.store.GetTool(ctx, id)
	if err != nil {
		return nil, err
	}
	if tool.ToolType != storage.ToolTypePythonCode {
		return nil, errors.NewPreconditionError("passthrough tools carry no source", nil)
	}

	result := validation.Validate(source)
	if !result.Valid {
		return nil, validationError(result)
	}

	updated, err := m.store.UpdateToolSource(
		ctx, id, source, description, result.InputSchema, storage.ApprovalDraft)
	if err != nil {
		return nil, err
	}
	if err := m.approvals.ResetSubject(ctx, id); err != nil {
		return nil, err
	}
	if err := m.resyncIfRunning(ctx, tool.ServerID); err != nil {
		return nil, err
	}
	m.activity(ctx, actor, "tool.update_source", id,
		fmt.Sprintf("%s v%d", updated.Name, updated.CurrentVersion))
	m.toolsChanged(ctx)
	return updated, nil
}

// UpdateToolMeta changes description and timeout without touching source.
func (m *Manager) UpdateToolMeta(ctx context.Context, actor string, tool *storage.Tool) error {
	current, err := m.store.GetTool(ctx, tool.ID)
	if err != nil {
		return err
	}
	if err := m.store.UpdateToolMeta(ctx, tool); err != nil {
		return err
	}
	// A timeout change matters to the sandbox only when the tool is live.
	if current.Enabled && current.ApprovalStatus == storage.ApprovalApproved {
		if err := m.resyncIfRunning(ctx, current.ServerID); err != nil {
			return err
		}
	}
	m.activity(ctx, actor, "tool.update", tool.ID, current.Name)
	return nil
}

// DeleteTool removes the tool and its history.
func (m *Manager) DeleteTool(ctx context.Context, actor, id string) error {
	tool, err := m.store.GetTool(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.DeleteTool(ctx, id); err != nil {
		return err
	}
	if tool.Enabled && tool.ApprovalStatus == storage.ApprovalApproved {
		if err := m.resyncIfRunning(ctx, tool.ServerID); err != nil {
			return err
		}
		m.toolsChanged(ctx)
	}
	m.activity(ctx, actor, "tool.delete", id, tool.Name)
	return nil
}

// SetToolEnabled flips the enabled flag. Enabling an unapproved tool fails
// the store precondition.
func (m *Manager) SetToolEnabled(ctx context.Context, actor, id string, enabled bool) error {
	tool, err := m.store.GetTool(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.SetToolEnabled(ctx, id, enabled); err != nil {
		return err
	}
	if err := m.resyncIfRunning(ctx, tool.ServerID); err != nil {
		return err
	}
	action := "tool.disable"
	if enabled {
		action = "tool.enable"
	}
	m.activity(ctx, actor, action, id, tool.Name)
	m.toolsChanged(ctx)
	return nil
}

// RollbackResult reports the outcome of a version rollback.
type RollbackResult struct {
	Tool *storage.Tool `json:"tool"`
	// SchemaDrift is set when the restored source derives a different input
	// schema than the tool currently carries.
	SchemaDrift bool `json:"schema_drift"`
}

// Rollback restores an older version's source as a brand-new version. The
// restored source is re-validated and the tool lands in pending_review, so
// a rollback still passes through review before it can serve again.
func (m *Manager) Rollback(ctx context.Context, actor, toolID string, version int) (*RollbackResult, error) {
	tool, err := m.store.GetTool(ctx, toolID)
	if err != nil {
		return nil, err
	}
	old, err := m.store.GetVersion(ctx, toolID, version)
	if err != nil {
		return nil, err
	}

	result := validation.Validate(old.Source)
	if !result.Valid {
		return nil, validationError(result)
	}
	drift := !schemasEqual(result.InputSchema, tool.InputSchema)

	updated, err := m.store.UpdateToolSource(
		ctx, toolID, old.Source,
		fmt.Sprintf("rollback to version %d", version),
		result.InputSchema, storage.ApprovalPendingReview)
	if err != nil {
		return nil, err
	}
	if err := m.approvals.ResetSubject(ctx, toolID); err != nil {
		return nil, err
	}
	if err := m.resyncIfRunning(ctx, tool.ServerID); err != nil {
		return nil, err
	}
	m.activity(ctx, actor, "tool.rollback", toolID,
		fmt.Sprintf("%s to v%d as v%d", tool.Name, version, updated.CurrentVersion))
	m.toolsChanged(ctx)
	return &RollbackResult{Tool: updated, SchemaDrift: drift}, nil
}

// TestTool executes the tool's saved source in the sandbox without touching
// its live registration. Only stored code ever runs; the request carries no
// source text. Works for drafts: the tool is registered under a scratch
// server id for the duration of the call.
func (m *Manager) TestTool(
	ctx context.Context, actor, toolID string, args map[string]any,
) (*sandbox.ExecuteResponse, error) {
	tool, err := m.store.GetTool(ctx, toolID)
	if err != nil {
		return nil, err
	}
	if tool.ToolType != storage.ToolTypePythonCode {
		return nil, errors.NewPreconditionError("passthrough tools cannot be test-executed", nil)
	}
	server, err := m.store.GetServer(ctx, tool.ServerID)
	if err != nil {
		return nil, err
	}
	view, err := m.secrets.ViewForServer(ctx, server.ID)
	if err != nil {
		return nil, err
	}

	scratchID := "test-" + uuid.NewString()
	req := &sandbox.RegisterRequest{
		NetworkMode:  server.NetworkMode,
		AllowedHosts: server.AllowedHosts,
		Secrets:      view.Values(),
		Tools: []sandbox.ToolSpec{{
			Name:        tool.Name,
			Source:      tool.Source,
			InputSchema: tool.InputSchema,
			TimeoutMS:   effectiveTimeout(tool, server),
		}},
	}
	if err := m.sandbox.Register(ctx, scratchID, req); err != nil {
		return nil, err
	}
	defer func() {
		if err := m.sandbox.Unregister(context.WithoutCancel(ctx), scratchID); err != nil {
			logger.Warnw("failed to drop test registration", "server", scratchID, "error", err)
		}
	}()

	resp, err := m.sandbox.Execute(ctx, &sandbox.ExecuteRequest{
		ServerID: scratchID,
		ToolName: tool.Name,
		Args:     args,
	})
	if err != nil {
		return nil, err
	}
	m.activity(ctx, actor, "tool.test", toolID, tool.Name)
	return resp, nil
}

// ---- secrets ----

// SetSecret encrypts and stores one secret value. The value never appears
// in the activity log.
func (m *Manager) SetSecret(ctx context.Context, actor, serverID, key, value string) error {
	if !secretNameRe.MatchString(key) {
		return errors.NewValidationError(
			fmt.Sprintf("secret name %q must match %s", key, secretNameRe.String()), nil)
	}
	if _, err := m.store.GetServer(ctx, serverID); err != nil {
		return err
	}
	if err := m.secrets.Set(ctx, serverID, key, value); err != nil {
		return err
	}
	if err := m.resyncIfRunning(ctx, serverID); err != nil {
		return err
	}
	m.activity(ctx, actor, "secret.set", serverID, key)
	return nil
}

// DeleteSecret removes one secret.
func (m *Manager) DeleteSecret(ctx context.Context, actor, serverID, key string) error {
	if err := m.secrets.Delete(ctx, serverID, key); err != nil {
		return err
	}
	if err := m.resyncIfRunning(ctx, serverID); err != nil {
		return err
	}
	m.activity(ctx, actor, "secret.delete", serverID, key)
	return nil
}

// ---- external sources ----

// CreateSource persists a new external MCP source.
func (m *Manager) CreateSource(ctx context.Context, actor string, source *storage.ExternalSource) error {
	if strings.TrimSpace(source.Name) == "" {
		return errors.NewValidationError("source name is required", nil)
	}
	if source.Transport != storage.TransportStreamableHTTP && source.Transport != storage.TransportSSE {
		return errors.NewValidationError(
			fmt.Sprintf("unknown transport %q", source.Transport), nil)
	}
	if _, err := m.store.GetServer(ctx, source.ServerID); err != nil {
		return err
	}
	source.ID = uuid.NewString()
	if err := m.store.CreateSource(ctx, source); err != nil {
		return err
	}
	m.activity(ctx, actor, "source.create", source.ID, source.Name)
	return nil
}

// UpdateSource applies changes and drops any pooled session so the next
// call dials with the new settings.
func (m *Manager) UpdateSource(ctx context.Context, actor string, source *storage.ExternalSource) error {
	if err := m.store.UpdateSource(ctx, source); err != nil {
		return err
	}
	if m.external != nil {
		m.external.Invalidate(source.ID)
	}
	m.activity(ctx, actor, "source.update", source.ID, source.Name)
	return nil
}

// DeleteSource removes the source and its pooled session. Passthrough tools
// bound to it are deleted by the store cascade.
func (m *Manager) DeleteSource(ctx context.Context, actor, id string) error {
	source, err := m.store.GetSource(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.DeleteSource(ctx, id); err != nil {
		return err
	}
	if m.external != nil {
		m.external.Invalidate(id)
	}
	m.activity(ctx, actor, "source.delete", id, source.Name)
	m.toolsChanged(ctx)
	return nil
}

// DiscoverSource asks the remote server for its tool list and records it.
func (m *Manager) DiscoverSource(ctx context.Context, actor, id string) ([]storage.ExternalTool, error) {
	if m.external == nil {
		return nil, errors.NewPreconditionError("external sources are not configured", nil)
	}
	tools, err := m.external.Discover(ctx, id)
	if err != nil {
		return nil, err
	}
	m.activity(ctx, actor, "source.discover", id, fmt.Sprintf("%d tools", len(tools)))
	return tools, nil
}

// ImportTools creates local passthrough tools for the named remote tools,
// using the schema captured at discovery. Imported tools start as disabled
// drafts like any other new tool.
func (m *Manager) ImportTools(ctx context.Context, actor, sourceID string, names []string) ([]*storage.Tool, error) {
	source, err := m.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	discovered := make(map[string]storage.ExternalTool, len(source.Tools))
	for _, tool := range source.Tools {
		discovered[tool.Name] = tool
	}

	created := make([]*storage.Tool, 0, len(names))
	for _, name := range names {
		remote, ok := discovered[name]
		if !ok {
			return nil, errors.NewNotFoundError(
				fmt.Sprintf("tool %q was not discovered on this source", name), nil)
		}
		tool := &storage.Tool{
			ServerID:         source.ServerID,
			Name:             localToolName(name),
			Description:      remote.Description,
			ToolType:         storage.ToolTypeMCPPassthrough,
			ExternalSourceID: sourceID,
			ExternalToolName: name,
			InputSchema:      remote.InputSchema,
		}
		if err := m.CreateTool(ctx, actor, tool); err != nil {
			return nil, err
		}
		created = append(created, tool)
	}
	return created, nil
}

// localToolName coerces a remote tool name into the local naming rule.
func localToolName(remote string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(remote) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" || name[0] >= '0' && name[0] <= '9' {
		name = "tool_" + name
	}
	return name
}

// ---- approval hook ----

// OnApprovalResolved is wired as the approval engine's listener. Approving
// or revoking a tool/network request changes what a running server may do,
// so the sandbox view is refreshed and sessions are told.
func (m *Manager) OnApprovalResolved(req *storage.ApprovalRequest, _ string) {
	ctx := context.Background()
	switch req.Kind {
	case storage.KindToolPublish:
		tool, err := m.store.GetTool(ctx, req.SubjectID)
		if err != nil {
			logger.Warnw("approval hook: tool lookup failed", "tool", req.SubjectID, "error", err)
			return
		}
		if err := m.resyncIfRunning(ctx, tool.ServerID); err != nil {
			logger.Warnw("approval hook: re-register failed", "server", tool.ServerID, "error", err)
		}
		m.toolsChanged(ctx)
	case storage.KindNetwork:
		if err := m.resyncIfRunning(ctx, req.SubjectID); err != nil {
			logger.Warnw("approval hook: re-register failed", "server", req.SubjectID, "error", err)
		}
	case storage.KindModule:
		// The module allowlist is consulted at load time; no registration
		// state to refresh.
	}
}

// ---- helpers ----

// resyncIfRunning refreshes the sandbox registration when the server is
// running; otherwise it does nothing.
func (m *Manager) resyncIfRunning(ctx context.Context, serverID string) error {
	server, err := m.store.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	if server.Status != storage.ServerRunning {
		return nil
	}
	req, _, err := m.buildRegistration(ctx, server)
	if err != nil {
		return err
	}
	return m.sandbox.Register(ctx, serverID, req)
}

func (m *Manager) toolsChanged(ctx context.Context) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.ToolsChanged(ctx); err != nil {
		logger.Warnw("failed to broadcast tool change", "error", err)
	}
}

// activity appends an audit entry; failures are logged, never surfaced.
func (m *Manager) activity(ctx context.Context, actor, action, subject, detail string) {
	entry := &storage.ActivityLog{
		Actor:   actor,
		Action:  action,
		Subject: subject,
		Detail:  detail,
	}
	if err := m.store.AppendActivity(ctx, entry); err != nil {
		logger.Warnw("failed to append activity log", "action", action, "error", err)
	}
}

func validationError(result *validation.Result) error {
	msgs := make([]string, 0, len(result.Failures))
	for _, f := range result.Failures {
		msgs = append(msgs, f.Message)
	}
	return errors.NewValidationError(
		fmt.Sprintf("source failed validation: %s", strings.Join(msgs, "; ")), nil)
}

func schemasEqual(a, b map[string]any) bool {
	return reflect.DeepEqual(a, b)
}
