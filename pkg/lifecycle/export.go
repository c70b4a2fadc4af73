// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/storage"
	"github.com/mcpbox/mcpbox/pkg/validation"
)

// ServerExport is a portable snapshot of a server and its tools. Ids,
// timestamps, secrets and external sources stay behind: secrets are never
// exportable and source bindings are deployment-specific.
type ServerExport struct {
	Name             string       `json:"name"`
	Description      string       `json:"description,omitempty"`
	NetworkMode      string       `json:"network_mode"`
	DefaultTimeoutMS int          `json:"default_timeout_ms"`
	AllowedHosts     []string     `json:"allowed_hosts,omitempty"`
	Tools            []ToolExport `json:"tools"`
}

// ToolExport is one native tool inside a server export.
type ToolExport struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	TimeoutMS   int    `json:"timeout_ms,omitempty"`
	Source      string `json:"source"`
}

// ExportServer snapshots the server and its native tools. Passthrough
// tools are skipped; they are bindings to sources that do not travel.
func (m *Manager) ExportServer(ctx context.Context, id string) (*ServerExport, error) {
	server, err := m.store.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}
	tools, err := m.store.ListServerTools(ctx, id)
	if err != nil {
		return nil, err
	}

	export := &ServerExport{
		Name:             server.Name,
		Description:      server.Description,
		NetworkMode:      string(server.NetworkMode),
		DefaultTimeoutMS: server.DefaultTimeoutMS,
		AllowedHosts:     server.AllowedHosts,
	}
	for _, tool := range tools {
		if tool.ToolType != storage.ToolTypePythonCode {
			continue
		}
		export.Tools = append(export.Tools, ToolExport{
			Name:        tool.Name,
			Description: tool.Description,
			TimeoutMS:   tool.TimeoutMS,
			Source:      tool.Source,
		})
	}
	return export, nil
}

// ImportServer recreates a server from an export. Every tool re-enters the
// pipeline at the start: validated, disabled, draft. The server arrives in
// the imported state and must be reviewed and started explicitly.
func (m *Manager) ImportServer(ctx context.Context, actor string, export *ServerExport) (*storage.Server, error) {
	if export.Name == "" {
		return nil, errors.NewValidationError("export has no server name", nil)
	}
	mode := storage.NetworkMode(export.NetworkMode)
	if mode == "" {
		mode = storage.NetworkIsolated
	}
	if mode != storage.NetworkIsolated && mode != storage.NetworkAllowlist {
		return nil, errors.NewValidationError(
			fmt.Sprintf("unknown network mode %q", export.NetworkMode), nil)
	}

	// Validate every tool before creating anything, so a bad export does
	// not leave a half-imported server behind.
	schemas := make([]map[string]any, len(export.Tools))
	for i, tool := range export.Tools {
		if !toolNameRe.MatchString(tool.Name) {
			return nil, errors.NewValidationError(
				fmt.Sprintf("tool name %q must match %s", tool.Name, toolNameRe.String()), nil)
		}
		result := validation.Validate(tool.Source)
		if !result.Valid {
			return nil, errors.NewValidationError(
				fmt.Sprintf("tool %q: %s", tool.Name, validationError(result).Error()), nil)
		}
		schemas[i] = result.InputSchema
	}

	timeout := export.DefaultTimeoutMS
	if timeout <= 0 {
		timeout = DefaultTimeoutMS
	}
	server := &storage.Server{
		ID:               uuid.NewString(),
		Name:             export.Name,
		Description:      export.Description,
		Status:           storage.ServerImported,
		NetworkMode:      mode,
		DefaultTimeoutMS: timeout,
		AllowedHosts:     export.AllowedHosts,
	}
	if err := m.store.CreateServer(ctx, server); err != nil {
		return nil, err
	}

	for i, tool := range export.Tools {
		record := &storage.Tool{
			ID:             uuid.NewString(),
			ServerID:       server.ID,
			Name:           tool.Name,
			Description:    tool.Description,
			TimeoutMS:      tool.TimeoutMS,
			ToolType:       storage.ToolTypePythonCode,
			Source:         tool.Source,
			InputSchema:    schemas[i],
			ApprovalStatus: storage.ApprovalDraft,
			CurrentVersion: 1,
		}
		if err := m.store.CreateTool(ctx, record); err != nil {
			return nil, err
		}
	}

	m.activity(ctx, actor, "server.import", server.ID,
		fmt.Sprintf("%s with %d tools", server.Name, len(export.Tools)))
	return server, nil
}
